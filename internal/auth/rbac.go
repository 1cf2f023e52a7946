// Package auth guards the admin API with basic-auth users and role-based
// permissions.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidRole     = errors.New("invalid role")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

type AdminUser struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         Role      `json:"role" db:"role"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

type Permission string

const (
	PermissionOrgRead      Permission = "org:read"
	PermissionOrgWrite     Permission = "org:write"
	PermissionOrgDelete    Permission = "org:delete"
	PermissionCreditsWrite Permission = "credits:write"
	PermissionUsageRead    Permission = "usage:read"
	PermissionAdminManage  Permission = "admin:manage"
)

// Roles are inclusive: an editor can do everything a viewer can.
var (
	viewerPermissions = []Permission{PermissionOrgRead, PermissionUsageRead}
	editorPermissions = append([]Permission{PermissionOrgWrite, PermissionCreditsWrite}, viewerPermissions...)
	adminPermissions  = append([]Permission{PermissionOrgDelete, PermissionAdminManage}, editorPermissions...)

	rolePermissions = map[Role]map[Permission]bool{
		RoleAdmin:  permissionSet(adminPermissions),
		RoleEditor: permissionSet(editorPermissions),
		RoleViewer: permissionSet(viewerPermissions),
	}
)

func permissionSet(perms []Permission) map[Permission]bool {
	set := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set
}

func HasPermission(role Role, permission Permission) bool {
	return rolePermissions[role][permission]
}

type Authenticator struct {
	repo AdminUserRepository
}

func NewAuthenticator(repo AdminUserRepository) *Authenticator {
	return &Authenticator{repo: repo}
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// Authenticate checks a username and password. Unknown users still pay the
// bcrypt cost so response timing does not reveal which usernames exist.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*AdminUser, error) {
	user, err := a.repo.GetByUsername(ctx, username)
	if err != nil {
		dummyOnce.Do(func() {
			dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-password"), bcrypt.DefaultCost)
		})
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrUserNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}

	if !user.Enabled {
		return nil, ErrUnauthorized
	}

	return user, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type contextKey string

const userContextKey contextKey = "admin_user"

func WithUser(ctx context.Context, user *AdminUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (*AdminUser, bool) {
	user, ok := ctx.Value(userContextKey).(*AdminUser)
	return user, ok
}

type RBACMiddleware struct {
	auth *Authenticator
}

func NewRBACMiddleware(auth *Authenticator) *RBACMiddleware {
	return &RBACMiddleware{auth: auth}
}

// RequireAuth resolves basic-auth credentials to an admin user and stores it
// on the request context.
func (m *RBACMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="llm-gateway admin"`)
			deny(w, http.StatusUnauthorized, "authentication required")
			return
		}

		user, err := m.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			slog.Warn("admin authentication failed",
				"username", username,
				"path", r.URL.Path,
				"error", err,
			)
			w.Header().Set("WWW-Authenticate", `Basic realm="llm-gateway admin"`)
			deny(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *RBACMiddleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if !HasPermission(user.Role, permission) {
				slog.Warn("admin permission denied",
					"username", user.Username,
					"role", user.Role,
					"permission", permission,
					"path", r.URL.Path,
				)
				deny(w, http.StatusForbidden, "missing permission "+string(permission))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Guard authenticates the caller and checks one permission.
func (m *RBACMiddleware) Guard(permission Permission, next http.HandlerFunc) http.Handler {
	return m.RequireAuth(m.RequirePermission(permission)(next))
}

func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" header,
// or "" when the header is missing or uses another scheme.
func ExtractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
