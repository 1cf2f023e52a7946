package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newSeededRepo(t *testing.T) *InMemoryAdminUserRepository {
	t.Helper()
	repo := NewInMemoryAdminUserRepository()
	if err := EnsureAdmin(context.Background(), repo, "admin", "admin"); err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}
	return repo
}

func addUser(t *testing.T, repo *InMemoryAdminUserRepository, username, password string, role Role, enabled bool) {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	now := time.Now()
	if err := repo.Create(context.Background(), &AdminUser{
		ID:           username + "-id",
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Enabled:      enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("Create(%s) error = %v", username, err)
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role       Role
		permission Permission
		want       bool
	}{
		{RoleAdmin, PermissionOrgDelete, true},
		{RoleAdmin, PermissionAdminManage, true},
		{RoleEditor, PermissionOrgWrite, true},
		{RoleEditor, PermissionCreditsWrite, true},
		{RoleEditor, PermissionOrgDelete, false},
		{RoleEditor, PermissionAdminManage, false},
		{RoleViewer, PermissionOrgRead, true},
		{RoleViewer, PermissionUsageRead, true},
		{RoleViewer, PermissionOrgWrite, false},
		{RoleViewer, PermissionCreditsWrite, false},
		{Role("auditor"), PermissionOrgRead, false},
	}

	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.permission); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.permission, got, tt.want)
		}
	}
}

func TestRoles_AreInclusive(t *testing.T) {
	for _, p := range viewerPermissions {
		if !HasPermission(RoleEditor, p) {
			t.Errorf("editor lacks viewer permission %s", p)
		}
	}
	for _, p := range editorPermissions {
		if !HasPermission(RoleAdmin, p) {
			t.Errorf("admin lacks editor permission %s", p)
		}
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleAdmin, RoleEditor, RoleViewer} {
		if !r.Valid() {
			t.Errorf("%s should be valid", r)
		}
	}
	if Role("root").Valid() || Role("").Valid() {
		t.Error("unknown roles should be invalid")
	}
}

func TestHashPassword_Salted(t *testing.T) {
	a, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	b, _ := HashPassword("s3cret")
	if a == "s3cret" || a == b {
		t.Errorf("hashes should be salted and never the plaintext: %q %q", a, b)
	}
}

func TestAuthenticator_Authenticate(t *testing.T) {
	repo := newSeededRepo(t)
	addUser(t, repo, "gone", "pw", RoleViewer, false)
	authn := NewAuthenticator(repo)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"valid credentials", "admin", "admin", nil},
		{"wrong password", "admin", "wrong", ErrInvalidPassword},
		{"unknown user", "nobody", "admin", ErrUserNotFound},
		{"disabled user", "gone", "pw", ErrUnauthorized},
		{"disabled user with wrong password", "gone", "nope", ErrInvalidPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := authn.Authenticate(context.Background(), tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && user.Username != tt.username {
				t.Errorf("user = %+v", user)
			}
		})
	}
}

func TestUserContext(t *testing.T) {
	if _, ok := UserFromContext(context.Background()); ok {
		t.Error("empty context should carry no user")
	}

	ctx := WithUser(context.Background(), &AdminUser{ID: "u1", Role: RoleEditor})
	user, ok := UserFromContext(ctx)
	if !ok || user.ID != "u1" {
		t.Errorf("UserFromContext() = %+v, %v", user, ok)
	}
}

func TestRBACMiddleware_Guard(t *testing.T) {
	repo := newSeededRepo(t)
	addUser(t, repo, "viewer", "viewer", RoleViewer, true)
	addUser(t, repo, "editor", "editor", RoleEditor, true)
	m := NewRBACMiddleware(NewAuthenticator(repo))

	var seen *AdminUser
	handler := m.Guard(PermissionCreditsWrite, func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name           string
		user, password string
		basic          bool
		want           int
	}{
		{"admin", "admin", "admin", true, http.StatusNoContent},
		{"editor", "editor", "editor", true, http.StatusNoContent},
		{"viewer lacks credits:write", "viewer", "viewer", true, http.StatusForbidden},
		{"bad password", "viewer", "wrong", true, http.StatusUnauthorized},
		{"no credentials", "", "", false, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest("POST", "/admin/organizations/x/credits", nil)
			if tt.basic {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusNoContent {
				if seen == nil || seen.Username != tt.user {
					t.Errorf("handler saw user %+v", seen)
				}
				return
			}

			var body struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("denial body is not JSON: %v", err)
			}
			if body.Success || body.Error == "" {
				t.Errorf("body = %+v", body)
			}
			if tt.want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 should carry a WWW-Authenticate challenge")
			}
		})
	}
}

func TestRBACMiddleware_RequirePermission_NoUser(t *testing.T) {
	m := &RBACMiddleware{}
	handler := m.RequirePermission(PermissionOrgRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without a user")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/organizations", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestEnsureAdmin_Idempotent(t *testing.T) {
	repo := newSeededRepo(t)
	ctx := context.Background()

	if err := EnsureAdmin(ctx, repo, "admin", "other-password"); err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}
	users, _ := repo.List(ctx)
	if len(users) != 1 || users[0].Role != RoleAdmin {
		t.Fatalf("users = %+v", users)
	}
	if _, err := NewAuthenticator(repo).Authenticate(ctx, "admin", "admin"); err != nil {
		t.Errorf("existing password should be kept: %v", err)
	}
}

func TestInMemoryAdminUserRepository(t *testing.T) {
	repo := newSeededRepo(t)
	ctx := context.Background()
	addUser(t, repo, "ops", "pw", RoleViewer, true)

	dup := &AdminUser{ID: "other", Username: "ops", Role: RoleViewer}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate Create() error = %v, want ErrUserExists", err)
	}

	user, err := repo.GetByID(ctx, "ops-id")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	user.Role = RoleEditor
	if err := repo.Update(ctx, user); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got, _ := repo.GetByUsername(ctx, "ops"); got.Role != RoleEditor {
		t.Errorf("role after update = %s", got.Role)
	}

	if users, _ := repo.List(ctx); len(users) != 2 {
		t.Errorf("List() = %d users, want 2", len(users))
	}

	if err := repo.Delete(ctx, "ops-id"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, "ops-id"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetByID after delete error = %v", err)
	}
	if err := repo.Delete(ctx, "ops-id"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
	if err := repo.Update(ctx, &AdminUser{ID: "missing"}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Update(missing) error = %v", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer gw-abc", "gw-abc"},
		{"bearer gw-abc", "gw-abc"},
		{"Bearer  gw-abc ", "gw-abc"},
		{"gw-abc", ""},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/v1/chat/completions", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := ExtractBearerToken(req); got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
