package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/auth"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/ledger"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/google/uuid"
)

const defaultRateLimitRPM = 60

type AdminConfig struct {
	Orgs   repository.OrganizationRepository
	Ledger *ledger.Ledger
	// Usage answers spend queries. Optional.
	Usage cost.Tracker
	// RBAC guards every route when set. Without it the admin API is open,
	// which is only meant for local development.
	RBAC *auth.RBACMiddleware
	// Users enables the /admin/users routes. Optional.
	Users auth.AdminUserRepository
	// BYOKCapable vets byok_providers entries. Optional.
	BYOKCapable func(providerID string) bool
}

type AdminHandler struct {
	orgs   repository.OrganizationRepository
	ledger *ledger.Ledger
	usage  cost.Tracker
	users  auth.AdminUserRepository
	byok   func(providerID string) bool
	mux    *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		orgs:   cfg.Orgs,
		ledger: cfg.Ledger,
		usage:  cfg.Usage,
		users:  cfg.Users,
		byok:   cfg.BYOKCapable,
		mux:    http.NewServeMux(),
	}

	guard := func(p auth.Permission, fn http.HandlerFunc) http.Handler {
		if cfg.RBAC == nil {
			return fn
		}
		return cfg.RBAC.Guard(p, fn)
	}

	h.mux.Handle("GET /admin/organizations", guard(auth.PermissionOrgRead, h.listOrganizations))
	h.mux.Handle("POST /admin/organizations", guard(auth.PermissionOrgWrite, h.createOrganization))
	h.mux.Handle("GET /admin/organizations/{id}", guard(auth.PermissionOrgRead, h.getOrganization))
	h.mux.Handle("PUT /admin/organizations/{id}", guard(auth.PermissionOrgWrite, h.updateOrganization))
	h.mux.Handle("DELETE /admin/organizations/{id}", guard(auth.PermissionOrgDelete, h.deleteOrganization))
	h.mux.Handle("POST /admin/organizations/{id}/rotate-key", guard(auth.PermissionOrgWrite, h.rotateAPIKey))
	h.mux.Handle("POST /admin/organizations/{id}/credits", guard(auth.PermissionCreditsWrite, h.topUp))
	h.mux.Handle("GET /admin/organizations/{id}/wallet", guard(auth.PermissionOrgRead, h.getWallet))
	h.mux.Handle("GET /admin/organizations/{id}/usage", guard(auth.PermissionUsageRead, h.getUsage))
	h.mux.Handle("GET /admin/organizations/{id}/ledger", guard(auth.PermissionUsageRead, h.getLedger))

	if h.users != nil {
		h.mux.Handle("GET /admin/users", guard(auth.PermissionAdminManage, h.listUsers))
		h.mux.Handle("POST /admin/users", guard(auth.PermissionAdminManage, h.createUser))
		h.mux.Handle("DELETE /admin/users/{id}", guard(auth.PermissionAdminManage, h.deleteUser))
	}

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.orgs.List(r.Context())
	if err != nil {
		slog.Error("failed to list organizations", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list organizations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"organizations": orgs,
		"count":         len(orgs),
	})
}

type CreateOrganizationRequest struct {
	Name          string   `json:"name"`
	RateLimitRPM  int      `json:"rate_limit_rpm"`
	BYOKProviders []string `json:"byok_providers"`
	CreditsUSD    float64  `json:"credits_usd"`
}

type UpdateOrganizationRequest struct {
	Name          string    `json:"name,omitempty"`
	RateLimitRPM  *int      `json:"rate_limit_rpm,omitempty"`
	BYOKProviders *[]string `json:"byok_providers,omitempty"`
	Enabled       *bool     `json:"enabled,omitempty"`
}

type TopUpRequest struct {
	AmountUSD float64 `json:"amount_usd"`
}

// createOrganization returns the plaintext API key once. Only its hash is
// stored.
func (h *AdminHandler) createOrganization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.CreditsUSD < 0 {
		writeAdminError(w, http.StatusBadRequest, "credits_usd must not be negative")
		return
	}
	if err := h.checkBYOK(req.BYOKProviders); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	apiKey := generateAPIKey()
	now := time.Now()
	org := &domain.Organization{
		ID:            uuid.NewString(),
		Name:          req.Name,
		APIKeyHash:    crypto.HashAPIKey(apiKey),
		RateLimitRPM:  req.RateLimitRPM,
		BYOKProviders: req.BYOKProviders,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if org.RateLimitRPM == 0 {
		org.RateLimitRPM = defaultRateLimitRPM
	}

	if err := h.orgs.Create(ctx, org); err != nil {
		slog.Error("failed to create organization", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create organization")
		return
	}

	if req.CreditsUSD > 0 {
		if _, err := h.ledger.TopUp(ctx, org.ID, ledger.FromUSD(req.CreditsUSD)); err != nil {
			slog.Error("failed to grant initial credits", "org_id", org.ID, "error", err)
			writeAdminError(w, http.StatusInternalServerError, "organization created but credits were not granted")
			return
		}
	}

	slog.Info("organization created", "org_id", org.ID, "name", org.Name)

	org.APIKey = apiKey
	writeJSON(w, http.StatusCreated, org)
}

// checkBYOK rejects providers an organization cannot bring its own key for,
// such as Bedrock, which is signed with the gateway's AWS credentials.
func (h *AdminHandler) checkBYOK(providers []string) error {
	if h.byok == nil {
		return nil
	}
	for _, id := range providers {
		if !h.byok(id) {
			return fmt.Errorf("provider %q does not accept organization keys", id)
		}
	}
	return nil
}

func (h *AdminHandler) getOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.orgs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}

	writeJSON(w, http.StatusOK, org)
}

func (h *AdminHandler) updateOrganization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	org, err := h.orgs.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}

	var req UpdateOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		org.Name = req.Name
	}
	if req.RateLimitRPM != nil {
		org.RateLimitRPM = *req.RateLimitRPM
	}
	if req.BYOKProviders != nil {
		if err := h.checkBYOK(*req.BYOKProviders); err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
		org.BYOKProviders = *req.BYOKProviders
	}
	if req.Enabled != nil {
		org.Enabled = *req.Enabled
	}
	org.UpdatedAt = time.Now()

	if err := h.orgs.Update(ctx, org); err != nil {
		slog.Error("failed to update organization", "org_id", org.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update organization")
		return
	}

	slog.Info("organization updated", "org_id", org.ID)
	writeJSON(w, http.StatusOK, org)
}

func (h *AdminHandler) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.orgs.Delete(r.Context(), id); err != nil {
		writeNotFound(w, err)
		return
	}

	slog.Info("organization deleted", "org_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	org, err := h.orgs.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}

	apiKey := generateAPIKey()
	org.APIKeyHash = crypto.HashAPIKey(apiKey)
	org.UpdatedAt = time.Now()

	if err := h.orgs.Update(ctx, org); err != nil {
		slog.Error("failed to rotate API key", "org_id", org.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	slog.Info("API key rotated", "org_id", org.ID)
	writeJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (h *AdminHandler) topUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	org, err := h.orgs.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}

	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AmountUSD <= 0 {
		writeAdminError(w, http.StatusBadRequest, "amount_usd must be positive")
		return
	}

	wallet, err := h.ledger.TopUp(ctx, org.ID, ledger.FromUSD(req.AmountUSD))
	if err != nil {
		slog.Error("failed to top up credits", "org_id", org.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to top up credits")
		return
	}

	slog.Info("credits topped up", "org_id", org.ID, "amount_usd", req.AmountUSD)
	writeJSON(w, http.StatusOK, walletResponse(wallet))
}

func (h *AdminHandler) getWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	org, err := h.orgs.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}

	wallet, err := h.ledger.Wallet(ctx, org.ID)
	if err != nil {
		slog.Error("failed to read wallet", "org_id", org.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read wallet")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":  walletResponse(wallet),
		"escrows": wallet.Escrows,
	})
}

// getUsage reports spend since the optional RFC 3339 "since" query
// parameter, defaulting to the last 24 hours.
func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if h.usage == nil {
		writeAdminError(w, http.StatusNotImplemented, "usage tracking is not configured")
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}

	records, err := h.usage.GetOrgUsage(ctx, id, since)
	if err != nil {
		slog.Error("failed to read usage", "org_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	var total float64
	for _, rec := range records {
		total += rec.CostUSD
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"org_id":         id,
		"since":          since,
		"requests":       len(records),
		"total_cost_usd": total,
		"records":        records,
	})
}

func (h *AdminHandler) getLedger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeAdminError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	lines, err := h.ledger.History(r.Context(), id, limit)
	if err != nil {
		slog.Error("failed to read ledger lines", "org_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"org_id": id,
		"lines":  lines,
	})
}

type CreateUserRequest struct {
	Username string    `json:"username"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

func (h *AdminHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		slog.Error("failed to list admin users", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (h *AdminHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeAdminError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if !req.Role.Valid() {
		writeAdminError(w, http.StatusBadRequest, "role must be admin, editor or viewer")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	now := time.Now()
	user := &auth.AdminUser{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeAdminError(w, http.StatusConflict, "username already taken")
			return
		}
		slog.Error("failed to create admin user", "username", req.Username, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	slog.Info("admin user created", "username", user.Username, "role", user.Role)
	writeJSON(w, http.StatusCreated, user)
}

func (h *AdminHandler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if caller, ok := auth.UserFromContext(r.Context()); ok && caller.ID == id {
		writeAdminError(w, http.StatusBadRequest, "cannot delete the calling user")
		return
	}

	if err := h.users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeAdminError(w, http.StatusNotFound, "user not found")
			return
		}
		slog.Error("failed to delete admin user", "user_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	slog.Info("admin user deleted", "user_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func generateAPIKey() string {
	return "gw-" + uuid.NewString()
}

func writeNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrOrganizationNotFound) {
		writeAdminError(w, http.StatusNotFound, "organization not found")
		return
	}
	slog.Error("organization lookup failed", "error", err)
	writeAdminError(w, http.StatusInternalServerError, "organization lookup failed")
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
