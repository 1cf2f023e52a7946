// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/auth"
	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-gateway/internal/dispatch"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/ledger"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
	"github.com/felipepmaragno/llm-gateway/internal/validate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	HeaderRequestID   = "X-Request-ID"
	HeaderRegion      = "X-Gateway-Region"
	HeaderPassthrough = "X-Gateway-Passthrough"

	maxBodyBytes = 10 << 20
	version      = "1.0.0"
)

type HandlerConfig struct {
	Orgs        repository.OrganizationRepository
	RateLimiter ratelimit.RateLimiter
	Router      *router.Router
	Executor    *dispatch.Executor
	Ledger      *ledger.Ledger
	// Breakers is optional and only reported by /health.
	Breakers *circuitbreaker.Manager
	Checkers []HealthChecker
	// Admin is mounted under /admin/ when set.
	Admin http.Handler
}

type Handler struct {
	orgs        repository.OrganizationRepository
	rateLimiter ratelimit.RateLimiter
	router      *router.Router
	executor    *dispatch.Executor
	ledger      *ledger.Ledger
	breakers    *circuitbreaker.Manager
	mux         *http.ServeMux
	root        http.Handler
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		orgs:        cfg.Orgs,
		rateLimiter: cfg.RateLimiter,
		router:      cfg.Router,
		executor:    cfg.Executor,
		ledger:      cfg.Ledger,
		breakers:    cfg.Breakers,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("POST /v1/responses", h.handleResponses)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/credits", h.handleCredits)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", readinessHandler(cfg.Checkers, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}
	h.root = telemetry.Middleware(h.mux)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.IncrementActiveConnections()
	defer metrics.DecrementActiveConnections()
	h.root.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(r)
	w.Header().Set(HeaderRequestID, requestID)

	org, err := h.admit(ctx, w, r)
	if err != nil {
		slog.Warn("request rejected", "request_id", requestID, "error", err)
		writeError(w, err)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if protocol := r.Header.Get(HeaderPassthrough); protocol != "" {
		h.passthrough(w, r, org, requestID, protocol, body)
		return
	}

	req, err := validate.ChatCompletion(body)
	if err != nil {
		writeError(w, err)
		return
	}

	candidates, err := h.router.Resolve(req.Model, router.Options{
		Region:        r.Header.Get(HeaderRegion),
		BYOKProviders: org.BYOKProviders,
		Parameters:    req.OptionalParameters(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	job := &dispatch.Job{
		RequestID:  requestID,
		Org:        org,
		Request:    req,
		Candidates: candidates,
		RawBody:    body,
	}

	if req.Stream {
		h.stream(w, r, job)
		return
	}

	res, err := h.executor.Execute(ctx, job)
	if err != nil {
		writeError(w, err)
		return
	}

	setResultHeaders(w, res)
	slog.Info("request completed",
		"request_id", requestID,
		"org_id", org.ID,
		"provider", res.Endpoint.Provider,
		"model", req.Model,
		"attempts", res.Attempts,
		"latency_ms", res.Latency.Milliseconds(),
	)
	writeJSON(w, http.StatusOK, res.Response)
}

// stream relays chunks as server-sent events. Headers are only sent with
// the first chunk so a failure before it still gets a JSON error.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, job *dispatch.Job) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming not supported"))
		return
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	// the terminal chunk is held back so x_gateway can ride on it once the
	// cost is known
	var terminal, last *domain.StreamChunk
	emit := func(chunk domain.StreamChunk) error {
		start()
		if chunk.IsTerminal() {
			terminal = &chunk
			return nil
		}
		last = &chunk
		if err := writeEvent(w, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	res, err := h.executor.Stream(r.Context(), job, emit)
	if err != nil && !dispatch.IsCommitted(err) {
		writeError(w, err)
		return
	}

	start()
	if err != nil {
		status, typ := statusFor(err)
		writeEvent(w, errorBody{Error: errorDetail{Message: err.Error(), Type: typ, Code: status}})
		flusher.Flush()
		return
	}

	if terminal == nil {
		terminal = terminalChunk(last, res.Usage)
	}
	terminal.Gateway = res.Gateway(r.Context())
	writeEvent(w, terminal)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	slog.Info("streaming request completed",
		"request_id", job.RequestID,
		"org_id", job.Org.ID,
		"provider", res.Endpoint.Provider,
		"model", job.Request.Model,
		"latency_ms", res.Latency.Milliseconds(),
	)
}

func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, org *domain.Organization, requestID, protocol string, body []byte) {
	req, err := validate.PassthroughEnvelope(body)
	if err != nil {
		writeError(w, err)
		return
	}

	candidates, err := h.router.Resolve(req.Model, router.Options{
		Region:        r.Header.Get(HeaderRegion),
		BYOKProviders: org.BYOKProviders,
		Passthrough:   protocol,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	err = h.executor.Passthrough(r.Context(), &dispatch.PassthroughJob{
		RequestID:  requestID,
		Org:        org,
		Request:    req,
		Candidates: candidates,
	}, w)
	switch {
	case err == nil:
	case dispatch.IsCommitted(err):
		slog.Warn("passthrough ended early", "request_id", requestID, "error", err)
	default:
		writeError(w, err)
	}
}

func (h *Handler) handleResponses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(r)
	w.Header().Set(HeaderRequestID, requestID)

	org, err := h.admit(ctx, w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := validate.Responses(body)
	if err != nil {
		writeError(w, err)
		return
	}

	chat := req.ToChatRequest()
	candidates, err := h.router.Resolve(chat.Model, router.Options{
		Region:        r.Header.Get(HeaderRegion),
		BYOKProviders: org.BYOKProviders,
		Parameters:    chat.OptionalParameters(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.executor.Execute(ctx, &dispatch.Job{
		RequestID:  requestID,
		Org:        org,
		Request:    chat,
		Candidates: candidates,
		RawBody:    body,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	setResultHeaders(w, res)
	writeJSON(w, http.StatusOK, domain.ResponsesFromChat(res.Response))
}

// handleListModels lists catalog models that at least one configured
// adapter can serve.
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	reg := h.router.Registry()
	available := make(map[string]bool)
	for _, id := range h.router.ListProviders() {
		available[id] = true
	}

	data := []domain.Model{}
	for _, id := range reg.AllModelIDs() {
		model, ok := reg.Model(id)
		if !ok {
			continue
		}
		var providers []string
		for _, p := range reg.ModelProviders(id) {
			if available[p] {
				providers = append(providers, p)
			}
		}
		if len(providers) == 0 {
			continue
		}
		data = append(data, domain.Model{
			ID:            model.ID,
			Object:        "model",
			Name:          model.Name,
			OwnedBy:       model.Author,
			ContextLength: model.ContextLength,
			Providers:     providers,
		})
	}

	writeJSON(w, http.StatusOK, domain.ModelsResponse{Object: "list", Data: data})
}

type creditsResponse struct {
	OrgID      string  `json:"org_id"`
	BalanceUSD float64 `json:"balance_usd"`
	CreditsUSD float64 `json:"total_credits_usd"`
	EscrowUSD  float64 `json:"total_escrow_usd"`
	SpentUSD   float64 `json:"total_spent_usd"`
}

func walletResponse(wallet ledger.WalletState) creditsResponse {
	return creditsResponse{
		OrgID:      wallet.OrgID,
		BalanceUSD: wallet.Balance().USD(),
		CreditsUSD: wallet.TotalCredits.USD(),
		EscrowUSD:  wallet.TotalEscrow.USD(),
		SpentUSD:   wallet.TotalSpent.USD(),
	}
}

func (h *Handler) handleCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	org, err := h.authenticate(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	wallet, err := h.ledger.Wallet(ctx, org.ID)
	if err != nil {
		slog.Error("failed to read wallet", "org_id", org.ID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, walletResponse(wallet))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	providers := make(map[string]string)
	allHealthy := true

	for _, providerID := range h.router.ListProviders() {
		p, ok := h.router.GetProvider(providerID)
		if !ok {
			continue
		}

		if err := p.HealthCheck(ctx); err != nil {
			providers[providerID] = "unhealthy"
			allHealthy = false
		} else {
			providers[providerID] = "ok"
		}
	}

	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}

	resp := map[string]any{
		"status":    status,
		"version":   version,
		"providers": providers,
	}
	if h.breakers != nil {
		resp["circuit_breakers"] = h.breakers.States()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) authenticate(ctx context.Context, r *http.Request) (*domain.Organization, error) {
	apiKey := auth.ExtractBearerToken(r)
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key: %w", domain.ErrInvalidAPIKey)
	}

	org, err := h.orgs.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, domain.ErrOrganizationNotFound) {
			return nil, domain.ErrInvalidAPIKey
		}
		return nil, err
	}
	return org, nil
}

// admit authenticates the caller and applies its per-minute request limit.
// A limit of zero or less is unlimited.
func (h *Handler) admit(ctx context.Context, w http.ResponseWriter, r *http.Request) (*domain.Organization, error) {
	org, err := h.authenticate(ctx, r)
	if err != nil {
		return nil, err
	}
	if org.RateLimitRPM <= 0 {
		return org, nil
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, org.ID, org.RateLimitRPM)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(org.RateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimitHit(org.ID)
		return nil, domain.ErrRateLimitExceeded
	}
	return org, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("cannot read body: %v", err)}
	}
	return body, nil
}

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

// terminalChunk builds the closing usage chunk for an upstream that did not
// send one.
func terminalChunk(last *domain.StreamChunk, usage domain.Usage) *domain.StreamChunk {
	c := &domain.StreamChunk{
		Object:  "chat.completion.chunk",
		Choices: []domain.StreamChoice{},
		Usage:   &usage,
	}
	if last != nil {
		c.ID = last.ID
		c.Created = last.Created
		c.Model = last.Model
	}
	return c
}

func setResultHeaders(w http.ResponseWriter, res *dispatch.Result) {
	w.Header().Set(dispatch.HeaderProvider, res.Endpoint.Provider)
	w.Header().Set(dispatch.HeaderCostUSD, strconv.FormatFloat(res.CostUSD, 'f', -1, 64))
}

func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
