// Package dispatch runs a resolved candidate chain against the providers,
// falling back on retryable failures and resolving the request's escrow
// exactly once.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/ledger"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/payloads"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/registry"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/secrets"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
)

const (
	DefaultAttemptTimeout = 60 * time.Second
	DefaultLedgerTimeout  = 5 * time.Second

	backgroundTimeout = 10 * time.Second
)

// Providers looks up adapters by id. *router.Router satisfies it.
type Providers interface {
	GetProvider(id string) (provider.Provider, bool)
}

// KeySource returns an organization's own credential for a provider.
type KeySource interface {
	BYOKKey(ctx context.Context, orgID, providerID string) (string, error)
}

type Config struct {
	AttemptTimeout        time.Duration
	FallbackOnClientError bool
	LedgerTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		AttemptTimeout: DefaultAttemptTimeout,
		LedgerTimeout:  DefaultLedgerTimeout,
	}
}

// Job is one canonical chat request with its resolved candidates.
type Job struct {
	RequestID  string
	Org        *domain.Organization
	Request    *domain.ChatRequest
	Candidates []router.ResolvedEndpoint
	// RawBody is the client body, archived to the payload sink.
	RawBody []byte
}

// PassthroughJob carries a provider-native body for candidates of one
// protocol.
type PassthroughJob struct {
	RequestID  string
	Org        *domain.Organization
	Request    *domain.PassthroughRequest
	Candidates []router.ResolvedEndpoint
}

type Result struct {
	RequestID string
	Response  *domain.ChatResponse
	Endpoint  router.ResolvedEndpoint
	Usage     domain.Usage
	CostUSD   float64
	Charged   ledger.Amount
	Attempts  int
	Latency   time.Duration
}

// EmitFunc forwards one chunk to the client. An error means the client is
// gone.
type EmitFunc func(chunk domain.StreamChunk) error

// CommittedError is returned once bytes have reached the client. The
// caller can no longer write an error response.
type CommittedError struct {
	Err error
}

func (e *CommittedError) Error() string { return e.Err.Error() }

func (e *CommittedError) Unwrap() error { return e.Err }

func IsCommitted(err error) bool {
	var c *CommittedError
	return errors.As(err, &c)
}

type Executor struct {
	providers Providers
	registry  *registry.Registry
	calc      *cost.Calculator
	ledger    *ledger.Ledger
	breakers  *circuitbreaker.Manager
	keys      KeySource
	usage     cost.Sink
	payloads  payloads.Sink
	config    Config

	bg sync.WaitGroup
}

type Option func(*Executor)

func WithLedger(l *ledger.Ledger) Option {
	return func(e *Executor) { e.ledger = l }
}

func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(e *Executor) { e.breakers = m }
}

func WithKeys(k KeySource) Option {
	return func(e *Executor) { e.keys = k }
}

func WithUsageSink(s cost.Sink) Option {
	return func(e *Executor) { e.usage = s }
}

func WithPayloadSink(s payloads.Sink) Option {
	return func(e *Executor) { e.payloads = s }
}

func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		if cfg.AttemptTimeout <= 0 {
			cfg.AttemptTimeout = DefaultAttemptTimeout
		}
		if cfg.LedgerTimeout <= 0 {
			cfg.LedgerTimeout = DefaultLedgerTimeout
		}
		e.config = cfg
	}
}

func New(providers Providers, reg *registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		providers: providers,
		registry:  reg,
		calc:      cost.NewCalculator(reg),
		config:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wait blocks until background usage and payload writes have finished.
func (e *Executor) Wait() {
	e.bg.Wait()
}

func (e *Executor) Execute(ctx context.Context, job *Job) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "dispatch.execute")
	defer span.End()
	telemetry.AddRequestAttributes(span, job.Org.ID, job.Request.Model, job.RequestID, false)

	estimate := e.estimate(job.Candidates, func(cfg *registry.ProviderEndpointConfig) float64 {
		return e.calc.Estimate(cfg, job.Request)
	})
	s, err := e.authorize(ctx, job.Org.ID, job.RequestID, estimate)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	var attempts []domain.Attempt
	for i, ep := range job.Candidates {
		resp, err := e.attempt(ctx, job, ep, len(attempts)+1)
		if err == nil {
			usage := resp.Usage
			costUSD := e.calc.Cost(ep.Config, usage)
			charged := s.success(ctx, ep, costUSD)

			res := &Result{
				RequestID: job.RequestID,
				Response:  resp,
				Endpoint:  ep,
				Usage:     usage,
				CostUSD:   costUSD,
				Charged:   charged,
				Attempts:  len(attempts) + 1,
				Latency:   time.Since(start),
			}
			resp.Gateway = res.Gateway(ctx)
			telemetry.AddTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens)
			telemetry.AddCostAttribute(span, costUSD)
			e.report(ctx, job.Org.ID, job.Request.Model, res, false, false, statusSuccess)
			e.archive(ctx, job, res, nil)
			return res, nil
		}

		attempts = append(attempts, attemptOf(ep, err))
		if !e.retryable(ctx, err) {
			s.release(ctx)
			logFatal(job.RequestID, job.Org.ID, ep, err)
			telemetry.AddErrorAttribute(span, err)
			e.fail(ctx, job, ep, attempts, start, err)
			return nil, err
		}
		if i < len(job.Candidates)-1 {
			metrics.RecordFallback(job.Request.Model)
		}
	}

	s.release(ctx)
	err = &domain.ExhaustedError{Attempts: attempts}
	slog.Error("all candidates failed",
		"request_id", job.RequestID,
		"org_id", job.Org.ID,
		"model", job.Request.Model,
		"error", err,
	)
	telemetry.AddErrorAttribute(span, err)
	e.fail(ctx, job, router.ResolvedEndpoint{}, attempts, start, err)
	return nil, err
}

func (e *Executor) attempt(ctx context.Context, job *Job, ep router.ResolvedEndpoint, n int) (*domain.ChatResponse, error) {
	p, cb, target, err := e.prepare(ctx, job.Org.ID, ep)
	if err != nil {
		e.observe(ctx, job.RequestID, ep, cb, n, err)
		return nil, err
	}

	actx, span := telemetry.StartSpan(ctx, "dispatch.attempt")
	defer span.End()
	telemetry.AddAttemptAttributes(span, n, ep.Provider, ep.Region, ep.Billing)

	actx, cancel := context.WithTimeout(actx, e.config.AttemptTimeout)
	defer cancel()

	resp, err := p.ChatCompletion(actx, &provider.Call{Target: target, Request: job.Request})
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
	}
	e.observe(ctx, job.RequestID, ep, cb, n, err)
	return resp, err
}

// prepare resolves the adapter, breaker and credential for one attempt.
// Failures are retryable so the chain moves on.
func (e *Executor) prepare(ctx context.Context, orgID string, ep router.ResolvedEndpoint) (provider.Provider, circuitbreaker.CircuitBreaker, provider.Target, error) {
	p, ok := e.providers.GetProvider(ep.Provider)
	if !ok {
		return nil, nil, provider.Target{}, &domain.UpstreamError{Provider: ep.Provider, Retryable: true, Err: domain.ErrProviderNotFound}
	}

	var cb circuitbreaker.CircuitBreaker
	if e.breakers != nil {
		cb = e.breakers.Get(ep.Key())
		if err := cb.Allow(ctx); err != nil {
			return nil, nil, provider.Target{}, &domain.UpstreamError{Provider: ep.Provider, Retryable: true, Err: domain.ErrCircuitBreakerOpen}
		}
	}

	target := provider.Target{
		ModelID:       ep.ModelID,
		NativeModelID: ep.NativeModelID,
		Region:        ep.Region,
		BaseURL:       ep.BaseURL,
		CrossRegion:   ep.CrossRegion,
	}
	if m, ok := e.registry.Model(ep.ModelID); ok {
		target.MaxOutputTokens = m.MaxOutputTokens
	}

	if ep.IsBYOK() {
		if e.keys == nil {
			return nil, cb, target, &domain.UpstreamError{Provider: ep.Provider, Retryable: true, Err: secrets.ErrSecretNotFound}
		}
		key, err := e.keys.BYOKKey(ctx, orgID, ep.Provider)
		if err != nil {
			return nil, cb, target, &domain.UpstreamError{Provider: ep.Provider, Retryable: true, Err: err}
		}
		target.APIKey = key
	}
	return p, cb, target, nil
}

// observe feeds one attempt outcome to the breaker, metrics and logs.
func (e *Executor) observe(ctx context.Context, requestID string, ep router.ResolvedEndpoint, cb circuitbreaker.CircuitBreaker, n int, err error) {
	if err == nil {
		if cb != nil {
			cb.RecordSuccess(ctx)
		}
		metrics.RecordAttempt(ep.Provider, "success")
		return
	}

	if errors.Is(err, domain.ErrCircuitBreakerOpen) {
		metrics.RecordAttempt(ep.Provider, "skipped")
		slog.Warn("circuit open, skipping endpoint",
			"request_id", requestID,
			"endpoint", ep.Key(),
			"attempt", n,
		)
		return
	}

	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		if upErr.Retryable && cb != nil {
			cb.RecordFailure(ctx)
		}
		outcome := "fatal"
		if upErr.Retryable {
			outcome = "retryable"
		}
		metrics.RecordAttempt(ep.Provider, outcome)
		metrics.RecordProviderError(ep.Provider, errorType(err))
		slog.Warn("upstream attempt failed",
			"request_id", requestID,
			"provider", ep.Provider,
			"model", ep.ModelID,
			"region", ep.Region,
			"status", upErr.StatusCode,
			"attempt", n,
			"error", err,
		)
		return
	}

	metrics.RecordAttempt(ep.Provider, "fatal")
	metrics.RecordProviderError(ep.Provider, errorType(err))
}

// retryable decides whether the chain advances after err.
func (e *Executor) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) {
		return false
	}
	if upErr.Retryable {
		return true
	}
	if e.config.FallbackOnClientError && upErr.StatusCode >= 400 && upErr.StatusCode < 500 {
		return true
	}
	return false
}

// estimate is the largest pay-through-gateway estimate in the chain. BYOK
// candidates cost the organization nothing here.
func (e *Executor) estimate(candidates []router.ResolvedEndpoint, f func(*registry.ProviderEndpointConfig) float64) ledger.Amount {
	var max float64
	for _, ep := range candidates {
		if ep.IsBYOK() || ep.Config == nil {
			continue
		}
		if v := f(ep.Config); v > max {
			max = v
		}
	}
	return ledger.FromUSD(max)
}

func (e *Executor) authorize(ctx context.Context, orgID, requestID string, estimate ledger.Amount) (*settler, error) {
	s := &settler{ledger: e.ledger, calc: e.calc, requestID: requestID, timeout: e.config.LedgerTimeout}
	if e.ledger == nil || estimate <= 0 {
		s.resolved = true
		return s, nil
	}
	if _, err := e.ledger.Authorize(ctx, orgID, requestID, estimate); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

// report records metrics and the usage record for a served request.
func (e *Executor) report(ctx context.Context, orgID, model string, res *Result, stream, passthrough bool, status string) {
	ep := res.Endpoint
	metrics.RecordRequest(orgID, ep.Provider, model, status, res.Latency.Seconds())
	metrics.RecordTokens(orgID, ep.Provider, ep.ModelID, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	metrics.RecordCost(orgID, ep.Provider, ep.ModelID, res.CostUSD)

	if e.usage == nil {
		return
	}
	rec := cost.UsageRecord{
		OrgID:        orgID,
		RequestID:    res.RequestID,
		Model:        ep.ModelID,
		Provider:     ep.Provider,
		Region:       ep.Region,
		Billing:      ep.Billing,
		InputTokens:  res.Usage.PromptTokens,
		OutputTokens: res.Usage.CompletionTokens,
		CachedTokens: res.Usage.CachedTokens(),
		CostUSD:      res.CostUSD,
		LatencyMs:    res.Latency.Milliseconds(),
		Attempts:     res.Attempts,
		Stream:       stream,
		Passthrough:  passthrough,
		Status:       status,
		Timestamp:    time.Now().UTC(),
	}
	e.background(ctx, func(ctx context.Context) {
		if err := e.usage.Record(ctx, rec); err != nil {
			slog.Error("failed to record usage", "request_id", rec.RequestID, "error", err)
		}
	})
}

// fail records a request that produced no response.
func (e *Executor) fail(ctx context.Context, job *Job, ep router.ResolvedEndpoint, attempts []domain.Attempt, start time.Time, err error) {
	res := &Result{RequestID: job.RequestID, Endpoint: ep, Attempts: len(attempts), Latency: time.Since(start)}
	metrics.RecordRequest(job.Org.ID, ep.Provider, job.Request.Model, statusError, res.Latency.Seconds())
	e.archive(ctx, job, res, err)
}

// archive stores the raw exchange when a payload sink is configured.
func (e *Executor) archive(ctx context.Context, job *Job, res *Result, failure error) {
	if e.payloads == nil || len(job.RawBody) == 0 {
		return
	}
	p := payloads.Payload{
		RequestID: job.RequestID,
		OrgID:     job.Org.ID,
		Model:     job.Request.Model,
		Provider:  res.Endpoint.Provider,
		Request:   json.RawMessage(job.RawBody),
		CreatedAt: time.Now().UTC(),
	}
	if res.Response != nil {
		if data, err := json.Marshal(res.Response); err == nil {
			p.Response = data
		}
	}
	if failure != nil {
		p.Error = failure.Error()
	}
	e.background(ctx, func(ctx context.Context) {
		if err := e.payloads.Store(ctx, p); err != nil {
			slog.Error("failed to archive payload", "request_id", p.RequestID, "error", err)
		}
	})
}

func (e *Executor) background(ctx context.Context, fn func(context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Gateway describes how the request was served, for the x_gateway field.
func (res *Result) Gateway(ctx context.Context) *domain.Gateway {
	return &domain.Gateway{
		Provider:  res.Endpoint.Provider,
		Model:     res.Endpoint.ModelID,
		Region:    res.Endpoint.Region,
		Billing:   res.Endpoint.Billing,
		LatencyMs: res.Latency.Milliseconds(),
		CostUSD:   res.CostUSD,
		Attempts:  res.Attempts,
		RequestID: res.RequestID,
		TraceID:   telemetry.GetTraceID(ctx),
	}
}

func attemptOf(ep router.ResolvedEndpoint, err error) domain.Attempt {
	a := domain.Attempt{
		Provider: ep.Provider,
		Model:    ep.ModelID,
		Region:   ep.Region,
		Error:    err.Error(),
	}
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		a.Status = upErr.StatusCode
	}
	return a
}

func errorType(err error) string {
	var upErr *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrTranslation):
		return "translation"
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &upErr) && upErr.StatusCode >= 500:
		return "server_error"
	case errors.As(err, &upErr) && upErr.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case errors.As(err, &upErr) && upErr.StatusCode >= 400:
		return "client_error"
	default:
		return "transport"
	}
}

func logFatal(requestID, orgID string, ep router.ResolvedEndpoint, err error) {
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrTranslation) {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "request failed without fallback",
		"request_id", requestID,
		"org_id", orgID,
		"provider", ep.Provider,
		"model", ep.ModelID,
		"error", err,
	)
}
