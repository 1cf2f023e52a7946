package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/registry"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
)

const (
	HeaderProvider = "X-Gateway-Provider"
	HeaderCostUSD  = "X-Gateway-Cost-USD"
)

// Passthrough sends a provider-native body to the first candidate that
// accepts it and copies the native response to w. An error is only
// returned uncommitted while nothing has been written to w.
func (e *Executor) Passthrough(ctx context.Context, job *PassthroughJob, w http.ResponseWriter) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "dispatch.passthrough")
	defer span.End()
	telemetry.AddRequestAttributes(span, job.Org.ID, job.Request.Model, job.RequestID, job.Request.Stream)

	estimate := e.estimate(job.Candidates, func(cfg *registry.ProviderEndpointConfig) float64 {
		return e.calc.EstimateRaw(cfg, len(job.Request.Body), job.Request.MaxTokens)
	})
	s, err := e.authorize(ctx, job.Org.ID, job.RequestID, estimate)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return err
	}

	var attempts []domain.Attempt
	for i, ep := range job.Candidates {
		n := len(attempts) + 1
		resp, cancel, err := e.passthroughAttempt(ctx, job, ep, n)
		if err == nil {
			res, committed, err := e.relay(ctx, w, ep, resp, s, job.Request.Stream)
			cancel()
			res.RequestID = job.RequestID
			res.Attempts = n
			res.Latency = time.Since(start)

			status := statusSuccess
			if err != nil {
				status = statusError
				telemetry.AddErrorAttribute(span, err)
			}
			telemetry.AddTokenAttributes(span, res.Usage.PromptTokens, res.Usage.CompletionTokens)
			telemetry.AddCostAttribute(span, res.CostUSD)
			e.report(ctx, job.Org.ID, job.Request.Model, res, job.Request.Stream, true, status)
			if err != nil && committed {
				return &CommittedError{Err: err}
			}
			return err
		}

		attempts = append(attempts, attemptOf(ep, err))
		if !e.retryable(ctx, err) {
			s.release(ctx)
			logFatal(job.RequestID, job.Org.ID, ep, err)
			telemetry.AddErrorAttribute(span, err)
			metrics.RecordRequest(job.Org.ID, ep.Provider, job.Request.Model, statusError, time.Since(start).Seconds())
			return err
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
	metrics.RecordRequest(job.Org.ID, "", job.Request.Model, statusError, time.Since(start).Seconds())
	return err
}

// passthroughAttempt returns the accepted upstream response together with
// the cancel func of its context. Buffered bodies are bounded by the
// attempt timeout; streamed bodies only until the response headers.
func (e *Executor) passthroughAttempt(ctx context.Context, job *PassthroughJob, ep router.ResolvedEndpoint, n int) (*provider.PassthroughResponse, context.CancelFunc, error) {
	p, cb, target, err := e.prepare(ctx, job.Org.ID, ep)
	if err != nil {
		e.observe(ctx, job.RequestID, ep, cb, n, err)
		return nil, nil, err
	}

	actx, span := telemetry.StartSpan(ctx, "dispatch.attempt")
	defer span.End()
	telemetry.AddAttemptAttributes(span, n, ep.Provider, ep.Region, ep.Billing)

	actx, cancel := context.WithCancel(actx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(e.config.AttemptTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := p.Passthrough(actx, &provider.PassthroughCall{Target: target, Body: job.Request.Body, Stream: job.Request.Stream})
	if !timer.Stop() && err == nil {
		resp.Body.Close()
		err = &domain.UpstreamError{Provider: ep.Provider, Retryable: true, Err: errFirstChunkTimeout}
	}
	if err != nil {
		cancel()
		err = firstChunkErr(ep.Provider, err, &timedOut)
		telemetry.AddErrorAttribute(span, err)
		e.observe(ctx, job.RequestID, ep, cb, n, err)
		return nil, nil, err
	}

	e.observe(ctx, job.RequestID, ep, cb, n, nil)
	return resp, cancel, nil
}

// relay copies the native response to the client and resolves the escrow
// from the usage sniffed off the body. committed reports whether the
// status line was written.
func (e *Executor) relay(ctx context.Context, w http.ResponseWriter, ep router.ResolvedEndpoint, resp *provider.PassthroughResponse, s *settler, stream bool) (res *Result, committed bool, err error) {
	defer resp.Body.Close()
	res = &Result{Endpoint: ep}

	h := w.Header()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	h.Set(HeaderProvider, ep.Provider)

	if !stream {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			s.release(ctx)
			return res, false, err
		}
		res.Usage = resp.Usage()
		res.CostUSD = e.calc.Cost(ep.Config, res.Usage)
		res.Charged = s.success(ctx, ep, res.CostUSD)
		h.Set(HeaderCostUSD, strconv.FormatFloat(res.CostUSD, 'f', -1, 64))
		w.WriteHeader(resp.StatusCode)
		_, err = w.Write(data)
		return res, true, err
	}

	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(flushWriter{w}, resp.Body)
	res.Usage = resp.Usage()
	if err != nil {
		res.CostUSD = e.calc.Cost(ep.Config, res.Usage)
		res.Charged = s.partial(ctx, ep, res.Usage)
		if errors.Is(err, context.Canceled) {
			slog.Info("client disconnected during passthrough stream", "provider", ep.Provider)
		}
		return res, true, err
	}
	res.CostUSD = e.calc.Cost(ep.Config, res.Usage)
	res.Charged = s.success(ctx, ep, res.CostUSD)
	return res, true, nil
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
