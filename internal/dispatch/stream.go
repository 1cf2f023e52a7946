package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/registry"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
)

var errFirstChunkTimeout = errors.New("no chunk before attempt timeout")

// Stream forwards chunks from the first candidate that starts streaming.
// Fallback is only possible before the first chunk reaches emit.
func (e *Executor) Stream(ctx context.Context, job *Job, emit EmitFunc) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "dispatch.stream")
	defer span.End()
	telemetry.AddRequestAttributes(span, job.Org.ID, job.Request.Model, job.RequestID, true)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

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
		n := len(attempts) + 1
		out := e.streamAttempt(ctx, job, ep, n, emit)

		if out.err == nil || out.forwarded {
			res := &Result{
				RequestID: job.RequestID,
				Endpoint:  ep,
				Usage:     out.usage,
				CostUSD:   e.calc.Cost(ep.Config, out.usage),
				Attempts:  n,
				Latency:   time.Since(start),
			}
			status := statusSuccess
			if out.err == nil {
				res.Charged = s.success(ctx, ep, res.CostUSD)
			} else {
				status = statusError
				res.Charged = s.partial(ctx, ep, out.usage)
				slog.Warn("stream ended after first chunk",
					"request_id", job.RequestID,
					"provider", ep.Provider,
					"error", out.err,
				)
				telemetry.AddErrorAttribute(span, out.err)
			}
			telemetry.AddTokenAttributes(span, out.usage.PromptTokens, out.usage.CompletionTokens)
			telemetry.AddCostAttribute(span, res.CostUSD)
			e.report(ctx, job.Org.ID, job.Request.Model, res, true, false, status)
			e.archive(ctx, job, res, out.err)
			if out.err != nil {
				return res, &CommittedError{Err: out.err}
			}
			return res, nil
		}

		attempts = append(attempts, attemptOf(ep, out.err))
		if !e.retryable(ctx, out.err) {
			s.release(ctx)
			logFatal(job.RequestID, job.Org.ID, ep, out.err)
			telemetry.AddErrorAttribute(span, out.err)
			e.fail(ctx, job, ep, attempts, start, out.err)
			return nil, out.err
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

type streamOutcome struct {
	usage     domain.Usage
	forwarded bool
	err       error
}

func (e *Executor) streamAttempt(ctx context.Context, job *Job, ep router.ResolvedEndpoint, n int, emit EmitFunc) streamOutcome {
	p, cb, target, err := e.prepare(ctx, job.Org.ID, ep)
	if err != nil {
		e.observe(ctx, job.RequestID, ep, cb, n, err)
		return streamOutcome{err: err}
	}

	sctx, span := telemetry.StartSpan(ctx, "dispatch.attempt")
	defer span.End()
	telemetry.AddAttemptAttributes(span, n, ep.Provider, ep.Region, ep.Billing)

	sctx, cancel := context.WithCancel(sctx)
	defer cancel()

	var timedOut atomic.Bool
	timer := time.AfterFunc(e.config.AttemptTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	var out streamOutcome
	stream, err := p.ChatCompletionStream(sctx, &provider.Call{Target: target, Request: job.Request})
	if err != nil {
		out.err = firstChunkErr(ep.Provider, err, &timedOut)
		telemetry.AddErrorAttribute(span, out.err)
		e.observe(ctx, job.RequestID, ep, cb, n, out.err)
		return out
	}

	var clientErr error
	for chunk := range stream.Chunks {
		if !out.forwarded {
			if !timer.Stop() {
				break
			}
			out.forwarded = true
		}
		if chunk.Usage != nil {
			out.usage = *chunk.Usage
		}
		if err := emit(chunk); err != nil {
			clientErr = err
			cancel()
			break
		}
	}
	for range stream.Chunks {
	}
	streamErr := <-stream.Errs
	// an interrupted stream has no terminal chunk; use what the adapter saw
	if out.usage.IsZero() && stream.Usage != nil {
		out.usage = stream.Usage()
	}

	switch {
	case clientErr != nil:
		out.err = clientErr
		// the upstream did nothing wrong
		e.observe(ctx, job.RequestID, ep, cb, n, nil)
		return out
	case !out.forwarded:
		if streamErr == nil {
			streamErr = &domain.UpstreamError{Provider: ep.Provider, Retryable: true, Err: errors.New("stream closed without chunks")}
		}
		out.err = firstChunkErr(ep.Provider, streamErr, &timedOut)
	default:
		out.err = streamErr
	}
	if out.err != nil {
		telemetry.AddErrorAttribute(span, out.err)
	}
	e.observe(ctx, job.RequestID, ep, cb, n, out.err)
	return out
}

// firstChunkErr turns a cancellation caused by the first-chunk timer into a
// retryable timeout.
func firstChunkErr(providerID string, err error, timedOut *atomic.Bool) error {
	if timedOut.Load() {
		return &domain.UpstreamError{Provider: providerID, Retryable: true, Err: errFirstChunkTimeout}
	}
	return err
}
