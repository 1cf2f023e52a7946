package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/ledger"
	"github.com/felipepmaragno/llm-gateway/internal/router"
)

// settler resolves one request's escrow at most once. Ledger calls run on a
// context detached from the request so a disconnected client still gets
// billed or refunded.
type settler struct {
	ledger    *ledger.Ledger
	calc      *cost.Calculator
	requestID string
	timeout   time.Duration

	once     sync.Once
	resolved bool
}

// success settles the cost of a PTB endpoint and releases for BYOK. It
// returns the amount charged.
func (s *settler) success(ctx context.Context, ep router.ResolvedEndpoint, costUSD float64) ledger.Amount {
	if ep.IsBYOK() {
		s.release(ctx)
		return 0
	}
	return s.settle(ctx, ledger.FromUSD(costUSD))
}

// partial resolves after a stream ended early. Observed usage is billed,
// otherwise the escrow is returned.
func (s *settler) partial(ctx context.Context, ep router.ResolvedEndpoint, usage domain.Usage) ledger.Amount {
	if usage.IsZero() {
		s.release(ctx)
		return 0
	}
	return s.success(ctx, ep, s.calc.Cost(ep.Config, usage))
}

func (s *settler) settle(ctx context.Context, actual ledger.Amount) ledger.Amount {
	var charged ledger.Amount
	s.do(ctx, func(ctx context.Context) {
		st, err := s.ledger.Settle(ctx, s.requestID, actual)
		if err != nil {
			slog.Error("failed to settle escrow", "request_id", s.requestID, "error", err)
			return
		}
		charged = st.Charged
	})
	return charged
}

func (s *settler) release(ctx context.Context) {
	s.do(ctx, func(ctx context.Context) {
		if _, err := s.ledger.Release(ctx, s.requestID); err != nil {
			slog.Error("failed to release escrow", "request_id", s.requestID, "error", err)
		}
	})
}

func (s *settler) do(ctx context.Context, fn func(context.Context)) {
	if s.resolved {
		return
	}
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		fn(ctx)
	})
}
