// Package ledger holds prepaid credit wallets. A request reserves its
// estimated cost with Authorize and resolves the reservation exactly once
// with Settle or Release.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/llm-gateway/internal/metrics"
)

// Observer is told about a wallet after it changed. It runs outside the
// organization's lock.
type Observer func(ctx context.Context, wallet WalletState)

type Ledger struct {
	store     Store
	journal   Journal
	locks     *keyedMutex
	now       func() time.Time
	observers []Observer
}

type Option func(*Ledger)

func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observers = append(l.observers, o) }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Authorize reserves estimate for requestID. It fails without touching the
// wallet when the estimate exceeds the balance.
func (l *Ledger) Authorize(ctx context.Context, orgID, requestID string, estimate Amount) (EscrowToken, error) {
	if estimate <= 0 {
		return EscrowToken{}, fmt.Errorf("%w: estimate %d", ErrInvalidAmount, estimate)
	}

	unlock := l.locks.Lock(orgID)
	defer unlock()

	esc := Escrow{RequestID: requestID, OrgID: orgID, Amount: estimate, CreatedAt: l.now()}
	wallet, err := l.store.Authorize(ctx, esc)
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			metrics.RecordAuthorization("insufficient")
		} else {
			metrics.RecordAuthorization("error")
		}
		return EscrowToken{}, err
	}

	metrics.RecordAuthorization("ok")
	metrics.LedgerOpenEscrows.Inc()
	l.record(ctx, KindAuthorize, esc.OrgID, requestID, estimate, wallet)

	return EscrowToken{RequestID: requestID, OrgID: orgID, Amount: estimate}, nil
}

// Settle charges the real cost of a request and closes its escrow. The
// charge is capped so the balance never goes negative.
func (l *Ledger) Settle(ctx context.Context, requestID string, actual Amount) (Settlement, error) {
	if actual < 0 {
		return Settlement{}, fmt.Errorf("%w: actual %d", ErrInvalidAmount, actual)
	}
	return l.resolve(ctx, requestID, KindSettle, func(now time.Time) (Settlement, error) {
		return l.store.Settle(ctx, requestID, actual, now)
	})
}

// Release closes an escrow without charging anything.
func (l *Ledger) Release(ctx context.Context, requestID string) (Settlement, error) {
	return l.resolve(ctx, requestID, KindRelease, func(now time.Time) (Settlement, error) {
		return l.store.Release(ctx, requestID, now)
	})
}

func (l *Ledger) resolve(ctx context.Context, requestID, kind string, op func(time.Time) (Settlement, error)) (Settlement, error) {
	esc, err := l.store.Escrow(ctx, requestID)
	if err != nil {
		return Settlement{}, err
	}

	unlock := l.locks.Lock(esc.OrgID)
	s, err := op(l.now())
	if err != nil {
		unlock()
		return Settlement{}, err
	}

	metrics.LedgerOpenEscrows.Dec()
	metrics.RecordSettlement(s.Charged.USD(), s.Shortfall.USD())
	metrics.SetWalletBalance(s.OrgID, s.Wallet.Balance().USD())

	l.record(ctx, kind, s.OrgID, requestID, s.Charged, s.Wallet)
	unlock()

	if s.Shortfall > 0 {
		slog.Warn("settlement capped by balance",
			"org_id", s.OrgID,
			"request_id", requestID,
			"shortfall_usd", s.Shortfall.USD(),
		)
	}

	l.notify(ctx, s.Wallet)
	return s, nil
}

func (l *Ledger) TopUp(ctx context.Context, orgID string, amount Amount) (WalletState, error) {
	if amount <= 0 {
		return WalletState{}, fmt.Errorf("%w: top-up %d", ErrInvalidAmount, amount)
	}

	unlock := l.locks.Lock(orgID)
	wallet, err := l.store.TopUp(ctx, orgID, amount, l.now())
	if err != nil {
		unlock()
		return WalletState{}, err
	}
	l.record(ctx, KindTopUp, orgID, "", amount, wallet)
	unlock()

	metrics.SetWalletBalance(orgID, wallet.Balance().USD())
	l.notify(ctx, wallet)
	return wallet, nil
}

func (l *Ledger) Wallet(ctx context.Context, orgID string) (WalletState, error) {
	return l.store.Wallet(ctx, orgID)
}

// History returns the newest journal lines for orgID. It returns nil when
// no journal is configured.
func (l *Ledger) History(ctx context.Context, orgID string, limit int) ([]Line, error) {
	if l.journal == nil {
		return nil, nil
	}
	return l.journal.Lines(ctx, orgID, limit)
}

// ReleaseStale releases escrows older than ttl. It recovers reservations
// left behind by a crashed instance and returns how many were released.
func (l *Ledger) ReleaseStale(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := l.store.StaleEscrows(ctx, l.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("list stale escrows: %w", err)
	}

	released := 0
	for _, esc := range stale {
		if _, err := l.Release(ctx, esc.RequestID); err != nil {
			if errors.Is(err, ErrEscrowNotFound) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}

// RunJanitor calls ReleaseStale every interval until ctx is done.
func (l *Ledger) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.ReleaseStale(ctx, ttl)
			if err != nil {
				slog.Error("escrow janitor failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("released stale escrows", "count", n, "ttl", ttl)
			}
		}
	}
}

func (l *Ledger) record(ctx context.Context, kind, orgID, requestID string, amount Amount, wallet WalletState) {
	if l.journal == nil {
		return
	}
	line := Line{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		RequestID: requestID,
		Kind:      kind,
		Amount:    amount,
		Balance:   wallet.Balance(),
		CreatedAt: l.now(),
	}
	if err := l.journal.Append(ctx, line); err != nil {
		slog.Error("failed to write ledger line",
			"error", err,
			"org_id", orgID,
			"request_id", requestID,
			"kind", kind,
		)
	}
}

func (l *Ledger) notify(ctx context.Context, wallet WalletState) {
	for _, o := range l.observers {
		o(ctx, wallet)
	}
}
