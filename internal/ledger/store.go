package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store persists wallets and escrows. Every method is atomic on its own;
// the Ledger provides per-organization ordering on top.
type Store interface {
	Wallet(ctx context.Context, orgID string) (WalletState, error)
	Escrow(ctx context.Context, requestID string) (Escrow, error)
	Authorize(ctx context.Context, esc Escrow) (WalletState, error)
	Settle(ctx context.Context, requestID string, actual Amount, now time.Time) (Settlement, error)
	Release(ctx context.Context, requestID string, now time.Time) (Settlement, error)
	TopUp(ctx context.Context, orgID string, amount Amount, now time.Time) (WalletState, error)
	StaleEscrows(ctx context.Context, before time.Time) ([]Escrow, error)
}

// MemoryStore keeps wallets in process. Wallets start with the opening
// credit on first touch.
type MemoryStore struct {
	opening Amount

	mu      sync.Mutex
	wallets map[string]*WalletState
	escrows map[string]Escrow
}

func NewMemoryStore(opening Amount) *MemoryStore {
	return &MemoryStore{
		opening: opening,
		wallets: make(map[string]*WalletState),
		escrows: make(map[string]Escrow),
	}
}

func (s *MemoryStore) wallet(orgID string, now time.Time) *WalletState {
	w, ok := s.wallets[orgID]
	if !ok {
		w = &WalletState{
			OrgID:        orgID,
			TotalCredits: s.opening,
			Escrows:      make(map[string]Escrow),
			UpdatedAt:    now,
		}
		s.wallets[orgID] = w
	}
	return w
}

func snapshot(w *WalletState) WalletState {
	out := *w
	out.Escrows = make(map[string]Escrow, len(w.Escrows))
	for k, v := range w.Escrows {
		out.Escrows[k] = v
	}
	return out
}

func (s *MemoryStore) Wallet(ctx context.Context, orgID string) (WalletState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[orgID]; ok {
		return snapshot(w), nil
	}
	return WalletState{OrgID: orgID, TotalCredits: s.opening, Escrows: map[string]Escrow{}}, nil
}

func (s *MemoryStore) Escrow(ctx context.Context, requestID string) (Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.escrows[requestID]
	if !ok {
		return Escrow{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, requestID)
	}
	return esc, nil
}

func (s *MemoryStore) Authorize(ctx context.Context, esc Escrow) (WalletState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[esc.RequestID]; ok {
		return WalletState{}, fmt.Errorf("%w: %s", ErrDuplicateEscrow, esc.RequestID)
	}
	w := s.wallet(esc.OrgID, esc.CreatedAt)
	if esc.Amount > w.Balance() {
		return WalletState{}, &InsufficientCreditsError{OrgID: esc.OrgID, Required: esc.Amount, Available: w.Balance()}
	}

	w.TotalEscrow += esc.Amount
	w.Escrows[esc.RequestID] = esc
	w.UpdatedAt = esc.CreatedAt
	s.escrows[esc.RequestID] = esc
	return snapshot(w), nil
}

func (s *MemoryStore) Settle(ctx context.Context, requestID string, actual Amount, now time.Time) (Settlement, error) {
	return s.resolve(requestID, actual, now)
}

func (s *MemoryStore) Release(ctx context.Context, requestID string, now time.Time) (Settlement, error) {
	return s.resolve(requestID, 0, now)
}

func (s *MemoryStore) resolve(requestID string, actual Amount, now time.Time) (Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[requestID]
	if !ok {
		return Settlement{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, requestID)
	}
	w := s.wallet(esc.OrgID, now)

	charge := chargeFor(actual, w.TotalCredits, w.TotalEscrow, esc.Amount)
	w.TotalCredits -= charge
	w.TotalEscrow -= esc.Amount
	w.TotalSpent += charge
	w.UpdatedAt = now
	delete(w.Escrows, requestID)
	delete(s.escrows, requestID)

	return Settlement{
		RequestID: requestID,
		OrgID:     esc.OrgID,
		Reserved:  esc.Amount,
		Charged:   charge,
		Shortfall: actual - charge,
		Wallet:    snapshot(w),
	}, nil
}

func (s *MemoryStore) TopUp(ctx context.Context, orgID string, amount Amount, now time.Time) (WalletState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.wallet(orgID, now)
	w.TotalCredits += amount
	w.UpdatedAt = now
	return snapshot(w), nil
}

func (s *MemoryStore) StaleEscrows(ctx context.Context, before time.Time) ([]Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Escrow
	for _, esc := range s.escrows {
		if esc.CreatedAt.Before(before) {
			out = append(out, esc)
		}
	}
	return out, nil
}

// chargeFor caps a settlement at what the wallet can pay once this escrow's
// own reservation is returned.
func chargeFor(actual, credits, escrow, reserved Amount) Amount {
	available := credits - (escrow - reserved)
	charge := actual
	if charge > available {
		charge = available
	}
	if charge < 0 {
		charge = 0
	}
	return charge
}
