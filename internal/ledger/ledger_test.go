package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func newTestLedger(opening Amount, opts ...Option) (*Ledger, *MemoryJournal) {
	journal := NewMemoryJournal()
	opts = append([]Option{WithJournal(journal)}, opts...)
	return New(NewMemoryStore(opening), opts...), journal
}

func TestFromUSD(t *testing.T) {
	tests := []struct {
		usd  float64
		want Amount
	}{
		{0, 0},
		{1, 1_000_000_000},
		{0.000015, 15_000},
		{2.5e-12, 1},
		{0.1 + 0.2, 300_000_000},
	}

	for _, tt := range tests {
		if got := FromUSD(tt.usd); got != tt.want {
			t.Errorf("FromUSD(%v) = %d, want %d", tt.usd, got, tt.want)
		}
	}
}

func TestLedger_AuthorizeThenSettle(t *testing.T) {
	ctx := context.Background()
	l, journal := newTestLedger(FromUSD(10))

	if _, err := l.Authorize(ctx, "org-1", "req-1", FromUSD(2)); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	w, _ := l.Wallet(ctx, "org-1")
	if w.Balance() != FromUSD(8) || w.TotalEscrow != FromUSD(2) {
		t.Errorf("after authorize: balance=%s escrow=%s", w.Balance(), w.TotalEscrow)
	}
	if _, ok := w.Escrows["req-1"]; !ok {
		t.Error("escrow should be listed on the wallet")
	}

	s, err := l.Settle(ctx, "req-1", FromUSD(1.5))
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if s.Charged != FromUSD(1.5) || s.Shortfall != 0 || s.Reserved != FromUSD(2) {
		t.Errorf("settlement = %+v", s)
	}

	w, _ = l.Wallet(ctx, "org-1")
	if w.Balance() != FromUSD(8.5) || w.TotalEscrow != 0 || w.TotalSpent != FromUSD(1.5) {
		t.Errorf("after settle: balance=%s escrow=%s spent=%s", w.Balance(), w.TotalEscrow, w.TotalSpent)
	}

	lines, _ := journal.Lines(ctx, "org-1", 0)
	if len(lines) != 2 || lines[0].Kind != KindSettle || lines[1].Kind != KindAuthorize {
		t.Errorf("journal = %+v", lines)
	}
	if lines[0].Balance != FromUSD(8.5) {
		t.Errorf("journal balance = %s", lines[0].Balance)
	}
}

func TestLedger_AuthorizeInsufficientLeavesWalletUntouched(t *testing.T) {
	ctx := context.Background()
	l, journal := newTestLedger(FromUSD(1))

	before, _ := l.Wallet(ctx, "org-1")
	_, err := l.Authorize(ctx, "org-1", "req-1", FromUSD(1.01))

	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Error("insufficient credits should match the domain sentinel")
	}
	if insufficient.Available != FromUSD(1) || insufficient.Required != FromUSD(1.01) {
		t.Errorf("error detail = %+v", insufficient)
	}

	after, _ := l.Wallet(ctx, "org-1")
	if after.Balance() != before.Balance() || after.TotalEscrow != 0 {
		t.Errorf("wallet changed: %+v", after)
	}
	if lines, _ := journal.Lines(ctx, "org-1", 0); len(lines) != 0 {
		t.Errorf("journal should be empty, got %d lines", len(lines))
	}
}

func TestLedger_AuthorizeExactBalance(t *testing.T) {
	l, _ := newTestLedger(FromUSD(1))
	if _, err := l.Authorize(context.Background(), "org-1", "req-1", FromUSD(1)); err != nil {
		t.Errorf("authorizing the whole balance should succeed: %v", err)
	}
}

func TestLedger_AuthorizeRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(FromUSD(1))

	for _, estimate := range []Amount{0, -5} {
		if _, err := l.Authorize(ctx, "org-1", "req", estimate); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Authorize(%d) error = %v", estimate, err)
		}
	}

	if _, err := l.Authorize(ctx, "org-1", "dup", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Authorize(ctx, "org-1", "dup", 10); !errors.Is(err, ErrDuplicateEscrow) {
		t.Errorf("duplicate Authorize() error = %v", err)
	}
}

func TestLedger_SettleCapsAtBalance(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(FromUSD(1))

	l.Authorize(ctx, "org-1", "req-1", FromUSD(0.5))
	l.Authorize(ctx, "org-1", "req-2", FromUSD(0.4))

	s, err := l.Settle(ctx, "req-1", FromUSD(3))
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	// 0.4 stays reserved for req-2, so only 0.6 can be charged.
	if s.Charged != FromUSD(0.6) || s.Shortfall != FromUSD(2.4) {
		t.Errorf("settlement = charged %s shortfall %s", s.Charged, s.Shortfall)
	}

	w, _ := l.Wallet(ctx, "org-1")
	if w.Balance() != 0 || w.TotalEscrow != FromUSD(0.4) {
		t.Errorf("wallet = %+v", w)
	}

	s, _ = l.Settle(ctx, "req-2", FromUSD(0.4))
	if s.Charged != FromUSD(0.4) {
		t.Errorf("second settle charged %s", s.Charged)
	}
	w, _ = l.Wallet(ctx, "org-1")
	if w.TotalCredits != 0 || w.Balance() < 0 {
		t.Errorf("wallet went negative: %+v", w)
	}
}

func TestLedger_ResolveOnlyOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(FromUSD(5))
	l.Authorize(ctx, "org-1", "req-1", FromUSD(1))

	if _, err := l.Release(ctx, "req-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := l.Settle(ctx, "req-1", FromUSD(1)); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("settle after release error = %v", err)
	}
	if _, err := l.Release(ctx, "req-1"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("double release error = %v", err)
	}

	w, _ := l.Wallet(ctx, "org-1")
	if w.Balance() != FromUSD(5) || w.TotalSpent != 0 {
		t.Errorf("wallet = %+v", w)
	}
}

func TestLedger_TopUpAndObserver(t *testing.T) {
	ctx := context.Background()
	var seen []Amount
	l, _ := newTestLedger(0, WithObserver(func(ctx context.Context, w WalletState) {
		seen = append(seen, w.Balance())
	}))

	if _, err := l.TopUp(ctx, "org-1", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("TopUp(0) error = %v", err)
	}

	w, err := l.TopUp(ctx, "org-1", FromUSD(3))
	if err != nil || w.Balance() != FromUSD(3) {
		t.Fatalf("TopUp() = %+v, %v", w, err)
	}

	l.Authorize(ctx, "org-1", "req-1", FromUSD(1))
	l.Settle(ctx, "req-1", FromUSD(1))

	if len(seen) != 2 || seen[0] != FromUSD(3) || seen[1] != FromUSD(2) {
		t.Errorf("observer saw %v", seen)
	}
}

func TestLedger_ReleaseStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(FromUSD(5), WithClock(func() time.Time { return now }))

	l.Authorize(ctx, "org-1", "old", FromUSD(1))
	now = now.Add(10 * time.Minute)
	l.Authorize(ctx, "org-1", "fresh", FromUSD(1))

	n, err := l.ReleaseStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("released %d escrows, want 1", n)
	}

	w, _ := l.Wallet(ctx, "org-1")
	if _, ok := w.Escrows["fresh"]; !ok || len(w.Escrows) != 1 {
		t.Errorf("escrows = %v", w.Escrows)
	}
}

func TestLedger_RunJanitorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l, _ := newTestLedger(FromUSD(1))

	done := make(chan struct{})
	go func() {
		l.RunJanitor(ctx, time.Millisecond, time.Hour)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestLedger_ConcurrentAuthorizeNeverOverspends(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(FromUSD(1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Authorize(ctx, "org-1", fmt.Sprintf("req-%d", i), FromUSD(0.1)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("granted %d escrows of $0.10 from $1, want 10", granted)
	}
	w, _ := l.Wallet(ctx, "org-1")
	if w.Balance() != 0 {
		t.Errorf("balance = %s", w.Balance())
	}
	if l.locks.size() != 0 {
		t.Errorf("keyed mutex kept %d entries", l.locks.size())
	}
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock(a) should block")
	case <-time.After(10 * time.Millisecond):
	}

	unlockB()
	unlockA()
	<-acquired

	if k.size() != 0 {
		t.Errorf("size = %d after all unlocks", k.size())
	}
}

func TestMemoryJournal_LinesNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	for i, org := range []string{"a", "b", "a", "a"} {
		j.Append(ctx, Line{ID: fmt.Sprint(i), OrgID: org})
	}

	lines, _ := j.Lines(ctx, "a", 2)
	if len(lines) != 2 || lines[0].ID != "3" || lines[1].ID != "2" {
		t.Errorf("lines = %+v", lines)
	}
}

func TestLedger_History(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(FromUSD(1))
	l.TopUp(ctx, "org-1", FromUSD(2))

	lines, err := l.History(ctx, "org-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(lines) != 1 || lines[0].Kind != KindTopUp || lines[0].Amount != FromUSD(2) {
		t.Errorf("lines = %+v", lines)
	}

	bare := New(NewMemoryStore(0))
	if lines, err := bare.History(ctx, "org-1", 10); err != nil || lines != nil {
		t.Errorf("History() without journal = %v, %v", lines, err)
	}
}
