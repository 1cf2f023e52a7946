package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

var (
	ErrDuplicateEscrow = errors.New("escrow already exists for request")
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// InsufficientCreditsError is returned by Authorize when the estimate
// exceeds the spendable balance. The wallet is left untouched.
type InsufficientCreditsError struct {
	OrgID     string
	Required  Amount
	Available Amount
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %s, available %s", e.OrgID, e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return domain.ErrInsufficientCredits }

// Escrow is money reserved for one in-flight request.
type Escrow struct {
	RequestID string    `json:"request_id"`
	OrgID     string    `json:"org_id"`
	Amount    Amount    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// EscrowToken is the caller's handle on an authorized escrow.
type EscrowToken struct {
	RequestID string
	OrgID     string
	Amount    Amount
}

type WalletState struct {
	OrgID        string            `json:"org_id"`
	TotalCredits Amount            `json:"total_credits"`
	TotalEscrow  Amount            `json:"total_escrow"`
	TotalSpent   Amount            `json:"total_spent"`
	Escrows      map[string]Escrow `json:"escrows,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Balance is what can still be reserved.
func (w WalletState) Balance() Amount {
	return w.TotalCredits - w.TotalEscrow
}

// Settlement describes how an escrow was resolved. Charged is zero for a
// release. Shortfall is usage that could not be charged because the wallet
// would have gone negative.
type Settlement struct {
	RequestID string
	OrgID     string
	Reserved  Amount
	Charged   Amount
	Shortfall Amount
	Wallet    WalletState
}
