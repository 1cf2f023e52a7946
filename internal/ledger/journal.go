package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	KindAuthorize = "authorize"
	KindSettle    = "settle"
	KindRelease   = "release"
	KindTopUp     = "topup"
)

// Line is one append-only journal entry. Amount is the reservation for
// authorize, the charge for settle and the credit for topup. Balance is the
// spendable balance after the operation.
type Line struct {
	ID        string    `db:"id" json:"id"`
	OrgID     string    `db:"org_id" json:"org_id"`
	RequestID string    `db:"request_id" json:"request_id,omitempty"`
	Kind      string    `db:"kind" json:"kind"`
	Amount    Amount    `db:"amount" json:"amount"`
	Balance   Amount    `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Journal interface {
	Append(ctx context.Context, line Line) error
	Lines(ctx context.Context, orgID string, limit int) ([]Line, error)
}

type MemoryJournal struct {
	mu    sync.RWMutex
	lines []Line
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(ctx context.Context, line Line) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, line)
	return nil
}

// Lines returns the newest lines first.
func (j *MemoryJournal) Lines(ctx context.Context, orgID string, limit int) ([]Line, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Line
	for i := len(j.lines) - 1; i >= 0; i-- {
		if j.lines[i].OrgID != orgID {
			continue
		}
		out = append(out, j.lines[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS ledger_lines (
	id          UUID PRIMARY KEY,
	org_id      TEXT NOT NULL,
	request_id  TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	balance     BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_lines_org_created ON ledger_lines (org_id, created_at DESC);
`

type PostgresJournal struct {
	db *sqlx.DB
}

func NewPostgresJournal(db *sqlx.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (j *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, journalSchema); err != nil {
		return fmt.Errorf("migrate ledger_lines: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Append(ctx context.Context, line Line) error {
	query := `
		INSERT INTO ledger_lines (id, org_id, request_id, kind, amount, balance, created_at)
		VALUES (:id, :org_id, :request_id, :kind, :amount, :balance, :created_at)
	`
	if _, err := j.db.NamedExecContext(ctx, query, line); err != nil {
		return fmt.Errorf("insert ledger line: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Lines(ctx context.Context, orgID string, limit int) ([]Line, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, org_id, request_id, kind, amount, balance, created_at
		FROM ledger_lines
		WHERE org_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var lines []Line
	if err := j.db.SelectContext(ctx, &lines, query, orgID, limit); err != nil {
		return nil, fmt.Errorf("select ledger lines: %w", err)
	}
	return lines, nil
}
