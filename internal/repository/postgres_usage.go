package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/felipepmaragno/llm-gateway/internal/cost"
)

const usageColumns = `org_id, request_id, model, provider, region, billing, input_tokens, output_tokens,
	cached_tokens, cost_usd, latency_ms, attempts, stream, passthrough, status, created_at`

const insertUsage = `INSERT INTO usage_records (` + usageColumns + `)
VALUES (:org_id, :request_id, :model, :provider, :region, :billing, :input_tokens, :output_tokens,
	:cached_tokens, :cost_usd, :latency_ms, :attempts, :stream, :passthrough, :status, :created_at)`

// PostgresUsageRepository is the durable cost.Tracker. Rows map onto
// cost.UsageRecord through its db tags.
type PostgresUsageRepository struct {
	db *sqlx.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: sqlx.NewDb(db, "postgres")}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if _, err := r.db.NamedExecContext(ctx, insertUsage, record); err != nil {
		return fmt.Errorf("insert usage record %s: %w", record.RequestID, err)
	}
	return nil
}

// GetOrgUsage returns the organization's records since the given time,
// newest first.
func (r *PostgresUsageRepository) GetOrgUsage(ctx context.Context, orgID string, since time.Time) ([]cost.UsageRecord, error) {
	records := []cost.UsageRecord{}
	err := r.db.SelectContext(ctx, &records,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE org_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC`,
		orgID, since)
	if err != nil {
		return nil, fmt.Errorf("select usage for %s: %w", orgID, err)
	}
	return records, nil
}

func (r *PostgresUsageRepository) GetOrgTotalCost(ctx context.Context, orgID string, since time.Time) (float64, error) {
	var total float64
	err := r.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE org_id = $1 AND created_at >= $2`,
		orgID, since)
	if err != nil {
		return 0, fmt.Errorf("sum usage cost for %s: %w", orgID, err)
	}
	return total, nil
}
