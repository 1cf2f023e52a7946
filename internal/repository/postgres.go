package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	api_key_hash   TEXT NOT NULL UNIQUE,
	rate_limit_rpm INTEGER NOT NULL DEFAULT 60,
	byok_providers TEXT[] NOT NULL DEFAULT '{}',
	enabled        BOOLEAN NOT NULL DEFAULT true,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id            BIGSERIAL PRIMARY KEY,
	org_id        TEXT NOT NULL,
	request_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	region        TEXT NOT NULL DEFAULT '',
	billing       TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL,
	latency_ms    BIGINT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 1,
	stream        BOOLEAN NOT NULL DEFAULT false,
	passthrough   BOOLEAN NOT NULL DEFAULT false,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_records_org_created ON usage_records (org_id, created_at DESC);
`

// Migrate creates the organization and usage tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type PostgresOrganizationRepository struct {
	db *sql.DB
}

func NewPostgresOrganizationRepository(db *sql.DB) *PostgresOrganizationRepository {
	return &PostgresOrganizationRepository{db: db}
}

const orgColumns = `id, name, api_key_hash, rate_limit_rpm, byok_providers, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row rowScanner) (*domain.Organization, error) {
	var org domain.Organization
	var byok pq.StringArray

	err := row.Scan(
		&org.ID,
		&org.Name,
		&org.APIKeyHash,
		&org.RateLimitRPM,
		&byok,
		&org.Enabled,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan organization: %w", err)
	}

	org.BYOKProviders = []string(byok)
	return &org, nil
}

func (r *PostgresOrganizationRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE api_key_hash = $1 AND enabled = true`
	return scanOrganization(r.db.QueryRowContext(ctx, query, crypto.HashAPIKey(apiKey)))
}

func (r *PostgresOrganizationRepository) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1`
	return scanOrganization(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresOrganizationRepository) List(ctx context.Context) ([]*domain.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*domain.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}

	return orgs, rows.Err()
}

func (r *PostgresOrganizationRepository) Create(ctx context.Context, org *domain.Organization) error {
	query := `
		INSERT INTO organizations (` + orgColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		org.ID,
		org.Name,
		org.APIKeyHash,
		org.RateLimitRPM,
		pq.Array(org.BYOKProviders),
		org.Enabled,
		org.CreatedAt,
		org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}

	return nil
}

func (r *PostgresOrganizationRepository) Update(ctx context.Context, org *domain.Organization) error {
	query := `
		UPDATE organizations
		SET name = $2, api_key_hash = $3, rate_limit_rpm = $4, byok_providers = $5,
		    enabled = $6, updated_at = $7
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		org.ID,
		org.Name,
		org.APIKeyHash,
		org.RateLimitRPM,
		pq.Array(org.BYOKProviders),
		org.Enabled,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrOrganizationNotFound
	}

	return nil
}

func (r *PostgresOrganizationRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrOrganizationNotFound
	}

	return nil
}
