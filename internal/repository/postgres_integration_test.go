//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	_ "github.com/lib/pq"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	if err := repository.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return db
}

func TestPostgresOrganizationRepository_CRUD(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresOrganizationRepository(db)
	ctx := context.Background()

	suffix := time.Now().Format("20060102150405")
	org := &domain.Organization{
		ID:            "test-org-" + suffix,
		Name:          "Test Org",
		APIKeyHash:    crypto.HashAPIKey("gw-test-key-" + suffix),
		RateLimitRPM:  60,
		BYOKProviders: []string{"openai"},
		Enabled:       true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := repo.Create(ctx, org); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.GetByID(ctx, org.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	if got.Name != org.Name || len(got.BYOKProviders) != 1 {
		t.Errorf("got %+v", got)
	}

	if _, err := repo.GetByAPIKey(ctx, "gw-test-key-"+suffix); err != nil {
		t.Errorf("GetByAPIKey failed: %v", err)
	}

	org.Name = "Updated Org"
	if err := repo.Update(ctx, org); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err = repo.GetByID(ctx, org.ID)
	if err != nil {
		t.Fatalf("GetByID after update failed: %v", err)
	}

	if got.Name != "Updated Org" {
		t.Errorf("expected updated name, got %s", got.Name)
	}

	orgs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	found := false
	for _, o := range orgs {
		if o.ID == org.ID {
			found = true
			break
		}
	}
	if !found {
		t.Error("organization not found in list")
	}

	if err := repo.Delete(ctx, org.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err = repo.GetByID(ctx, org.ID)
	if !errors.Is(err, domain.ErrOrganizationNotFound) {
		t.Errorf("expected ErrOrganizationNotFound after delete, got %v", err)
	}
}

func TestPostgresUsageRepository_Record(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	orgRepo := repository.NewPostgresOrganizationRepository(db)
	usageRepo := repository.NewPostgresUsageRepository(db)
	ctx := context.Background()

	org := &domain.Organization{
		ID:           "usage-test-org-" + time.Now().Format("20060102150405"),
		Name:         "Usage Test Org",
		APIKeyHash:   crypto.HashAPIKey("usage-" + time.Now().Format("20060102150405")),
		RateLimitRPM: 60,
		Enabled:      true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if err := orgRepo.Create(ctx, org); err != nil {
		t.Fatalf("Create org failed: %v", err)
	}
	defer orgRepo.Delete(ctx, org.ID)

	record := cost.UsageRecord{
		OrgID:        org.ID,
		RequestID:    "req-123",
		Model:        "openai/gpt-4o",
		Provider:     "openai",
		Billing:      "ptb",
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.01,
		Attempts:     1,
		Status:       "success",
		Timestamp:    time.Now(),
	}

	if err := usageRepo.Record(ctx, record); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	since := time.Now().Add(-1 * time.Hour)
	records, err := usageRepo.GetOrgUsage(ctx, org.ID, since)
	if err != nil {
		t.Fatalf("GetOrgUsage failed: %v", err)
	}

	if len(records) == 0 {
		t.Error("expected at least one usage record")
	}

	totalCost, err := usageRepo.GetOrgTotalCost(ctx, org.ID, since)
	if err != nil {
		t.Fatalf("GetOrgTotalCost failed: %v", err)
	}

	if totalCost < 0.01 {
		t.Errorf("expected total cost >= 0.01, got %f", totalCost)
	}
}
