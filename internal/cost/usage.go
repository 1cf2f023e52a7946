package cost

import (
	"context"
	"errors"
	"sync"
	"time"
)

// UsageRecord is written once per gateway request, after the escrow has
// been resolved.
type UsageRecord struct {
	OrgID        string    `json:"org_id" db:"org_id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	Model        string    `json:"model" db:"model"`
	Provider     string    `json:"provider" db:"provider"`
	Region       string    `json:"region" db:"region"`
	Billing      string    `json:"billing" db:"billing"`
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	CachedTokens int       `json:"cached_tokens" db:"cached_tokens"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	Attempts     int       `json:"attempts" db:"attempts"`
	Stream       bool      `json:"stream" db:"stream"`
	Passthrough  bool      `json:"passthrough" db:"passthrough"`
	Status       string    `json:"status" db:"status"`
	Timestamp    time.Time `json:"timestamp" db:"created_at"`
}

// Sink receives usage records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, record UsageRecord) error
}

// Tracker is a Sink that can also answer spend queries.
type Tracker interface {
	Sink
	GetOrgUsage(ctx context.Context, orgID string, since time.Time) ([]UsageRecord, error)
	GetOrgTotalCost(ctx context.Context, orgID string, since time.Time) (float64, error)
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, record UsageRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		records: make([]UsageRecord, 0),
	}
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) GetOrgUsage(ctx context.Context, orgID string, since time.Time) ([]UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []UsageRecord
	for _, r := range t.records {
		if r.OrgID == orgID && r.Timestamp.After(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) GetOrgTotalCost(ctx context.Context, orgID string, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, r := range t.records {
		if r.OrgID == orgID && r.Timestamp.After(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (t *InMemoryTracker) GetAllRecords() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]UsageRecord, len(t.records))
	copy(result, t.records)
	return result
}
