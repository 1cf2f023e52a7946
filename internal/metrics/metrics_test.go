package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	// Reset metrics for test isolation
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("org1", "openai", "gpt-4o", "success", 1.5)

	// Verify counter was incremented
	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("org1", "openai", "gpt-4o", "success"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("org1", "openai", "gpt-4o", 100, 50)

	inputCount := testutil.ToFloat64(TokensTotal.WithLabelValues("org1", "openai", "gpt-4o", "input"))
	if inputCount != 100 {
		t.Errorf("input tokens = %v, want 100", inputCount)
	}

	outputCount := testutil.ToFloat64(TokensTotal.WithLabelValues("org1", "openai", "gpt-4o", "output"))
	if outputCount != 50 {
		t.Errorf("output tokens = %v, want 50", outputCount)
	}
}

func TestRecordCost(t *testing.T) {
	CostTotal.Reset()

	RecordCost("org1", "openai", "gpt-4o", 0.05)
	RecordCost("org1", "openai", "gpt-4o", 0.03)

	cost := testutil.ToFloat64(CostTotal.WithLabelValues("org1", "openai", "gpt-4o"))
	if cost != 0.08 {
		t.Errorf("CostTotal = %v, want 0.08", cost)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	RecordProviderError("openai", "timeout")
	RecordProviderError("openai", "rate_limit")
	RecordProviderError("openai", "timeout")

	timeouts := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "timeout"))
	if timeouts != 2 {
		t.Errorf("timeout errors = %v, want 2", timeouts)
	}

	rateLimits := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "rate_limit"))
	if rateLimits != 1 {
		t.Errorf("rate_limit errors = %v, want 1", rateLimits)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	RateLimitHits.Reset()

	RecordRateLimitHit("org1")

	hits := testutil.ToFloat64(RateLimitHits.WithLabelValues("org1"))
	if hits != 1 {
		t.Errorf("RateLimitHits = %v, want 1", hits)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("openai/gpt-4o@*", 0) // closed
	state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai/gpt-4o@*"))
	if state != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", state)
	}

	SetCircuitBreakerState("openai/gpt-4o@*", 2) // open
	state = testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai/gpt-4o@*"))
	if state != 2 {
		t.Errorf("CircuitBreakerState = %v, want 2", state)
	}
}

func TestRecordAuthorization(t *testing.T) {
	LedgerAuthorizations.Reset()

	RecordAuthorization("ok")
	RecordAuthorization("ok")
	RecordAuthorization("insufficient")

	if got := testutil.ToFloat64(LedgerAuthorizations.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok authorizations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(LedgerAuthorizations.WithLabelValues("insufficient")); got != 1 {
		t.Errorf("insufficient authorizations = %v, want 1", got)
	}
}

func TestRecordSettlement(t *testing.T) {
	before := testutil.ToFloat64(LedgerSettledUSD)
	shortBefore := testutil.ToFloat64(LedgerShortfallUSD)

	RecordSettlement(0.5, 0)
	RecordSettlement(0.25, 0.125)

	if got := testutil.ToFloat64(LedgerSettledUSD) - before; got != 0.75 {
		t.Errorf("settled delta = %v, want 0.75", got)
	}
	if got := testutil.ToFloat64(LedgerShortfallUSD) - shortBefore; got != 0.125 {
		t.Errorf("shortfall delta = %v, want 0.125", got)
	}
}

func TestRecordAttemptAndFallback(t *testing.T) {
	AttemptsTotal.Reset()
	FallbacksTotal.Reset()

	RecordAttempt("anthropic", "retryable")
	RecordAttempt("bedrock", "success")
	RecordFallback("claude-sonnet-4")

	if got := testutil.ToFloat64(AttemptsTotal.WithLabelValues("anthropic", "retryable")); got != 1 {
		t.Errorf("retryable attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(FallbacksTotal.WithLabelValues("claude-sonnet-4")); got != 1 {
		t.Errorf("fallbacks = %v, want 1", got)
	}
}

func TestSetWalletBalance(t *testing.T) {
	WalletBalanceUSD.Reset()

	SetWalletBalance("org1", 4.5)

	if got := testutil.ToFloat64(WalletBalanceUSD.WithLabelValues("org1")); got != 4.5 {
		t.Errorf("WalletBalanceUSD = %v, want 4.5", got)
	}
}

func TestActiveStreams(t *testing.T) {
	// Initialize instance metrics for testing
	InitInstanceMetrics("test-pod", "test-ns", "0.6.0")

	ActiveStreams.Reset()

	IncrementActiveStreams()
	IncrementActiveStreams()

	streams := testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod"))
	if streams != 2 {
		t.Errorf("ActiveStreams = %v, want 2", streams)
	}

	DecrementActiveStreams()
	streams = testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod"))
	if streams != 1 {
		t.Errorf("ActiveStreams after dec = %v, want 1", streams)
	}
}

func TestMultipleOrgs(t *testing.T) {
	RequestsTotal.Reset()

	RecordRequest("org1", "openai", "gpt-4o", "success", 1.0)
	RecordRequest("org2", "anthropic", "claude-sonnet-4", "success", 2.0)
	RecordRequest("org1", "openai", "gpt-4o", "error", 0.5)

	org1Success := testutil.ToFloat64(RequestsTotal.WithLabelValues("org1", "openai", "gpt-4o", "success"))
	if org1Success != 1 {
		t.Errorf("org1 success = %v, want 1", org1Success)
	}

	org1Error := testutil.ToFloat64(RequestsTotal.WithLabelValues("org1", "openai", "gpt-4o", "error"))
	if org1Error != 1 {
		t.Errorf("org1 error = %v, want 1", org1Error)
	}

	org2Success := testutil.ToFloat64(RequestsTotal.WithLabelValues("org2", "anthropic", "claude-sonnet-4", "success"))
	if org2Success != 1 {
		t.Errorf("org2 success = %v, want 1", org2Success)
	}
}
