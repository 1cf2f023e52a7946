package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"org_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"org_id", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"org_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"org_id", "provider", "model"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_upstream_attempts_total",
			Help: "Upstream attempts by outcome (success, retryable, fatal, skipped)",
		},
		[]string{"provider", "outcome"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_fallbacks_total",
			Help: "Requests served by a candidate other than the first",
		},
		[]string{"model"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"endpoint"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"org_id"},
	)

	LedgerAuthorizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_ledger_authorizations_total",
			Help: "Escrow authorizations by outcome (ok, insufficient, error)",
		},
		[]string{"outcome"},
	)

	LedgerSettledUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgateway_ledger_settled_usd_total",
			Help: "Total USD debited by settlements",
		},
	)

	LedgerShortfallUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgateway_ledger_shortfall_usd_total",
			Help: "Usage cost that could not be charged because the wallet ran dry",
		},
	)

	LedgerOpenEscrows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgateway_ledger_open_escrows",
			Help: "Escrows authorized on this instance and not yet resolved",
		},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "namespace", "version"},
	)

	WalletBalanceUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_wallet_balance_usd",
			Help: "Spendable wallet balance after the last settlement",
		},
		[]string{"org_id"},
	)
)

func RecordRequest(orgID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(orgID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(orgID, provider, model).Observe(durationSec)
}

func RecordTokens(orgID, provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(orgID, provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(orgID, provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(orgID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(orgID, provider, model).Add(costUSD)
}

func RecordAttempt(provider, outcome string) {
	AttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordFallback(model string) {
	FallbacksTotal.WithLabelValues(model).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitHit(orgID string) {
	RateLimitHits.WithLabelValues(orgID).Inc()
}

func SetCircuitBreakerState(endpoint string, state int) {
	CircuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

func RecordAuthorization(outcome string) {
	LedgerAuthorizations.WithLabelValues(outcome).Inc()
}

func RecordSettlement(chargedUSD, shortfallUSD float64) {
	LedgerSettledUSD.Add(chargedUSD)
	if shortfallUSD > 0 {
		LedgerShortfallUSD.Add(shortfallUSD)
	}
}

func SetWalletBalance(orgID string, balanceUSD float64) {
	WalletBalanceUSD.WithLabelValues(orgID).Set(balanceUSD)
}

// Instance-aware metrics for horizontal scaling
var currentPodName string

// InitInstanceMetrics initializes instance-specific metrics.
// Should be called once at startup with pod identification.
func InitInstanceMetrics(podName, namespace, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, namespace, version).Set(1)
}

// IncrementActiveConnections increments the active connection count for this pod.
func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

// DecrementActiveConnections decrements the active connection count for this pod.
func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}

// IncrementActiveStreams increments the active stream count for this pod.
func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

// DecrementActiveStreams decrements the active stream count for this pod.
func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
