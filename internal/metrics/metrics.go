// Package metrics exposes the engine's Prometheus collectors. Label values
// stay coarse: caller, tier, provider. Prompt text never becomes a label.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"caller_id", "kind", "tier", "provider", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiengine_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"caller_id", "tier", "provider"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"caller_id", "tier", "provider", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"caller_id", "tier", "provider"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"caller_id"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"caller_id"},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_escalations_total",
			Help: "Total number of tier escalations",
		},
		[]string{"from_tier", "to_tier", "trigger"},
	)

	EscalationsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_escalations_blocked_total",
			Help: "Escalations wanted but not taken",
		},
		[]string{"reason"},
	)

	JudgeFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_judge_fallbacks_total",
			Help: "Quality assessments served by the heuristic fallback",
		},
		[]string{"reason"},
	)

	QualityScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiengine_quality_scores",
			Help:    "Quality scores on the 0-10 scale",
			Buckets: []float64{2, 4, 5, 6, 7, 7.5, 8, 8.5, 9, 9.5, 10},
		},
		[]string{"tier", "source"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiengine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_rate_limit_hits_total",
			Help: "Calls refused by a provider rate limit pre-flight",
		},
		[]string{"provider"},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiengine_budget_usage_ratio",
			Help: "Monthly budget utilization (0-1, may exceed 1)",
		},
		[]string{"caller_id"},
	)

	BudgetAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_budget_alerts_total",
			Help: "Budget alerts dispatched",
		},
		[]string{"level"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiengine_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiengine_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "namespace", "version"},
	)
)

func RecordRequest(callerID, kind, tier, provider, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(callerID, kind, tier, provider, status).Inc()
	RequestDuration.WithLabelValues(callerID, tier, provider).Observe(durationSec)
}

func RecordTokens(callerID, tier, provider string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(callerID, tier, provider, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(callerID, tier, provider, "output").Add(float64(outputTokens))
}

func RecordCost(callerID, tier, provider string, costUSD float64) {
	CostTotal.WithLabelValues(callerID, tier, provider).Add(costUSD)
}

func RecordCacheHit(callerID string) {
	CacheHits.WithLabelValues(callerID).Inc()
}

func RecordCacheMiss(callerID string) {
	CacheMisses.WithLabelValues(callerID).Inc()
}

func RecordEscalation(fromTier, toTier, trigger string) {
	EscalationsTotal.WithLabelValues(fromTier, toTier, trigger).Inc()
}

func RecordEscalationBlocked(reason string) {
	EscalationsBlocked.WithLabelValues(reason).Inc()
}

func RecordJudgeFallback(reason string) {
	JudgeFallbacks.WithLabelValues(reason).Inc()
}

func ObserveQuality(tier, source string, score float64) {
	QualityScores.WithLabelValues(tier, source).Observe(score)
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitHit(provider string) {
	RateLimitHits.WithLabelValues(provider).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetBudgetUsage(callerID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(callerID).Set(ratio)
}

func RecordBudgetAlert(level string) {
	BudgetAlertsTotal.WithLabelValues(level).Inc()
}

// Instance-aware metrics for horizontal scaling
var currentPodName string

// InitInstanceMetrics should be called once at startup with pod
// identification.
func InitInstanceMetrics(podName, namespace, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, namespace, version).Set(1)
}

func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}
