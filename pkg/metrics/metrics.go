// Package metrics provides Prometheus instrumentation for the requester.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestLatency tracks end-to-end latency of one validated request, all attempts included.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safegen_request_latency_seconds",
			Help:    "End-to-end validated request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"}, // "success", "fail_safe", "cache_hit"
	)

	// OutcomesTotal counts finished requests by outcome.
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safegen_outcomes_total",
			Help: "Total number of validated requests by outcome.",
		},
		[]string{"outcome"},
	)

	// AttemptsTotal counts attempts by result.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safegen_attempts_total",
			Help: "Total number of attempts by result.",
		},
		[]string{"result"}, // "success", "transport", "empty", "decode", "rejected"
	)

	// ModelCallsTotal counts upstream calls per fallback tier.
	ModelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safegen_model_calls_total",
			Help: "Total number of upstream model calls by status.",
		},
		[]string{"provider", "model", "status"}, // "ok", "empty", "error", "skipped"
	)

	// TokenUsageTotal tracks the total number of tokens consumed.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safegen_token_usage_total",
			Help: "Total number of tokens consumed.",
		},
		[]string{"provider", "model", "direction"}, // direction: "input" or "output"
	)

	// CircuitBreakerState tracks the current state of each tier's circuit breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "safegen_circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"tier"},
	)

	// ActiveRequests tracks the number of in-flight validated requests.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "safegen_active_requests",
			Help: "Number of currently in-flight validated requests.",
		},
	)

	// CacheLookupsTotal tracks validated-candidate cache lookups by result.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safegen_cache_lookups_total",
			Help: "Total number of cache lookups by result.",
		},
		[]string{"result"}, // "hit", "miss", "stale", "error"
	)

	// CacheHitRatio is hits / lookups, kept as a gauge for dashboards.
	CacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "safegen_cache_hit_ratio",
			Help: "Current cache hit ratio (hits / lookups). Computed per-update.",
		},
	)

	ratioMu      sync.Mutex
	totalHits    float64
	totalLookups float64
)

// RecordCacheLookup records a cache lookup and updates the hit ratio.
func RecordCacheLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()

	ratioMu.Lock()
	defer ratioMu.Unlock()
	totalLookups++
	if result == "hit" {
		totalHits++
	}
	CacheHitRatio.Set(totalHits / totalLookups)
}
