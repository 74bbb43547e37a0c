package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gateway Prometheus metrics.
var (
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigate",
			Name:      "gateway_requests_total",
			Help:      "Total number of gateway completion requests",
		},
		[]string{"mode", "tier", "status"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aigate",
			Name:      "gateway_request_duration_seconds",
			Help:      "End-to-end gateway request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		},
		[]string{"mode", "tier"},
	)

	GatewayTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigate",
			Name:      "gateway_tokens_total",
			Help:      "Total provider tokens consumed",
		},
		[]string{"mode", "tier", "type"}, // type: "prompt" / "completion" / "total"
	)

	LeaseRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigate",
			Name:      "lease_rejections_total",
			Help:      "Concurrency slot acquisitions rejected, by scope kind",
		},
		[]string{"scope"}, // "global" / "guild"
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigate",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"scope", "to"},
	)

	ResponseCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigate",
			Name:      "response_cache_total",
			Help:      "Response cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	DegradedCallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aigate",
			Name:      "degraded_calls_total",
			Help:      "Calls admitted unmetered while the coordination store was unreachable",
		},
	)
)

var gatewayMetricsRegistered bool

// RegisterGatewayMetrics registers Prometheus gateway metrics. Must be called once from main.
func RegisterGatewayMetrics() {
	if gatewayMetricsRegistered {
		return
	}
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayRequestDuration)
	prometheus.MustRegister(GatewayTokensTotal)
	prometheus.MustRegister(LeaseRejectionsTotal)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(ResponseCacheTotal)
	prometheus.MustRegister(DegradedCallsTotal)
	gatewayMetricsRegistered = true
}
