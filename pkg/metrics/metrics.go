package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moonbridge_sessions_open",
			Help: "Number of authenticated WebSocket sessions",
		},
	)

	SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonbridge_sessions_reaped_total",
			Help: "Sessions dropped by the idle reaper",
		},
	)

	// Concurrency metrics
	InflightGlobal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moonbridge_inflight_global",
			Help: "Provider calls currently holding a global permit",
		},
	)

	InflightPerProvider = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moonbridge_inflight_provider",
			Help: "Provider calls currently holding a per-provider permit",
		},
		[]string{"provider"},
	)

	SingleFlightShared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonbridge_singleflight_shared_total",
			Help: "Tool calls that attached to an in-flight leader instead of executing",
		},
	)

	// Tool call metrics
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonbridge_tool_calls_total",
			Help: "Tool calls by tool, provider, and outcome",
		},
		[]string{"tool", "provider", "outcome"},
	)

	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moonbridge_tool_call_duration_seconds",
			Help:    "Tool call duration from ack to terminal frame",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"tool"},
	)

	// Provider metrics
	ProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonbridge_provider_errors_total",
			Help: "Provider call failures by provider and error kind",
		},
		[]string{"provider", "kind"},
	)

	RouterFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonbridge_router_fallbacks_total",
			Help: "Calls that fell back from one provider to the next candidate",
		},
		[]string{"from", "to"},
	)

	// Progress metrics
	ProgressDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonbridge_progress_dropped_total",
			Help: "Progress frames dropped due to send-queue backpressure",
		},
	)

	// Repository metrics
	RepositoryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonbridge_repository_errors_total",
			Help: "Best-effort repository failures by operation",
		},
		[]string{"op"},
	)

	DeadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moonbridge_deadletter_depth",
			Help: "Conversation appends waiting in the dead-letter buffer",
		},
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		SessionsOpen,
		SessionsReaped,
		InflightGlobal,
		InflightPerProvider,
		SingleFlightShared,
		ToolCallsTotal,
		ToolCallDuration,
		ProviderErrors,
		RouterFallbacks,
		ProgressDropped,
		RepositoryErrors,
		DeadLetterDepth,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
