package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics for production monitoring
var (
	// HTTP dispatcher metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torbo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "torbo_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	AuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torbo_auth_rejections_total",
			Help: "Total number of rejected requests by reason",
		},
		[]string{"reason"}, // unauthorized / access_denied
	)

	// Provider metrics
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torbo_provider_requests_total",
			Help: "Total number of upstream provider calls",
		},
		[]string{"provider", "model", "status"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "torbo_provider_request_duration_seconds",
			Help:    "Upstream provider call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider"},
	)

	ProviderFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torbo_provider_failovers_total",
			Help: "Total number of provider failovers",
		},
		[]string{"from", "to"},
	)

	// Tool loop metrics
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torbo_tool_calls_total",
			Help: "Total number of executed tool calls",
		},
		[]string{"tool", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "torbo_tool_call_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"tool"},
	)

	ToolLoopRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "torbo_tool_loop_rounds",
			Help:    "Number of provider rounds per chat completion",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		},
	)

	// Pairing metrics
	PairingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torbo_pairing_events_total",
			Help: "Total number of pairing lifecycle events",
		},
		[]string{"event"}, // code_issued / paired / auto_paired / revoked / rejected
	)

	// Streaming metrics
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "torbo_active_streams",
			Help: "Current number of open SSE chat streams",
		},
	)

	DashboardConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "torbo_dashboard_connections",
			Help: "Current number of dashboard websocket connections",
		},
	)
)
