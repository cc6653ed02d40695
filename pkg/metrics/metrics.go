// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamAttemptsTotal counts upstream attempts by outcome.
	StreamAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_attempts_total",
			Help: "Upstream streaming attempts by outcome",
		},
		[]string{"model", "outcome"},
	)

	// StreamAttemptDuration tracks the wall time of one upstream attempt.
	StreamAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_attempt_duration_seconds",
			Help:    "Upstream streaming attempt duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 65, 90},
		},
		[]string{"model"},
	)

	// StreamSessionsTotal counts sessions by terminal state.
	StreamSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_sessions_total",
			Help: "Stream sessions by terminal state",
		},
		[]string{"model", "state"},
	)

	// StreamBackoffSeconds tracks the delays waited between attempts.
	StreamBackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stream_backoff_seconds",
			Help:    "Backoff delay before a retry attempt",
			Buckets: []float64{.1, .5, 1, 2, 4, 8, 10},
		},
	)

	// StreamBytesForwarded counts bytes relayed to consumers.
	StreamBytesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_bytes_forwarded_total",
			Help: "Bytes forwarded from upstream to consumers",
		},
	)

	// MalformedChunksTotal counts SSE data lines that failed to parse.
	MalformedChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_malformed_chunks_total",
			Help: "SSE data lines skipped because the payload was not valid JSON",
		},
	)

	// ContinuationsTotal counts continuation rounds by result.
	ContinuationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuations_total",
			Help: "Continuation rounds requested after an incomplete response",
		},
		[]string{"result"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// AuthCacheLookups counts credential cache hits and misses.
	AuthCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_cache_lookups_total",
			Help: "Credential verification cache lookups",
		},
		[]string{"result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAttempt records the outcome of one upstream attempt.
func RecordAttempt(model, outcome string, duration float64) {
	StreamAttemptsTotal.WithLabelValues(model, outcome).Inc()
	StreamAttemptDuration.WithLabelValues(model).Observe(duration)
}

// RecordSession records a session reaching a terminal state.
func RecordSession(model, state string) {
	StreamSessionsTotal.WithLabelValues(model, state).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
