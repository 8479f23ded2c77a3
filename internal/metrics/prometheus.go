package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionDuration prometheus.Histogram

	// Event metrics
	EventsReceived *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	// Chunk pipeline metrics
	ChunkSize       prometheus.Histogram
	ChunksProcessed *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	CleanupWarnings prometheus.Counter

	// Downstream metrics
	DownstreamRequests *prometheus.CounterVec
	DownstreamRetries  *prometheus.CounterVec
	DownstreamFailures *prometheus.CounterVec
	DownstreamDuration *prometheus.HistogramVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Current number of open client connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_opened_total",
			Help: "Total number of client connections opened",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_closed_total",
			Help: "Total number of client connections closed",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_connection_duration_seconds",
			Help:    "Lifetime of client connections in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		}),

		// Event metrics
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_received_total",
			Help: "Total number of inbound events by name",
		}, []string{"event"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Total number of inbound frames that could not be handled",
		}, []string{"error_type"}),

		// Chunk pipeline metrics
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_chunk_size_bytes",
			Help:    "Size of inbound audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		ChunksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_chunks_processed_total",
			Help: "Total number of audio chunks by pipeline outcome",
		}, []string{"outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms to ~2 minutes
		}, []string{"stage"}),
		CleanupWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_cleanup_warnings_total",
			Help: "Total number of staged files that could not be removed",
		}),

		// Downstream metrics
		DownstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_downstream_requests_total",
			Help: "Total number of downstream calls",
		}, []string{"service"}),
		DownstreamRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_downstream_retries_total",
			Help: "Total number of downstream retry attempts",
		}, []string{"service"}),
		DownstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_downstream_failures_total",
			Help: "Total number of downstream calls that failed after all attempts",
		}, []string{"service"}),
		DownstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_downstream_duration_seconds",
			Help:    "Duration of downstream calls including retries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3 minutes
		}, []string{"service"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveConnections sets the current number of open connections
func (m *Metrics) SetActiveConnections(count int) {
	m.ActiveConnections.Set(float64(count))
}

// RecordConnectionOpened increments the connections opened counter
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsOpened.Inc()
}

// RecordConnectionClosed increments the connections closed counter and records duration
func (m *Metrics) RecordConnectionClosed(durationSeconds float64) {
	m.ConnectionsClosed.Inc()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordEvent counts an inbound event
func (m *Metrics) RecordEvent(event string) {
	m.EventsReceived.WithLabelValues(event).Inc()
}

// RecordProtocolError counts an inbound frame that was rejected
func (m *Metrics) RecordProtocolError(errorType string) {
	m.ProtocolErrors.WithLabelValues(errorType).Inc()
}

// RecordChunkSize records the size of an inbound audio chunk
func (m *Metrics) RecordChunkSize(sizeBytes int) {
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordChunk counts a chunk by the outcome of its pipeline
func (m *Metrics) RecordChunk(outcome string) {
	m.ChunksProcessed.WithLabelValues(outcome).Inc()
}

// ObserveStage records the duration of one pipeline stage
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordCleanupWarning counts a staged file that could not be removed
func (m *Metrics) RecordCleanupWarning() {
	m.CleanupWarnings.Inc()
}

// RecordDownstreamRequest increments the downstream requests counter
func (m *Metrics) RecordDownstreamRequest(service string) {
	m.DownstreamRequests.WithLabelValues(service).Inc()
}

// RecordDownstreamRetry increments the retry counter
func (m *Metrics) RecordDownstreamRetry(service string) {
	m.DownstreamRetries.WithLabelValues(service).Inc()
}

// RecordDownstreamResult records the final outcome of a downstream call
func (m *Metrics) RecordDownstreamResult(service string, success bool, durationSeconds float64) {
	if !success {
		m.DownstreamFailures.WithLabelValues(service).Inc()
	}
	m.DownstreamDuration.WithLabelValues(service).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
