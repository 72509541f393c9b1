package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the VAD service
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	EventsSent       prometheus.Counter
	QueueSize        prometheus.Gauge

	// Session metrics
	ActiveSessions prometheus.Gauge
	SessionResets  prometheus.Counter
	SessionClears  prometheus.Counter

	// VAD metrics
	Detections       *prometheus.CounterVec
	DetectDuration   *prometheus.HistogramVec
	Events           *prometheus.CounterVec
	BackendFallbacks *prometheus.CounterVec
	ChunkSamples     prometheus.Histogram

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default Prometheus registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "vad_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "vad_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "vad_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		EventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "vad_udp_events_sent_total",
			Help: "Total number of event packets sent back to UDP clients",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vad_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vad_active_sessions",
			Help: "Current number of tracked VAD sessions",
		}),
		SessionResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "vad_session_resets_total",
			Help: "Total number of session reset requests",
		}),
		SessionClears: factory.NewCounter(prometheus.CounterOpts{
			Name: "vad_session_clears_total",
			Help: "Total number of clear-all requests",
		}),

		// VAD metrics
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vad_detections_total",
			Help: "Total number of scored chunks",
		}, []string{"backend", "speech"}),
		DetectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vad_detect_duration_seconds",
			Help:    "Time spent scoring one chunk",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		}, []string{"backend"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vad_events_total",
			Help: "Total number of speech start and end events",
		}, []string{"kind"}),
		BackendFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vad_backend_fallbacks_total",
			Help: "Total number of chunks rescored by the energy backend after a scorer failure",
		}, []string{"backend"}),
		ChunkSamples: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vad_chunk_samples",
			Help:    "Number of samples per scored chunk",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64 to 32768
		}),

		// WebSocket metrics
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vad_websocket_connections",
			Help: "Current number of open streaming connections",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vad_websocket_messages_total",
			Help: "Total number of streaming messages by direction and type",
		}, []string{"direction", "type"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vad_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vad_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vad_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),

		gatherer: gatherer,
	}
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveDetection records one scored chunk.
func (m *Metrics) ObserveDetection(backend string, speech bool, elapsed time.Duration) {
	m.Detections.WithLabelValues(backend, strconv.FormatBool(speech)).Inc()
	m.DetectDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// ObserveEvent records a start or end event.
func (m *Metrics) ObserveEvent(kind string) {
	m.Events.WithLabelValues(kind).Inc()
}

// ObserveFallback records a scorer failure absorbed by the energy backend.
func (m *Metrics) ObserveFallback(backend string) {
	m.BackendFallbacks.WithLabelValues(backend).Inc()
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// RecordChunk records the size of a chunk handed to the engine
func (m *Metrics) RecordChunk(samples int) {
	m.ChunkSamples.Observe(float64(samples))
}

// RecordSessionReset increments the session resets counter
func (m *Metrics) RecordSessionReset() {
	m.SessionResets.Inc()
}

// RecordSessionClear increments the clear-all counter
func (m *Metrics) RecordSessionClear() {
	m.SessionClears.Inc()
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordEventSent increments the UDP events sent counter
func (m *Metrics) RecordEventSent() {
	m.EventsSent.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// WSConnected tracks a new streaming connection
func (m *Metrics) WSConnected() {
	m.WSConnections.Inc()
}

// WSDisconnected tracks a closed streaming connection
func (m *Metrics) WSDisconnected() {
	m.WSConnections.Dec()
}

// RecordWSMessage records a streaming message; direction is "in" or "out"
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
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
