package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the realtime server. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	FirstChunk       *prometheus.HistogramVec
	AudioChunksTotal prometheus.Counter
	AudioBytesTotal  prometheus.Counter
	DroppedSegments  prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
	Capabilities     *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with every collector registered on its
// own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "profai"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open realtime sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Realtime sessions ended, by closure classification",
		}, []string{"closure"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Realtime session duration in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600},
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed realtime requests",
		}, []string{"kind", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Realtime request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),
		FirstChunk: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_chunk_seconds",
			Help:      "Latency from audio generation start to the first chunk sent",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.5, 1, 2, 5},
		}, []string{"kind"}),
		AudioChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks delivered to clients",
		}),
		AudioBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes delivered to clients",
		}),
		DroppedSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_dropped_segments_total",
			Help:      "Text segments whose synthesis failed and were skipped",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound frames rejected by the router",
		}, []string{"kind"}),
		Capabilities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capability_available",
			Help:      "Whether a capability initialized for the latest session (1) or not (0)",
		}, []string{"capability"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.RequestsTotal,
		m.RequestDuration,
		m.FirstChunk,
		m.AudioChunksTotal,
		m.AudioBytesTotal,
		m.DroppedSegments,
		m.ProtocolErrors,
		m.Capabilities,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new session.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending with the given closure label.
func (m *Metrics) RecordSessionEnd(closure string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(closure).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind, status).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordAudio records one delivered audio stream.
func (m *Metrics) RecordAudio(kind string, chunks int, bytes int64, firstChunk time.Duration, dropped int) {
	if m == nil {
		return
	}
	m.AudioChunksTotal.Add(float64(chunks))
	m.AudioBytesTotal.Add(float64(bytes))
	if chunks > 0 {
		m.FirstChunk.WithLabelValues(kind).Observe(firstChunk.Seconds())
	}
	if dropped > 0 {
		m.DroppedSegments.Add(float64(dropped))
	}
}

// RecordProtocolError records a rejected inbound frame.
func (m *Metrics) RecordProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// RecordCapabilities records the availability map of a new session.
func (m *Metrics) RecordCapabilities(available map[string]bool) {
	if m == nil {
		return
	}
	for name, ok := range available {
		value := 0.0
		if ok {
			value = 1
		}
		m.Capabilities.WithLabelValues(name).Set(value)
	}
}
