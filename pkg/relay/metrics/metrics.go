package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionClient   = "client_to_upstream"
	DirectionUpstream = "upstream_to_client"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
	MessagesTotal      *prometheus.CounterVec
	AudioBytesTotal    prometheus.Counter
	QueuedMessages     prometheus.Histogram
	UpstreamDialTime   prometheus.Histogram
	RateLimitHits      *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "interview_relay"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Relay connections currently open",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Relay connections by close reason",
		}, []string{"reason"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of relay connections",
			Buckets:   []float64{1, 10, 30, 60, 200, 600, 1800, 3600},
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Relayed websocket messages by direction and realtime event type",
		}, []string{"direction", "type"}),
		AudioBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_audio_bytes_total",
			Help:      "Decoded PCM bytes accepted from clients",
		}),
		QueuedMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pending_messages_flushed",
			Help:      "Client messages held while the upstream connection was opening",
			Buckets:   []float64{0, 1, 2, 5, 10, 50, 100},
		}),
		UpstreamDialTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_seconds",
			Help:      "Time to open the upstream realtime connection",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Messages rejected by a relay limit",
		}, []string{"limit"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Relay errors by kind",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionDuration,
		m.MessagesTotal,
		m.AudioBytesTotal,
		m.QueuedMessages,
		m.UpstreamDialTime,
		m.RateLimitHits,
		m.ErrorsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionsTotal.WithLabelValues(reason).Inc()
	m.ConnectionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) Message(direction, eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.MessagesTotal.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) InputAudio(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.Add(float64(bytes))
}

func (m *Metrics) PendingFlushed(n int) {
	if m == nil {
		return
	}
	m.QueuedMessages.Observe(float64(n))
}

func (m *Metrics) UpstreamDialed(d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamDialTime.Observe(d.Seconds())
}

func (m *Metrics) RateLimited(limit string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limit).Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
