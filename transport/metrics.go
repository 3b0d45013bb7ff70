package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures session metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "transport").
	Namespace string
	// Subsystem is the metrics subsystem (default: "session").
	Subsystem string
	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels
	// Buckets are the request latency histogram buckets.
	// Default: prometheus.DefBuckets
	Buckets []float64
	// Registry is the registerer metrics are created in.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures MetricsConfig.
type MetricsOption func(*MetricsConfig)

// WithMetricsNamespace sets the metrics namespace.
func WithMetricsNamespace(ns string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = ns }
}

// WithMetricsRegistry sets the registerer.
func WithMetricsRegistry(reg prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = reg }
}

// WithMetricsConstLabels sets constant labels.
func WithMetricsConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// Metrics are the Prometheus collectors shared by any number of sessions.
// Create one per registerer. A nil *Metrics records nothing.
type Metrics struct {
	packetsSent     *prometheus.CounterVec
	framesWritten   *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	pending         prometheus.Gauge
	lateReplies     prometheus.Counter
	sessions        prometheus.Gauge
}

// NewMetrics registers the session collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := MetricsConfig{
		Namespace: "transport",
		Subsystem: "session",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "packets_sent_total",
			Help:        "Total number of packets written to channels",
			ConstLabels: cfg.ConstLabels,
		}, []string{"framer"}),
		framesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_written_total",
			Help:        "Total number of physical writes, one per chunk",
			ConstLabels: cfg.ConstLabels,
		}, []string{"framer"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "packets_received_total",
			Help:        "Total number of packets reassembled from channels",
			ConstLabels: cfg.ConstLabels,
		}, []string{"framer"}),
		malformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "malformed_frames_total",
			Help:        "Total number of frames that reset a reassembly buffer",
			ConstLabels: cfg.ConstLabels,
		}, []string{"framer"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of correlated requests by outcome",
			ConstLabels: cfg.ConstLabels,
		}, []string{"outcome"}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Time from send until a request settles",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "pending_requests",
			Help:        "Number of requests awaiting a reply",
			ConstLabels: cfg.ConstLabels,
		}),
		lateReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "late_replies_total",
			Help:        "Total number of replies that matched no pending request",
			ConstLabels: cfg.ConstLabels,
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "active",
			Help:        "Number of sessions not yet destroyed",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func (m *Metrics) sent(framer string, frames int) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(framer).Inc()
	m.framesWritten.WithLabelValues(framer).Add(float64(frames))
}

func (m *Metrics) received(framer string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.packetsReceived.WithLabelValues(framer).Add(float64(n))
}

func (m *Metrics) malformedFrame(framer string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(framer).Inc()
}

func (m *Metrics) requestStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) requestSettled(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.requests.WithLabelValues(outcome).Inc()
	m.requestDuration.Observe(seconds)
}

func (m *Metrics) lateReply() {
	if m == nil {
		return
	}
	m.lateReplies.Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
