package signalr

import (
	"time"

	"github.com/carterjones/signalr-longpoll/hubs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus instrumentation of a HubConnection.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "signalr").
	Namespace string

	// Subsystem is the metrics subsystem (default: "longpoll").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request durations. The default
	// reaches past DefaultTimeout, since polls are held open by the server.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus instrumentation.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "signalr",
		Subsystem: "longpoll",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 90, 120},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the Prometheus collectors shared by any number of
// HubConnections. A nil *Metrics records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	received      *prometheus.CounterVec
	sendsRejected prometheus.Counter
	transitions   *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors. Registering twice with the
// same registry panics, so create one Metrics per registry and share it.
//
// Metrics collected:
//   - signalr_longpoll_requests_total: requests by kind and outcome
//   - signalr_longpoll_request_duration_seconds: request durations by kind
//   - signalr_longpoll_messages_received_total: decoded records by type
//   - signalr_longpoll_sends_rejected_total: sends refused while not connected
//   - signalr_longpoll_state_transitions_total: transitions by target state
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of transport requests by kind and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "outcome"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Transport request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"kind"}),

		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Total number of hub messages received by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		sendsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sends_rejected_total",
			Help:        "Total number of sends refused because the connection was not established",
			ConstLabels: config.ConstLabels,
		}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "state_transitions_total",
			Help:        "Total number of connection state transitions by new state",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),
	}
}

func (m *Metrics) observeRequest(k requestKind, o Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(k.String(), o.String()).Inc()
	m.duration.WithLabelValues(k.String()).Observe(d.Seconds())
}

func (m *Metrics) observeMessage(t hubs.MessageType) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) observeRejectedSend() {
	if m == nil {
		return
	}
	m.sendsRejected.Inc()
}

func (m *Metrics) observeTransition(s State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}
