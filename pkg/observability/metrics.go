package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	// Prometheus configuration
	MetricsPath string `mapstructure:"path"` // HTTP path for metrics endpoint (default: /metrics)
	MetricsPort int    `mapstructure:"port"` // Port for a standalone metrics server (default: 9090)

	// Metric options
	Namespace        string    `mapstructure:"namespace"` // Prometheus namespace (default: comet)
	Subsystem        string    `mapstructure:"subsystem"`
	HistogramBuckets []float64 `mapstructure:"buckets"` // Latency buckets in milliseconds

	// Labels to add to all metrics
	ConstLabels prometheus.Labels `mapstructure:"const_labels"`

	// Registry receives the collectors. A fresh registry is created when nil.
	Registry *prometheus.Registry `mapstructure:"-"`

	// IncludeRuntime registers the Go runtime and process collectors
	IncludeRuntime bool `mapstructure:"include_runtime"`
}

// Metrics records poller, channel and server activity. All methods are safe
// on a nil receiver so components can treat metrics as optional.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	// Poller
	pollDuration *prometheus.HistogramVec
	pollTotal    *prometheus.CounterVec
	longPoll     prometheus.Gauge
	poisoned     prometheus.Counter

	// Multiplexer
	channelsOpen  prometheus.Gauge
	channelErrors *prometheus.CounterVec

	// Reliable channels
	packets *prometheus.CounterVec

	// Reference server
	serverRequests *prometheus.HistogramVec
	sessions       prometheus.Gauge
	sessionEvents  *prometheus.CounterVec
}

// Packet events
const (
	PacketSent          = "sent"
	PacketRetransmitted = "retransmitted"
	PacketDelivered     = "delivered"
	PacketDuplicate     = "duplicate"
	PacketHandlerFault  = "handler_fault"
)

// Session events
const (
	SessionCreated    = "created"
	SessionConflicted = "conflict"
	SessionUnknown    = "unknown"
	SessionEvicted    = "evicted"
	SessionSuperseded = "superseded"
)

// NewMetrics creates a metrics provider and registers its collectors
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "comet"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	if config.HistogramBuckets == nil {
		// Long polls legitimately last up to the 30s ceiling.
		config.HistogramBuckets = []float64{5, 25, 100, 250, 1000, 2500, 5000, 10000, 20000, 30000, 45000}
	}

	constLabels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		constLabels[k] = v
	}
	if config.ServiceName != "" {
		constLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		constLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		constLabels["environment"] = config.Environment
	}
	config.ConstLabels = constLabels

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{config: config, registry: registry}
	m.initializeMetrics()

	if err := m.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

// initializeMetrics creates all metric collectors
func (m *Metrics) initializeMetrics() {
	c := m.config

	m.pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "poll_duration_milliseconds",
			Help:        "Duration of poll cycles in milliseconds",
			Buckets:     c.HistogramBuckets,
			ConstLabels: c.ConstLabels,
		},
		[]string{"outcome"},
	)

	m.pollTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "poll_total",
			Help:        "Total number of poll cycles by outcome",
			ConstLabels: c.ConstLabels,
		},
		[]string{"outcome"},
	)

	m.longPoll = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "long_poll_seconds",
			Help:        "Long-poll duration requested on the next cycle",
			ConstLabels: c.ConstLabels,
		},
	)

	m.poisoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "poller_poisoned_total",
			Help:        "Number of pollers stopped by a fatal error",
			ConstLabels: c.ConstLabels,
		},
	)

	m.channelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "channels_open",
			Help:        "Number of channels registered with a multiplexer",
			ConstLabels: c.ConstLabels,
		},
	)

	m.channelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "channel_errors_total",
			Help:        "Channel error statuses reported in control blocks",
			ConstLabels: c.ConstLabels,
		},
		[]string{"status"},
	)

	m.packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "packets_total",
			Help:        "Reliable channel packet events",
			ConstLabels: c.ConstLabels,
		},
		[]string{"event"},
	)

	m.serverRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "server_request_duration_milliseconds",
			Help:        "Duration of poll requests handled by the server",
			Buckets:     c.HistogramBuckets,
			ConstLabels: c.ConstLabels,
		},
		[]string{"status"},
	)

	m.sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "server_sessions",
			Help:        "Number of live server sessions",
			ConstLabels: c.ConstLabels,
		},
	)

	m.sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "server_session_events_total",
			Help:        "Server session lifecycle events",
			ConstLabels: c.ConstLabels,
		},
		[]string{"event"},
	)
}

// registerMetrics registers all collectors with the registry
func (m *Metrics) registerMetrics() error {
	cs := []prometheus.Collector{
		m.pollDuration,
		m.pollTotal,
		m.longPoll,
		m.poisoned,
		m.channelsOpen,
		m.channelErrors,
		m.packets,
		m.serverRequests,
		m.sessions,
		m.sessionEvents,
	}
	if m.config.IncludeRuntime {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, collector := range cs {
		if err := m.registry.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordPoll records one completed poll cycle
func (m *Metrics) RecordPoll(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pollTotal.WithLabelValues(outcome).Inc()
	m.pollDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

// SetLongPoll records the long-poll duration of the next cycle
func (m *Metrics) SetLongPoll(d time.Duration) {
	if m == nil {
		return
	}
	m.longPoll.Set(d.Seconds())
}

// RecordPoisoned counts a poller stopped by a fatal error
func (m *Metrics) RecordPoisoned() {
	if m == nil {
		return
	}
	m.poisoned.Inc()
}

// AddChannels adjusts the open channel gauge
func (m *Metrics) AddChannels(delta int) {
	if m == nil {
		return
	}
	m.channelsOpen.Add(float64(delta))
}

// RecordChannelError counts an error status reported for a channel
func (m *Metrics) RecordChannelError(status int) {
	if m == nil {
		return
	}
	m.channelErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordPackets counts n reliable packet events of the given kind
func (m *Metrics) RecordPackets(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.packets.WithLabelValues(event).Add(float64(n))
}

// RecordServerRequest records a poll request answered by the server
func (m *Metrics) RecordServerRequest(status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.serverRequests.WithLabelValues(strconv.Itoa(status)).Observe(float64(duration.Milliseconds()))
}

// SetSessions records the number of live server sessions
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// RecordSessionEvent counts a server session lifecycle event
func (m *Metrics) RecordSessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

// Start serves the metrics endpoint on its own port
func (m *Metrics) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, m.Handler())

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = m.server.ListenAndServe()
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m != nil && m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}
