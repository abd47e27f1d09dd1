package transport

import (
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/observability"
)

// Doer performs a single HTTP exchange; *http.Client satisfies it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Poller
type Option func(*options)

type options struct {
	client         Doer
	clock          clock.Clock
	logger         logging.Logger
	metrics        *observability.Metrics
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	newTransportID func() string
}

func defaultOptions() *options {
	return &options{
		clock:          clock.New(),
		logger:         logging.Discard(),
		newTransportID: uuid.NewString,
	}
}

// WithHTTPClient replaces the HTTP client. Without it a client with no
// overall timeout is used; each exchange is bounded by RequestTimeout.
func WithHTTPClient(client Doer) Option {
	return func(o *options) {
		if client != nil {
			o.client = client
		}
	}
}

// WithClock replaces the clock driving send delays and retries
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records poll cycles in m
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider sets where poll-cycle spans go. Defaults to the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithPropagator sets how trace context is written into request headers.
// Defaults to the global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.propagator = p
	}
}

// WithTransportIDGenerator replaces the uuid generator used for session ids
func WithTransportIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newTransportID = gen
		}
	}
}

func (o *options) tracer() trace.Tracer {
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(observability.TracerName)
}

func (o *options) textMapPropagator() propagation.TextMapPropagator {
	if o.propagator != nil {
		return o.propagator
	}
	return otel.GetTextMapPropagator()
}
