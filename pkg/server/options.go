package server

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/observability"
)

// DefaultEndResendInterval is how often a closing ReliableEndpoint repeats
// its end marker while it waits for the client's
const DefaultEndResendInterval = 2500 * time.Millisecond

// Option configures a Handler, Mux or ReliableEndpoint
type Option func(*options)

type options struct {
	clock             clock.Clock
	logger            logging.Logger
	metrics           *observability.Metrics
	tracerProvider    trace.TracerProvider
	propagator        propagation.TextMapPropagator
	endResendInterval time.Duration
}

func defaultOptions() *options {
	return &options{
		clock:             clock.New(),
		logger:            logging.Discard(),
		endResendInterval: DefaultEndResendInterval,
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithClock replaces the clock driving long-poll waits and session expiry
// bookkeeping
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

// WithMetrics records requests and sessions in m
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider sets where request spans go. Defaults to the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithPropagator sets how trace context is read from request headers.
// Defaults to the global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.propagator = p
	}
}

// WithEndResendInterval sets how often a closing ReliableEndpoint repeats
// its end marker
func WithEndResendInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.endResendInterval = d
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
