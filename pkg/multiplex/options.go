package multiplex

import (
	"math/rand/v2"

	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/transport"
)

// DefaultMaxIDAttempts is how many random channel ids Create draws before
// giving up
const DefaultMaxIDAttempts = 32

// Option configures a Multiplexer
type Option func(*options)

type options struct {
	logger        logging.Logger
	metrics       *observability.Metrics
	transportOpts []transport.Option
	newID         func() uint32
	maxIDAttempts int
}

func defaultOptions() *options {
	return &options{
		logger:        logging.Discard(),
		newID:         randomID,
		maxIDAttempts: DefaultMaxIDAttempts,
	}
}

// randomID draws from [1, 2^31) so ids stay positive in every JSON consumer
func randomID() uint32 {
	return rand.Uint32N(1<<31-1) + 1
}

// WithLogger sets the logger of the multiplexer and its poller
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records channel and poll activity in m
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTransportOptions passes options through to the underlying poller
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

// WithIDSource replaces the random channel id generator
func WithIDSource(next func() uint32) Option {
	return func(o *options) {
		if next != nil {
			o.newID = next
		}
	}
}

// WithMaxIDAttempts bounds the draws made for a free channel id
func WithMaxIDAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxIDAttempts = n
		}
	}
}
