package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/multiplex"
	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/reliable"
	"github.com/ajitpratap0/comet-go/pkg/transport"
)

// Client owns one Multiplexer per endpoint URL, so every channel to the same
// server shares a single poller.
type Client struct {
	pollerConfig  transport.PollerConfig
	logger        logging.Logger
	metrics       *observability.Metrics
	muxOpts       []multiplex.Option
	transportOpts []transport.Option
	reliableOpts  []reliable.Option

	mu     sync.Mutex
	muxes  map[string]*multiplex.Multiplexer
	closed bool
}

// Option configures a Client
type Option func(*Client)

// WithPollerConfig sets the template every poller is created from. Its
// Endpoint is replaced by the URL passed to Multiplexer or Connect.
func WithPollerConfig(config transport.PollerConfig) Option {
	return func(c *Client) {
		c.pollerConfig = config
	}
}

// WithLogger sets the logger handed to every component
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records every component's activity in m
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithMultiplexOptions appends options for every Multiplexer
func WithMultiplexOptions(opts ...multiplex.Option) Option {
	return func(c *Client) {
		c.muxOpts = append(c.muxOpts, opts...)
	}
}

// WithTransportOptions appends options for every Poller
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// WithReliableOptions appends options for every reliable Conn
func WithReliableOptions(opts ...reliable.Option) Option {
	return func(c *Client) {
		c.reliableOpts = append(c.reliableOpts, opts...)
	}
}

// New creates a Client. Nothing is started until the first channel is opened.
func New(opts ...Option) *Client {
	c := &Client{
		pollerConfig: transport.DefaultPollerConfig(""),
		logger:       logging.Discard(),
		muxes:        make(map[string]*multiplex.Multiplexer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(logging.String("component", "comet_client"))
	return c
}

// Multiplexer returns the started multiplexer for endpoint, creating it on
// first use. A multiplexer whose poller was poisoned is replaced.
func (c *Client) Multiplexer(ctx context.Context, endpoint string) (*multiplex.Multiplexer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, cometerrors.TransportNotActive(endpoint)
	}
	if m, ok := c.muxes[endpoint]; ok {
		if !m.Poller().Poisoned() {
			return m, nil
		}
		c.logger.Info("Replacing poisoned multiplexer", logging.String("endpoint", endpoint))
		if err := m.Stop(ctx); err != nil {
			c.logger.WithError(err).Warn("Failed to stop poisoned multiplexer")
		}
		delete(c.muxes, endpoint)
	}

	config := c.pollerConfig
	config.Endpoint = endpoint

	opts := []multiplex.Option{
		multiplex.WithLogger(c.logger),
		multiplex.WithMetrics(c.metrics),
	}
	if len(c.transportOpts) > 0 {
		opts = append(opts, multiplex.WithTransportOptions(c.transportOpts...))
	}
	opts = append(opts, c.muxOpts...)

	m, err := multiplex.New(config, opts...)
	if err != nil {
		return nil, err
	}
	// The poller outlives ctx; it runs until Close.
	if err := m.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start multiplexer: %w", err)
	}
	c.muxes[endpoint] = m
	c.logger.Debug("Multiplexer started", logging.String("endpoint", endpoint))
	return m, nil
}

// Open creates a raw channel to target on endpoint
func (c *Client) Open(ctx context.Context, endpoint, target string, callbacks multiplex.ChannelCallbacks) (*multiplex.Channel, error) {
	m, err := c.Multiplexer(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return m.Create(target, callbacks)
}

// Connect opens a reliable conn to target on endpoint
func (c *Client) Connect(ctx context.Context, endpoint, target string, handlers reliable.Handlers) (*reliable.Conn, error) {
	m, err := c.Multiplexer(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	opts := append([]reliable.Option{
		reliable.WithLogger(c.logger),
		reliable.WithMetrics(c.metrics),
	}, c.reliableOpts...)
	return reliable.Connect(m, target, handlers, opts...)
}

// Close stops every multiplexer. Channels still open are abandoned; close
// reliable conns first for a clean handshake.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	muxes := c.muxes
	c.muxes = make(map[string]*multiplex.Multiplexer)
	c.mu.Unlock()

	var errs []error
	for endpoint, m := range muxes {
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", endpoint, err))
		}
	}
	return errors.Join(errs...)
}
