package transport

import (
	"net/url"
	"time"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
)

// Default poller timings
const (
	DefaultSendDelay        = 200 * time.Millisecond
	DefaultInitialLongPoll  = 3 * time.Second
	DefaultMaxLongPoll      = 30 * time.Second
	DefaultBaselineLongPoll = time.Second
	DefaultRetryDelay       = 2500 * time.Millisecond
	DefaultMaxResponseBytes = 16 << 20
)

// UseDefaultDelay asks StartSend for the configured SendDelay
const UseDefaultDelay time.Duration = -1

// PollerConfig configures a Poller
type PollerConfig struct {
	// Endpoint is the URL every poll request is POSTed to
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	// SendDelay is used by StartSend(UseDefaultDelay)
	SendDelay time.Duration `json:"send_delay" mapstructure:"send_delay"`

	// InitialLongPoll is the long-poll duration of the first request
	InitialLongPoll time.Duration `json:"initial_long_poll" mapstructure:"initial_long_poll"`

	// MaxLongPoll caps the doubling after successful cycles
	MaxLongPoll time.Duration `json:"max_long_poll" mapstructure:"max_long_poll"`

	// BaselineLongPoll is the long-poll duration after a transient failure
	BaselineLongPoll time.Duration `json:"baseline_long_poll" mapstructure:"baseline_long_poll"`

	// RetryDelay is the wait before retrying a transient failure
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`

	// RequestTimeout bounds a single exchange. Zero means MaxLongPoll + 15s.
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`

	// MaxResponseBytes limits how much of a response body is read
	MaxResponseBytes int64 `json:"max_response_bytes" mapstructure:"max_response_bytes"`

	// Headers are added to every request
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// DefaultPollerConfig returns the default configuration for endpoint
func DefaultPollerConfig(endpoint string) PollerConfig {
	return PollerConfig{
		Endpoint:         endpoint,
		SendDelay:        DefaultSendDelay,
		InitialLongPoll:  DefaultInitialLongPoll,
		MaxLongPoll:      DefaultMaxLongPoll,
		BaselineLongPoll: DefaultBaselineLongPoll,
		RetryDelay:       DefaultRetryDelay,
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// Validate checks the configuration
func (c PollerConfig) Validate() error {
	if c.Endpoint == "" {
		return cometerrors.InvalidConfig("poller", "endpoint", "is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cometerrors.InvalidConfig("poller", "endpoint", "must be an absolute http(s) URL")
	}
	if c.SendDelay < 0 {
		return cometerrors.InvalidConfig("poller", "send_delay", "must not be negative")
	}
	if c.InitialLongPoll < 0 || c.BaselineLongPoll < 0 {
		return cometerrors.InvalidConfig("poller", "long_poll", "must not be negative")
	}
	if c.MaxLongPoll <= 0 {
		return cometerrors.InvalidConfig("poller", "max_long_poll", "must be positive")
	}
	if c.InitialLongPoll > c.MaxLongPoll || c.BaselineLongPoll > c.MaxLongPoll {
		return cometerrors.InvalidConfig("poller", "long_poll", "must not exceed max_long_poll")
	}
	if c.RetryDelay <= 0 {
		return cometerrors.InvalidConfig("poller", "retry_delay", "must be positive")
	}
	if c.RequestTimeout < 0 {
		return cometerrors.InvalidConfig("poller", "request_timeout", "must not be negative")
	}
	return nil
}

func (c PollerConfig) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return c.MaxLongPoll + 15*time.Second
}

func (c PollerConfig) maxResponseBytes() int64 {
	if c.MaxResponseBytes > 0 {
		return c.MaxResponseBytes
	}
	return DefaultMaxResponseBytes
}
