package server

import (
	"time"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
)

// HandlerConfig configures a Handler
type HandlerConfig struct {
	// MaxLongPoll caps how long a request is held, whatever its "lp" asks for
	MaxLongPoll time.Duration `mapstructure:"max_long_poll"`
	// SessionTTL is how long a session survives without a request
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	// MaxSessions bounds the session table; the least recently used session
	// is evicted when it is full
	MaxSessions int `mapstructure:"max_sessions"`
	// MaxRequestBytes bounds a request body
	MaxRequestBytes int64 `mapstructure:"max_request_bytes"`
	// AllowedOrigins restricts browser callers by Origin header. Empty allows
	// every origin; "*" does the same explicitly.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultHandlerConfig returns the reference server defaults
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxLongPoll:     30 * time.Second,
		SessionTTL:      2 * time.Minute,
		MaxSessions:     10000,
		MaxRequestBytes: 4 << 20,
	}
}

// Validate checks the configuration
func (c *HandlerConfig) Validate() error {
	if c.MaxLongPoll <= 0 {
		return cometerrors.InvalidConfig("server", "max_long_poll", "must be positive")
	}
	if c.SessionTTL <= c.MaxLongPoll {
		return cometerrors.InvalidConfig("server", "session_ttl", "must exceed max_long_poll")
	}
	if c.MaxSessions <= 0 {
		return cometerrors.InvalidConfig("server", "max_sessions", "must be positive")
	}
	if c.MaxRequestBytes <= 0 {
		return cometerrors.InvalidConfig("server", "max_request_bytes", "must be positive")
	}
	return nil
}
