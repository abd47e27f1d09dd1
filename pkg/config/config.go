// Package config loads the settings of the comet example programs from a
// YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/server"
	"github.com/ajitpratap0/comet-go/pkg/transport"
)

// EnvPrefix prefixes every environment override, e.g. COMET_LOG_LEVEL=debug
const EnvPrefix = "COMET"

// Config is the root configuration
type Config struct {
	Log     logging.Config `mapstructure:"log"`
	Client  ClientConfig   `mapstructure:"client"`
	Server  ServerConfig   `mapstructure:"server"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Tracing TracingConfig  `mapstructure:"tracing"`
}

// ClientConfig configures the pollers a client creates
type ClientConfig struct {
	Poller transport.PollerConfig `mapstructure:"poller"`
	// Target is the channel target the example client connects to
	Target string `mapstructure:"target"`
}

// ServerConfig configures the reference server
type ServerConfig struct {
	// Listen is the HTTP listen address
	Listen string `mapstructure:"listen"`
	// Path is where the poll handler is mounted
	Path    string               `mapstructure:"path"`
	Handler server.HandlerConfig `mapstructure:"handler"`
}

// MetricsConfig enables Prometheus metrics
type MetricsConfig struct {
	Enabled                     bool `mapstructure:"enabled"`
	observability.MetricsConfig `mapstructure:",squash"`
}

// TracingConfig enables OpenTelemetry tracing
type TracingConfig struct {
	Enabled                     bool `mapstructure:"enabled"`
	observability.TracingConfig `mapstructure:",squash"`
}

// Default returns a Config populated with defaults
func Default() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Client: ClientConfig{
			Poller: transport.DefaultPollerConfig("http://localhost:8080/comet"),
			Target: "/loopback",
		},
		Server: ServerConfig{
			Listen:  ":8080",
			Path:    "/comet",
			Handler: server.DefaultHandlerConfig(),
		},
		Metrics: MetricsConfig{
			MetricsConfig: observability.MetricsConfig{
				ServiceName: "comet",
				MetricsPath: "/metrics",
				Namespace:   "comet",
			},
		},
		Tracing: TracingConfig{
			TracingConfig: observability.TracingConfig{
				ServiceName:  "comet",
				ExporterType: observability.ExporterTypeNoop,
				SampleRate:   1.0,
			},
		},
	}
}

// Load reads configuration from path when non-empty, otherwise from
// $COMET_CONFIG or a comet.yaml in the usual places. A missing file is not an
// error. Environment variables override file values; "." and "-" in keys
// become "_".
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("comet")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".comet"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only overrides resolve
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	p := cfg.Client.Poller
	v.SetDefault("client.target", cfg.Client.Target)
	v.SetDefault("client.poller.endpoint", p.Endpoint)
	v.SetDefault("client.poller.send_delay", p.SendDelay)
	v.SetDefault("client.poller.initial_long_poll", p.InitialLongPoll)
	v.SetDefault("client.poller.max_long_poll", p.MaxLongPoll)
	v.SetDefault("client.poller.baseline_long_poll", p.BaselineLongPoll)
	v.SetDefault("client.poller.retry_delay", p.RetryDelay)
	v.SetDefault("client.poller.request_timeout", p.RequestTimeout)
	v.SetDefault("client.poller.max_response_bytes", p.MaxResponseBytes)

	h := cfg.Server.Handler
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.path", cfg.Server.Path)
	v.SetDefault("server.handler.max_long_poll", h.MaxLongPoll)
	v.SetDefault("server.handler.session_ttl", h.SessionTTL)
	v.SetDefault("server.handler.max_sessions", h.MaxSessions)
	v.SetDefault("server.handler.max_request_bytes", h.MaxRequestBytes)
	v.SetDefault("server.handler.allowed_origins", h.AllowedOrigins)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.service_name", cfg.Metrics.ServiceName)
	v.SetDefault("metrics.path", cfg.Metrics.MetricsPath)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)
	v.SetDefault("metrics.include_runtime", cfg.Metrics.IncludeRuntime)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", string(cfg.Tracing.ExporterType))
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
}

// Validate checks every section
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if err := c.Client.Poller.Validate(); err != nil {
		return fmt.Errorf("client.poller: %w", err)
	}
	if err := c.Server.Handler.Validate(); err != nil {
		return fmt.Errorf("server.handler: %w", err)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/': %q", c.Server.Path)
	}
	switch c.Tracing.ExporterType {
	case observability.ExporterTypeNoop, observability.ExporterTypeOTLPGRPC, observability.ExporterTypeOTLPHTTP:
	default:
		return fmt.Errorf("invalid tracing.exporter: %q", c.Tracing.ExporterType)
	}
	return nil
}

// MustLoad is Load that panics on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
