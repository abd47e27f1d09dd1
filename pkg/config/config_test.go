package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "comet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvPrefix+"_CONFIG", "")
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "/comet", cfg.Server.Path)
	assert.Equal(t, 30*time.Second, cfg.Server.Handler.MaxLongPoll)
	assert.Equal(t, transport.DefaultSendDelay, cfg.Client.Poller.SendDelay)
	assert.Equal(t, "/loopback", cfg.Client.Target)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, observability.ExporterTypeNoop, cfg.Tracing.ExporterType)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
log:
  level: debug
  format: json
client:
  target: /chat?room=1
  poller:
    endpoint: https://comet.example.com/poll
    send_delay: 50ms
    retry_delay: 1s
server:
  listen: ":9000"
  path: /poll
  handler:
    max_long_poll: 5s
    session_ttl: 1m
    allowed_origins: ["https://app.example.com"]
metrics:
  enabled: true
  namespace: demo
tracing:
  enabled: true
  exporter: otlp-http
  endpoint: localhost:4318
  sample_rate: 0.25
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/chat?room=1", cfg.Client.Target)
	assert.Equal(t, "https://comet.example.com/poll", cfg.Client.Poller.Endpoint)
	assert.Equal(t, 50*time.Millisecond, cfg.Client.Poller.SendDelay)
	assert.Equal(t, time.Second, cfg.Client.Poller.RetryDelay)
	assert.Equal(t, transport.DefaultMaxLongPoll, cfg.Client.Poller.MaxLongPoll, "unset keys keep defaults")
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "/poll", cfg.Server.Path)
	assert.Equal(t, 5*time.Second, cfg.Server.Handler.MaxLongPoll)
	assert.Equal(t, time.Minute, cfg.Server.Handler.SessionTTL)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.Handler.AllowedOrigins)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "demo", cfg.Metrics.Namespace)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, observability.ExporterTypeOTLPHTTP, cfg.Tracing.ExporterType)
	assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)
	assert.InDelta(t, 0.25, cfg.Tracing.SampleRate, 1e-9)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "server:\n  listen: \":9000\"\n")
	t.Setenv("COMET_SERVER_LISTEN", ":7000")
	t.Setenv("COMET_LOG_LEVEL", "warn")
	t.Setenv("COMET_CLIENT_POLLER_SEND_DELAY", "10ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 10*time.Millisecond, cfg.Client.Poller.SendDelay)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "client:\n  target: /echo\n")
	t.Setenv(EnvPrefix+"_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/echo", cfg.Client.Target)
}

func TestLoadErrors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad level", "log:\n  level: loud\n"},
		{"bad yaml", "server: [\n"},
		{"bad exporter", "tracing:\n  exporter: carrier-pigeon\n"},
		{"bad path", "server:\n  path: comet\n"},
		{"bad handler", "server:\n  handler:\n    max_long_poll: 2m\n    session_ttl: 1m\n"},
		{"bad poller", "client:\n  poller:\n    endpoint: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestMustLoadPanics(t *testing.T) {
	isolate(t)
	assert.Panics(t, func() { MustLoad(filepath.Join(t.TempDir(), "missing.yaml")) })
}
