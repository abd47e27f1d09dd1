package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{ServiceName: "test"})
	require.NoError(t, err)

	m.RecordPoll(OutcomeSuccess, 120*time.Millisecond)
	m.RecordPoll(OutcomeSuccess, 80*time.Millisecond)
	m.RecordPoll(OutcomeTransient, time.Millisecond)
	m.SetLongPoll(6 * time.Second)
	m.AddChannels(2)
	m.AddChannels(-1)
	m.RecordChannelError(404)
	m.RecordPackets(PacketRetransmitted, 3)
	m.RecordPackets(PacketDelivered, 0)
	m.RecordSessionEvent(SessionCreated)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.pollTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pollTotal.WithLabelValues(OutcomeTransient)))
	assert.Equal(t, float64(6), testutil.ToFloat64(m.longPoll))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.channelsOpen))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.channelErrors.WithLabelValues("404")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.packets.WithLabelValues(PacketRetransmitted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionEvents.WithLabelValues(SessionCreated)))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordPoll(OutcomeFatal, time.Second)
	m.SetLongPoll(time.Second)
	m.RecordPoisoned()
	m.AddChannels(1)
	m.RecordPackets(PacketSent, 1)
	m.SetSessions(3)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestMetricsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(MetricsConfig{Registry: reg})
	require.NoError(t, err)
	first.RecordPoisoned()

	// A second provider on the same registry must not fail.
	_, err = NewMetrics(MetricsConfig{Registry: reg})
	require.NoError(t, err)
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Namespace: "ns"})
	require.NoError(t, err)
	m.RecordPoll(OutcomeConflict, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `ns_poll_total{outcome="conflict"} 1`), string(body))
}

func TestTracingProvider(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracingProvider(TracingConfig{
		ServiceName:   "comet-test",
		SpanProcessor: recorder,
		NeverSample:   []string{"noisy"},
	})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := tp.TracerProvider().Tracer(TracerName)
	ctx, span := tracer.Start(context.Background(), "comet.poll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(AttrOperation, "poll")),
	)
	span.SetAttributes(OutcomeAttr(OutcomeSuccess))
	span.AddEvent("sent")

	header := http.Header{}
	tp.Propagator().Inject(ctx, propagation.HeaderCarrier(header))
	assert.NotEmpty(t, header.Get("traceparent"))
	span.End()

	_, dropped := tracer.Start(context.Background(), "comet.noisy",
		trace.WithAttributes(attribute.String(AttrOperation, "noisy")),
	)
	dropped.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "comet.poll", ended[0].Name())
	assert.Equal(t, trace.SpanKindClient, ended[0].SpanKind())

	var outcome string
	for _, attr := range ended[0].Attributes() {
		if string(attr.Key) == AttrOutcome {
			outcome = attr.Value.AsString()
		}
	}
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Len(t, ended[0].Events(), 1)
}

func TestTracingProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracingProvider(TracingConfig{ExporterType: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNoopExporter(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{ExporterType: ExporterTypeNoop, SampleRate: 0.5})
	require.NoError(t, err)
	require.NotNil(t, tp.TracerProvider())
	assert.NoError(t, tp.Shutdown(context.Background()))
	var _ sdktrace.SpanExporter = &noopExporter{}
}
