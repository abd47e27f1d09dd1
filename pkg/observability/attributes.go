// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for the comet poller, multiplexer, reliable channels and reference server.
package observability

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys shared by all components
const (
	AttrOperation   = "comet.operation"
	AttrTransportID = "comet.transport_id"
	AttrSendID      = "comet.send_id"
	AttrOutcome     = "comet.outcome"
	AttrLongPollMS  = "comet.long_poll_ms"
	AttrIsNew       = "comet.is_new"
	AttrChannels    = "comet.channels"
	AttrStatusCode  = "http.status_code"
)

// Poll outcomes, used both as span attribute values and metric labels
const (
	OutcomeSuccess   = "success"
	OutcomeConflict  = "conflict"
	OutcomeFatal     = "fatal"
	OutcomeTransient = "transient"
	OutcomeMalformed = "malformed"
)

// OutcomeAttr is a convenience for the outcome attribute
func OutcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(AttrOutcome, outcome)
}
