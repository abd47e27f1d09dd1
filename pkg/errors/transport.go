package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for poll-cycle errors
type TransportErrorData struct {
	Transport  string        `json:"transport"`
	Operation  string        `json:"operation,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Connected  bool          `json:"connected"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Body       string        `json:"body,omitempty"`
}

// ChannelErrorData contains structured data for channel-level errors
type ChannelErrorData struct {
	ChannelID string `json:"channel_id"`
	Target    string `json:"target,omitempty"`
	Status    int    `json:"status,omitempty"`
	PacketID  int64  `json:"packet_id,omitempty"`
	State     string `json:"state,omitempty"`
}

func endpointHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

func reason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// PollTransient creates an error for a poll cycle that failed and will be
// retried: a network failure or a status outside 2xx/4xx/5xx.
func PollTransient(endpoint string, statusCode int, retryAfter time.Duration, cause error) CometError {
	message := "poll cycle failed"
	if statusCode > 0 {
		message = fmt.Sprintf("poll cycle returned unexpected status %d", statusCode)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return newCoded(CodeTransient, cause, message).WithData(&TransportErrorData{
		Transport:  "http",
		Operation:  "poll",
		Endpoint:   endpointHost(endpoint),
		Connected:  statusCode > 0,
		Retryable:  true,
		RetryAfter: retryAfter,
		StatusCode: statusCode,
		Reason:     reason(cause),
	})
}

// SessionConflict creates an error for a 409 response
func SessionConflict(endpoint, transportID string) CometError {
	return newCoded(CodeSessionConflict, nil, "server rejected transport id "+transportID).
		WithData(&TransportErrorData{
			Transport:  "http",
			Operation:  "poll",
			Endpoint:   endpointHost(endpoint),
			Connected:  true,
			Retryable:  true,
			StatusCode: 409,
		})
}

// TransportDropped creates the fatal error reported when the server answers
// with any other 4xx or 5xx status.
func TransportDropped(endpoint string, statusCode int, body string) CometError {
	message := fmt.Sprintf("HTTP %d error during poll to %s", statusCode, endpointHost(endpoint))
	return newCoded(CodeTransportDropped, nil, message).WithData(&TransportErrorData{
		Transport:  "http",
		Operation:  "poll",
		Endpoint:   endpointHost(endpoint),
		Connected:  true,
		Retryable:  false,
		StatusCode: statusCode,
		Body:       body,
	})
}

// MalformedResponse creates the fatal error for a 2xx body that is not JSON
func MalformedResponse(endpoint string, cause error) CometError {
	return newCoded(CodeMalformedResponse, cause, "malformed poll response: "+reason(cause)).
		WithData(&TransportErrorData{
			Transport: "http",
			Operation: "decode",
			Endpoint:  endpointHost(endpoint),
			Connected: true,
			Reason:    reason(cause),
		})
}

// TransportPoisoned is returned by operations attempted on a poller that has
// already stopped because of a fatal error.
func TransportPoisoned(endpoint string) CometError {
	return newCoded(CodeTransportPoisoned, nil, "poller to "+endpointHost(endpoint)+" has stopped").
		WithData(&TransportErrorData{
			Transport: "http",
			Endpoint:  endpointHost(endpoint),
		})
}

// TransportNotActive is returned when the poll loop is not running
func TransportNotActive(endpoint string) CometError {
	return newCoded(CodeTransportNotActive, nil, "poller to "+endpointHost(endpoint)+" is not running")
}

// ChannelRejected creates the error delivered to a channel when the server
// reports an error status for it in the control block.
func ChannelRejected(channelID, target string, status int) CometError {
	return newCoded(CodeChannelRejected, nil, fmt.Sprintf("channel %s rejected with status %d", channelID, status)).
		WithData(&ChannelErrorData{
			ChannelID: channelID,
			Target:    target,
			Status:    status,
		})
}

// ChannelDisconnected is returned by operations on an unregistered channel
func ChannelDisconnected(channelID string) CometError {
	return newCoded(CodeChannelDisconnected, nil, "channel "+channelID+" is disconnected").
		WithData(&ChannelErrorData{ChannelID: channelID})
}

// NotConnected is returned when sending on a reliable channel that is closing
func NotConnected(channelID, state string) CometError {
	return newCoded(CodeNotConnected, nil, fmt.Sprintf("channel %s is %s", channelID, state)).
		WithData(&ChannelErrorData{ChannelID: channelID, State: state})
}

// HandlerFault wraps a failure returned or raised by an application handler
// while processing a delivered packet.
func HandlerFault(channelID string, packetID int64, cause error) CometError {
	return newCoded(CodeHandlerFault, cause, fmt.Sprintf("handler failed on packet %d of channel %s: %s", packetID, channelID, reason(cause))).
		WithData(&ChannelErrorData{ChannelID: channelID, PacketID: packetID})
}

// MalformedFrame wraps a decode failure for a single channel's payload
func MalformedFrame(channelID string, cause error) CometError {
	return newCoded(CodeMalformedFrame, cause, "malformed frame on channel "+channelID+": "+reason(cause)).
		WithData(&ChannelErrorData{ChannelID: channelID})
}

// ChannelIDExhausted is returned when no unused channel id could be drawn
func ChannelIDExhausted(attempts int) CometError {
	return newCoded(CodeChannelIDExhausted, nil, fmt.Sprintf("no free channel id after %d attempts", attempts))
}

// InvalidConfig creates an error for a configuration value that failed validation
func InvalidConfig(component, parameter, why string) CometError {
	return newCoded(CodeInvalidConfig, nil, fmt.Sprintf("invalid %s configuration: %s %s", component, parameter, why)).
		WithContext(&Context{Component: component, Timestamp: time.Now()})
}

// Internal wraps an unexpected failure
func Internal(operation string, cause error) CometError {
	return newCoded(CodeInternalError, cause, operation+": "+reason(cause))
}
