package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Reserved keys
const (
	KeyData        = "d"
	KeyIsNew       = "isNew"
	KeyTransportID = "tid"
	KeyLongPoll    = "lp"
	KeyControl     = "m"
	KeyAcks        = "a"
	KeyAck         = "a"
	KeyTarget      = "u"
	KeyEnd         = "end"
)

// ContentType is sent on every poll request and response with a body
const ContentType = "application/json"

// PollRequest is the envelope of one poll cycle
type PollRequest struct {
	// Data is the upper layer's payload, omitted when there is nothing to send
	Data json.RawMessage `json:"d,omitempty"`
	// IsNew asks the server to create a session for TransportID
	IsNew bool `json:"isNew,omitempty"`
	// TransportID identifies the session
	TransportID string `json:"tid"`
	// LongPoll is how long, in milliseconds, the server may hold the request
	LongPoll int64 `json:"lp"`
}

// LongPollDuration returns LongPoll as a time.Duration
func (r *PollRequest) LongPollDuration() time.Duration {
	return time.Duration(r.LongPoll) * time.Millisecond
}

// NewPollRequest encodes data and builds a request
func NewPollRequest(transportID string, isNew bool, longPoll time.Duration, data any) (*PollRequest, error) {
	req := &PollRequest{
		IsNew:       isNew,
		TransportID: transportID,
		LongPoll:    longPoll.Milliseconds(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal poll data: %w", err)
		}
		req.Data = raw
	}
	return req, nil
}

// ErrInvalidPollRequest is wrapped by DecodePollRequest validation failures
var ErrInvalidPollRequest = errors.New("invalid poll request")

type wirePollRequest struct {
	Data        json.RawMessage `json:"d"`
	IsNew       bool            `json:"isNew"`
	TransportID *string         `json:"tid"`
	LongPoll    *int64          `json:"lp"`
}

// DecodePollRequest reads and validates a request body. Both "tid" and "lp"
// are mandatory; "lp" may not be negative.
func DecodePollRequest(r io.Reader) (*PollRequest, error) {
	var w wirePollRequest
	if err := json.NewDecoder(r).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPollRequest, err)
	}
	if w.TransportID == nil || *w.TransportID == "" {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidPollRequest, KeyTransportID)
	}
	if w.LongPoll == nil {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidPollRequest, KeyLongPoll)
	}
	if *w.LongPoll < 0 {
		return nil, fmt.Errorf("%w: negative %q", ErrInvalidPollRequest, KeyLongPoll)
	}

	req := &PollRequest{
		IsNew:       w.IsNew,
		TransportID: *w.TransportID,
		LongPoll:    *w.LongPoll,
	}
	if len(w.Data) > 0 && string(w.Data) != "null" {
		req.Data = w.Data
	}
	return req, nil
}
