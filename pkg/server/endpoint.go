package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Endpoint is the server side of one poller session, or of one channel
// inside a Mux. The Handler serializes calls per session, but endpoints that
// take data from other goroutines must guard their own state.
type Endpoint interface {
	// DataToSend returns what the next response should carry, or false when
	// there is nothing
	DataToSend() (any, bool)
	// HandleIncoming receives the "d" member of a request
	HandleIncoming(data json.RawMessage) error
	// Close releases the endpoint when its session ends
	Close() error
}

// Finisher is implemented by endpoints that can end on their own. A Mux drops
// a channel once its endpoint reports Finished.
type Finisher interface {
	Finished() bool
}

// Waker tells the Handler an endpoint has data, releasing a waiting long poll.
// It never blocks.
type Waker func()

// EndpointFactory creates the endpoint of a new session
type EndpointFactory func(wake Waker) (Endpoint, error)

// StatusError carries the HTTP-style status an endpoint wants reported for a
// failure. Inside a Mux it becomes the channel's error status.
type StatusError struct {
	Status int
	Err    error
}

// NewStatusError wraps err with status
func NewStatusError(status int, err error) *StatusError {
	return &StatusError{Status: status, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Status)
	}
	return fmt.Sprintf("%d %s: %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// statusOf returns err's status, or fallback when err carries none
func statusOf(err error, fallback int) int {
	var se *StatusError
	if errors.As(err, &se) && se.Status > 0 {
		return se.Status
	}
	return fallback
}
