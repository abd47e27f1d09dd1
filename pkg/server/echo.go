package server

import (
	"encoding/json"
	"sync"
)

// EchoEndpoint answers every payload it receives with the same payload. Echoes
// queued between two responses go out together as a JSON array.
type EchoEndpoint struct {
	wake Waker

	mu      sync.Mutex
	pending []json.RawMessage
	closed  bool
}

// NewEchoEndpoint creates an EchoEndpoint
func NewEchoEndpoint(wake Waker) *EchoEndpoint {
	if wake == nil {
		wake = func() {}
	}
	return &EchoEndpoint{wake: wake}
}

// EchoFactory is a ChannelFactory for EchoEndpoint
func EchoFactory(req ChannelRequest) (Endpoint, error) {
	return NewEchoEndpoint(req.Wake), nil
}

// HandleIncoming implements Endpoint
func (e *EchoEndpoint) HandleIncoming(data json.RawMessage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.pending = append(e.pending, append(json.RawMessage(nil), data...))
	e.mu.Unlock()

	e.wake()
	return nil
}

// DataToSend implements Endpoint
func (e *EchoEndpoint) DataToSend() (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil, false
	}
	out := e.pending
	e.pending = nil
	return out, true
}

// Close implements Endpoint
func (e *EchoEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.pending = nil
	e.mu.Unlock()
	return nil
}

// NewLoopbackEndpoint creates a ReliableEndpoint that sends every packet it
// receives straight back
func NewLoopbackEndpoint(wake Waker, opts ...Option) *ReliableEndpoint {
	return NewReliableEndpoint(wake, ReliableHandlers{
		OnData: func(ep *ReliableEndpoint, data json.RawMessage) error {
			return ep.Send(data)
		},
	}, opts...)
}

// LoopbackFactory returns a ChannelFactory for loopback endpoints
func LoopbackFactory(opts ...Option) ChannelFactory {
	return func(req ChannelRequest) (Endpoint, error) {
		return NewLoopbackEndpoint(req.Wake, opts...), nil
	}
}
