package server

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/protocol"
)

// ReliableState is the lifecycle state of a ReliableEndpoint
type ReliableState int32

const (
	// ReliableConnected accepts Send
	ReliableConnected ReliableState = iota
	// ReliableStartingToDisconnect means a close was requested and the end
	// marker has not been sent yet
	ReliableStartingToDisconnect
	// ReliableDisconnectingWaiting means the end marker was sent and the
	// endpoint waits for the client's
	ReliableDisconnectingWaiting
	// ReliableDisconnected is final
	ReliableDisconnected
)

// String returns the state name
func (s ReliableState) String() string {
	switch s {
	case ReliableConnected:
		return "connected"
	case ReliableStartingToDisconnect:
		return "starting_to_disconnect"
	case ReliableDisconnectingWaiting:
		return "disconnecting_waiting"
	case ReliableDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ReliableHandlers receive a ReliableEndpoint's events. nil members are
// no-ops. Handlers run without the endpoint's lock held, so they may call
// Send and Disconnect.
type ReliableHandlers struct {
	// OnData receives each client packet once, in order. Errors are logged.
	OnData func(ep *ReliableEndpoint, data json.RawMessage) error
	// OnDisconnecting fires when the client starts the close handshake
	OnDisconnecting func(ep *ReliableEndpoint)
	// OnEnded fires once when the endpoint reaches ReliableDisconnected
	OnEnded func(ep *ReliableEndpoint)
}

// ReliableEndpoint is the server half of a reliable channel. It resends
// every unacknowledged packet on each response until the client acks it,
// and reassembles client packets by id.
type ReliableEndpoint struct {
	wake     Waker
	handlers ReliableHandlers
	clock    clock.Clock
	logger   logging.Logger
	metrics  *observability.Metrics

	endResendInterval time.Duration

	mu       sync.Mutex
	state    ReliableState
	nextID   protocol.PacketID
	unacked  map[protocol.PacketID]json.RawMessage
	expected protocol.PacketID
	buffered map[protocol.PacketID]json.RawMessage
	lastEnd  time.Time
	ended    bool

	// deliverMu keeps OnData calls in packet order across requests
	deliverMu sync.Mutex
}

// NewReliableEndpoint creates a connected endpoint
func NewReliableEndpoint(wake Waker, handlers ReliableHandlers, opts ...Option) *ReliableEndpoint {
	o := applyOptions(opts)
	if wake == nil {
		wake = func() {}
	}
	return &ReliableEndpoint{
		wake:              wake,
		handlers:          handlers,
		clock:             o.clock,
		logger:            o.logger.WithFields(logging.String("component", "comet_reliable")),
		metrics:           o.metrics,
		endResendInterval: o.endResendInterval,
		unacked:           make(map[protocol.PacketID]json.RawMessage),
		buffered:          make(map[protocol.PacketID]json.RawMessage),
	}
}

// NewReliableFactory returns a ChannelFactory creating a ReliableEndpoint
// per channel
func NewReliableFactory(handlers ReliableHandlers, opts ...Option) ChannelFactory {
	return func(req ChannelRequest) (Endpoint, error) {
		ep := NewReliableEndpoint(req.Wake, handlers, opts...)
		ep.logger = ep.logger.WithFields(
			logging.String("channel_id", req.ID.String()),
			logging.String("target", req.Target),
		)
		return ep, nil
	}
}

// State returns the current state
func (e *ReliableEndpoint) State() ReliableState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Finished implements Finisher
func (e *ReliableEndpoint) Finished() bool {
	return e.State() == ReliableDisconnected
}

// Send queues payload for the client
func (e *ReliableEndpoint) Send(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return cometerrors.Internal("encode packet", err)
	}

	e.mu.Lock()
	if e.state != ReliableConnected {
		state := e.state
		e.mu.Unlock()
		return cometerrors.NotConnected("server", state.String())
	}
	e.unacked[e.nextID] = raw
	e.nextID++
	e.mu.Unlock()

	e.metrics.RecordPackets(observability.PacketSent, 1)
	e.wake()
	return nil
}

// Disconnect starts the close handshake. It is a no-op unless connected.
func (e *ReliableEndpoint) Disconnect() {
	e.mu.Lock()
	if e.state != ReliableConnected {
		e.mu.Unlock()
		return
	}
	e.state = ReliableStartingToDisconnect
	e.mu.Unlock()

	e.logger.Debug("Close requested by server")
	e.wake()
}

// Close implements Endpoint. It ends the endpoint without a handshake.
func (e *ReliableEndpoint) Close() error {
	e.mu.Lock()
	e.state = ReliableDisconnected
	notify := e.markEnded()
	e.mu.Unlock()

	if notify {
		e.fire("OnEnded", func() { e.handlers.OnEnded(e) })
	}
	return nil
}

// markEnded reports whether OnEnded still has to fire. Callers hold mu.
func (e *ReliableEndpoint) markEnded() bool {
	if e.ended {
		return false
	}
	e.ended = true
	return e.handlers.OnEnded != nil
}

// DataToSend implements Endpoint
func (e *ReliableEndpoint) DataToSend() (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case ReliableDisconnected:
		return nil, false
	case ReliableConnected:
		if len(e.unacked) == 0 {
			return nil, false
		}
		return protocol.ServerFrame{Packets: maps.Clone(e.unacked)}, true
	}

	now := e.clock.Now()
	resendEnd := e.state == ReliableStartingToDisconnect || now.Sub(e.lastEnd) >= e.endResendInterval
	if !resendEnd && len(e.unacked) == 0 {
		return nil, false
	}

	frame := protocol.ServerFrame{Packets: maps.Clone(e.unacked)}
	if resendEnd {
		frame.End = true
		e.lastEnd = now
		if e.state == ReliableStartingToDisconnect {
			e.state = ReliableDisconnectingWaiting
		}
	}
	return frame, true
}

// HandleIncoming implements Endpoint
func (e *ReliableEndpoint) HandleIncoming(data json.RawMessage) error {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		// A malformed frame is the client's problem; keep the channel.
		e.logger.WithError(err).Warn("Ignoring malformed reliable frame")
		return nil
	}

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if e.state == ReliableDisconnected {
		e.mu.Unlock()
		return nil
	}
	if frame.Ack != nil {
		for id := range e.unacked {
			if id <= *frame.Ack {
				delete(e.unacked, id)
			}
		}
	}
	for id, payload := range frame.Packets {
		if id < e.expected {
			e.metrics.RecordPackets(observability.PacketDuplicate, 1)
			continue
		}
		e.buffered[id] = payload
	}
	var ready []json.RawMessage
	for {
		payload, ok := e.buffered[e.expected]
		if !ok {
			break
		}
		delete(e.buffered, e.expected)
		ready = append(ready, payload)
		e.expected++
	}
	e.mu.Unlock()

	for _, payload := range ready {
		if err := e.onData(payload); err != nil {
			e.metrics.RecordPackets(observability.PacketHandlerFault, 1)
			e.logger.WithError(err).Warn("Reliable data handler failed")
		}
		e.metrics.RecordPackets(observability.PacketDelivered, 1)
	}

	if frame.End {
		e.clientEnded()
	}
	return nil
}

func (e *ReliableEndpoint) clientEnded() {
	e.mu.Lock()
	switch e.state {
	case ReliableConnected:
		e.state = ReliableStartingToDisconnect
		e.mu.Unlock()
		e.logger.Debug("Close requested by client")
		if e.handlers.OnDisconnecting != nil {
			e.fire("OnDisconnecting", func() { e.handlers.OnDisconnecting(e) })
		}
		e.wake()
	case ReliableDisconnectingWaiting:
		if len(e.unacked) > 0 {
			e.mu.Unlock()
			return
		}
		e.state = ReliableDisconnected
		notify := e.markEnded()
		e.mu.Unlock()
		e.logger.Debug("Close handshake complete")
		if notify {
			e.fire("OnEnded", func() { e.handlers.OnEnded(e) })
		}
	default:
		e.mu.Unlock()
	}
}

func (e *ReliableEndpoint) onData(payload json.RawMessage) (err error) {
	if e.handlers.OnData == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in OnData: %v", r)
		}
	}()
	return e.handlers.OnData(e, payload)
}

func (e *ReliableEndpoint) fire(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic in handler", logging.String("handler", what), logging.Any("panic", r))
		}
	}()
	fn()
}
