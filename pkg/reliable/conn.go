package reliable

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/multiplex"
	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/protocol"
)

// Handlers receive a Conn's events. They run on the poll loop; nil members
// are no-ops.
type Handlers struct {
	// OnData receives each packet once, in send order. A returned error is
	// reported through OnError and does not stop delivery.
	OnData func(data json.RawMessage) error
	// OnCloseRequested fires once when the peer starts the close handshake
	OnCloseRequested func()
	// OnClosed fires once when the conn reaches StateDisconnected through
	// the close handshake
	OnClosed func()
	// OnError receives transport failures and handler faults
	OnError func(err error)
	// OnSendSucceeded and OnSendFailed mirror the poller's send outcome
	OnSendSucceeded func(sendID uint64)
	OnSendFailed    func(sendID uint64)
}

func (h *Handlers) setDefaults() {
	if h.OnData == nil {
		h.OnData = func(json.RawMessage) error { return nil }
	}
	if h.OnCloseRequested == nil {
		h.OnCloseRequested = func() {}
	}
	if h.OnClosed == nil {
		h.OnClosed = func() {}
	}
	if h.OnError == nil {
		h.OnError = func(error) {}
	}
	if h.OnSendSucceeded == nil {
		h.OnSendSucceeded = func(uint64) {}
	}
	if h.OnSendFailed == nil {
		h.OnSendFailed = func(uint64) {}
	}
}

// Conn is an ordered, at-least-once stream over a multiplexed channel.
//
// Outgoing packets stay buffered until a poll that carried them succeeds and
// are resent whole otherwise. Incoming packets are reassembled by id and
// acknowledged with the id of the last one delivered.
type Conn struct {
	channel  *multiplex.Channel
	handlers Handlers
	logger   logging.Logger
	metrics  *observability.Metrics

	state   atomic.Int32
	closing atomic.Bool

	// Owned by the poll loop.
	loopState    State
	nextSend     protocol.PacketID
	highestSent  protocol.PacketID
	nextExpected protocol.PacketID
	unsent       map[protocol.PacketID]json.RawMessage
	received     map[protocol.PacketID]json.RawMessage
	ack          *protocol.PacketID
	waiting      map[uint64]protocol.PacketID
	endOwed      bool
	endSends     map[uint64]State
	handshaken   bool
}

// Connect opens a reliable conn to target over mux
func Connect(mux *multiplex.Multiplexer, target string, handlers Handlers, opts ...Option) (*Conn, error) {
	o := &options{logger: logging.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	handlers.setDefaults()

	c := &Conn{
		handlers:    handlers,
		metrics:     o.metrics,
		highestSent: -1,
		unsent:      make(map[protocol.PacketID]json.RawMessage),
		received:    make(map[protocol.PacketID]json.RawMessage),
		waiting:     make(map[uint64]protocol.PacketID),
		endSends:    make(map[uint64]State),
	}

	_, err := mux.CreateFunc(target, func(ch *multiplex.Channel) multiplex.ChannelCallbacks {
		c.channel = ch
		c.logger = o.logger.WithFields(
			logging.String("component", "reliable"),
			logging.String("channel_id", ch.ID().String()),
			logging.String("target", target),
		)
		return multiplex.ChannelCallbacks{
			DataToSend:     c.dataToSend,
			HandleIncoming: c.handleIncoming,
			HandleError:    c.handleError,
			SendSucceeded:  c.sendSucceeded,
			SendFailed:     c.sendFailed,
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the id of the underlying channel
func (c *Conn) ID() protocol.ChannelID {
	return c.channel.ID()
}

// State returns the current state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Send queues payload as the next packet and requests a poll within
// maxDelay. A negative maxDelay selects the poller's send delay. The payload
// is encoded once, so every retransmission carries identical bytes.
func (c *Conn) Send(payload any, maxDelay time.Duration) error {
	if state := c.State(); state != StateConnected || c.closing.Load() {
		if state == StateConnected {
			state = StateDisconnecting
		}
		return cometerrors.NotConnected(c.ID().String(), state.String())
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return cometerrors.Internal("encode packet", err)
	}

	c.channel.Submit(func() { c.enqueue(raw) })
	return c.channel.StartSend(maxDelay)
}

// Close starts the close handshake, or completes it when the peer started
// it. It returns immediately.
func (c *Conn) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	c.channel.Submit(c.close)
	if err := c.channel.StartSend(0); err != nil && !cometerrors.IsCode(err, cometerrors.CodeChannelDisconnected) {
		return err
	}
	return nil
}

func (c *Conn) setState(s State) {
	c.loopState = s
	c.state.Store(int32(s))
}

func (c *Conn) enqueue(raw json.RawMessage) {
	if c.loopState != StateConnected {
		c.report(cometerrors.NotConnected(c.ID().String(), c.loopState.String()))
		return
	}
	c.unsent[c.nextSend] = raw
	c.nextSend++
}

func (c *Conn) close() {
	switch c.loopState {
	case StateConnected:
		c.setState(StateDisconnecting)
		c.endOwed = true
		c.logger.Debug("Close requested locally")
	case StateDisconnecting:
		// The peer asked first; our end marker completes the handshake.
		c.setState(StateDisconnected)
		c.endOwed = true
		c.closed()
	}
}

func (c *Conn) closed() {
	c.handshaken = true
	c.logger.Debug("Conn closed")
	c.protect("OnClosed", c.handlers.OnClosed)
}

func (c *Conn) dataToSend(sendID uint64) (any, bool) {
	if c.ack == nil && len(c.unsent) == 0 && !c.endOwed {
		return nil, false
	}

	c.waiting[sendID] = c.nextSend - 1

	frame := protocol.ClientFrame{Ack: c.ack, End: c.endOwed}
	c.ack = nil

	if len(c.unsent) > 0 {
		frame.Packets = maps.Clone(c.unsent)
		fresh, resent := 0, 0
		for id := range c.unsent {
			if id > c.highestSent {
				fresh++
			} else {
				resent++
			}
		}
		c.highestSent = c.nextSend - 1
		c.metrics.RecordPackets(observability.PacketSent, fresh)
		c.metrics.RecordPackets(observability.PacketRetransmitted, resent)
	}
	if frame.End {
		c.endSends[sendID] = c.loopState
	}
	return frame, true
}

func (c *Conn) handleIncoming(data json.RawMessage) error {
	if c.loopState == StateDisconnected && !c.endOwed {
		return nil
	}

	var frame protocol.ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.report(cometerrors.MalformedFrame(c.ID().String(), err))
		return nil
	}
	if len(frame.Skipped) > 0 {
		c.logger.Debug("Ignoring unknown frame keys", logging.Any("keys", frame.Skipped))
	}

	duplicates := 0
	for id, payload := range frame.Packets {
		if id < c.nextExpected {
			duplicates++
			continue
		}
		c.received[id] = payload
	}
	if duplicates > 0 {
		c.metrics.RecordPackets(observability.PacketDuplicate, duplicates)
		// The peer missed our ack; repeat it so it stops resending.
		if c.ack == nil && c.nextExpected > 0 {
			last := c.nextExpected - 1
			c.ack = &last
		}
	}

	c.drain()

	if frame.End {
		c.peerEnded()
	}
	return nil
}

// drain delivers buffered packets in id order, stopping at the first gap
func (c *Conn) drain() {
	for {
		payload, ok := c.received[c.nextExpected]
		if !ok {
			return
		}
		id := c.nextExpected
		delete(c.received, id)

		if err := c.deliver(id, payload); err != nil {
			c.metrics.RecordPackets(observability.PacketHandlerFault, 1)
			c.report(err)
		}
		c.metrics.RecordPackets(observability.PacketDelivered, 1)

		ack := id
		c.ack = &ack
		c.nextExpected++
	}
}

func (c *Conn) deliver(id protocol.PacketID, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cometerrors.HandlerFault(c.ID().String(), int64(id), fmt.Errorf("panic: %v", r))
		}
	}()
	if herr := c.handlers.OnData(payload); herr != nil {
		return cometerrors.HandlerFault(c.ID().String(), int64(id), herr)
	}
	return nil
}

func (c *Conn) peerEnded() {
	switch c.loopState {
	case StateConnected:
		c.setState(StateDisconnecting)
		c.logger.Debug("Close requested by peer")
		c.protect("OnCloseRequested", c.handlers.OnCloseRequested)
	case StateDisconnecting:
		if !c.closing.Load() {
			return
		}
		c.setState(StateDisconnected)
		c.endOwed = true
		c.closed()
	}
}

func (c *Conn) handleError(err error) {
	if cometerrors.IsCode(err, cometerrors.CodeHandlerFault) || cometerrors.IsCode(err, cometerrors.CodeMalformedFrame) {
		c.report(err)
		return
	}
	if c.handshaken && cometerrors.IsCode(err, cometerrors.CodeChannelRejected) {
		// Our last end marker was lost and the peer already released the channel.
		c.endOwed = false
		c.logger.WithError(err).Debug("Channel rejected after close handshake")
		return
	}
	if c.loopState != StateDisconnected {
		c.setState(StateDisconnected)
	}
	c.endOwed = false
	c.report(err)
}

func (c *Conn) sendSucceeded(sendID uint64) {
	if highest, ok := c.waiting[sendID]; ok {
		for id := range c.unsent {
			if id <= highest {
				delete(c.unsent, id)
			}
		}
		for older := range c.waiting {
			if older <= sendID {
				delete(c.waiting, older)
			}
		}
	}

	if state, ok := c.endSends[sendID]; ok && state == c.loopState {
		c.endOwed = false
		if c.loopState == StateDisconnected {
			c.logger.Debug("Close handshake complete, releasing channel")
			c.channel.Unregister()
		}
	}
	for older := range c.endSends {
		if older <= sendID {
			delete(c.endSends, older)
		}
	}

	c.protect("OnSendSucceeded", func() { c.handlers.OnSendSucceeded(sendID) })
}

func (c *Conn) sendFailed(sendID uint64) {
	// Unsent packets stay buffered and ride on the next poll.
	c.protect("OnSendFailed", func() { c.handlers.OnSendFailed(sendID) })
}

func (c *Conn) report(err error) {
	c.protect("OnError", func() { c.handlers.OnError(err) })
}

func (c *Conn) protect(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered panic in handler", logging.String("handler", what), logging.Any("panic", r))
		}
	}()
	fn()
}
