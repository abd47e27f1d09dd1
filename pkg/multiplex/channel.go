package multiplex

import (
	"encoding/json"
	"sync/atomic"
	"time"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
	"github.com/ajitpratap0/comet-go/pkg/protocol"
)

// ChannelCallbacks connect a channel to the layer above it. They run on the
// poll loop, like transport.Callbacks. Nil members are no-ops.
type ChannelCallbacks struct {
	// DataToSend returns this channel's payload for the poll identified by sendID
	DataToSend func(sendID uint64) (any, bool)
	// HandleIncoming receives the payload addressed to this channel
	HandleIncoming func(data json.RawMessage) error
	// HandleError receives poller errors, server rejections and handler faults
	HandleError func(err error)
	// SendSucceeded and SendFailed mirror the poller's send outcome
	SendSucceeded func(sendID uint64)
	SendFailed    func(sendID uint64)
}

func (c *ChannelCallbacks) setDefaults() {
	if c.DataToSend == nil {
		c.DataToSend = func(uint64) (any, bool) { return nil, false }
	}
	if c.HandleIncoming == nil {
		c.HandleIncoming = func(json.RawMessage) error { return nil }
	}
	if c.HandleError == nil {
		c.HandleError = func(error) {}
	}
	if c.SendSucceeded == nil {
		c.SendSucceeded = func(uint64) {}
	}
	if c.SendFailed == nil {
		c.SendFailed = func(uint64) {}
	}
}

// Channel is one logical stream on a Multiplexer
type Channel struct {
	mux          *Multiplexer
	id           protocol.ChannelID
	target       string
	callbacks    ChannelCallbacks
	disconnected atomic.Bool
}

// ID returns the channel id
func (c *Channel) ID() protocol.ChannelID {
	return c.id
}

// Target returns the target the channel was opened against
func (c *Channel) Target() string {
	return c.target
}

// Multiplexer returns the multiplexer carrying the channel
func (c *Channel) Multiplexer() *Multiplexer {
	return c.mux
}

// Disconnected reports whether the channel was unregistered or dropped by
// the server
func (c *Channel) Disconnected() bool {
	return c.disconnected.Load()
}

// StartSend requests a poll within delay
func (c *Channel) StartSend(delay time.Duration) error {
	if c.disconnected.Load() {
		return cometerrors.ChannelDisconnected(c.id.String())
	}
	return c.mux.poller.StartSend(delay)
}

// Submit runs fn on the poll loop
func (c *Channel) Submit(fn func()) {
	c.mux.poller.Submit(fn)
}

// Unregister removes the channel. Its callbacks are not called again once
// the removal has reached the poll loop.
func (c *Channel) Unregister() {
	if c.disconnected.Swap(true) {
		return
	}
	c.mux.poller.Submit(func() { c.mux.remove(c) })
}
