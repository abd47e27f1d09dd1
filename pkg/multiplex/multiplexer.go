package multiplex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/protocol"
	"github.com/ajitpratap0/comet-go/pkg/transport"
)

// Multiplexer shares one Poller among many logical channels. It is the
// poller's Callbacks: every poll carries the open requests of channels the
// server has not acknowledged yet plus each channel's own payload, and every
// response is split back out by channel id.
type Multiplexer struct {
	poller  *transport.Poller
	logger  logging.Logger
	metrics *observability.Metrics

	newID         func() uint32
	maxIDAttempts int

	idMu     sync.Mutex
	reserved map[protocol.ChannelID]struct{}

	// Owned by the poll loop.
	channels map[protocol.ChannelID]*Channel
	unacked  map[protocol.ChannelID]*Channel
}

// Snapshot describes the registries at one point of the poll loop
type Snapshot struct {
	Channels []protocol.ChannelID
	Unacked  []protocol.ChannelID
}

// New creates a Multiplexer and the Poller it drives
func New(config transport.PollerConfig, opts ...Option) (*Multiplexer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	m := &Multiplexer{
		logger:        o.logger.WithFields(logging.String("component", "multiplexer")),
		metrics:       o.metrics,
		newID:         o.newID,
		maxIDAttempts: o.maxIDAttempts,
		reserved:      make(map[protocol.ChannelID]struct{}),
		channels:      make(map[protocol.ChannelID]*Channel),
		unacked:       make(map[protocol.ChannelID]*Channel),
	}

	transportOpts := append([]transport.Option{
		transport.WithLogger(o.logger),
		transport.WithMetrics(o.metrics),
	}, o.transportOpts...)

	poller, err := transport.NewPoller(config, transport.Callbacks{
		DataToSend:     m.dataToSend,
		HandleIncoming: m.handleIncoming,
		HandleError:    m.handleError,
		SendSucceeded:  m.sendSucceeded,
		SendFailed:     m.sendFailed,
	}, transportOpts...)
	if err != nil {
		return nil, err
	}
	m.poller = poller
	return m, nil
}

// Start starts the underlying poller
func (m *Multiplexer) Start(ctx context.Context) error {
	return m.poller.Start(ctx)
}

// Stop stops the underlying poller
func (m *Multiplexer) Stop(ctx context.Context) error {
	return m.poller.Stop(ctx)
}

// Poller returns the poller carrying this multiplexer's channels
func (m *Multiplexer) Poller() *transport.Poller {
	return m.poller
}

// Endpoint returns the URL the poller talks to
func (m *Multiplexer) Endpoint() string {
	return m.poller.Config().Endpoint
}

// Create registers a new channel bound to target. The open request rides on
// the next poll, which Create schedules with the default send delay.
func (m *Multiplexer) Create(target string, callbacks ChannelCallbacks) (*Channel, error) {
	return m.CreateFunc(target, func(*Channel) ChannelCallbacks { return callbacks })
}

// CreateFunc is Create for callers whose callbacks need the channel itself.
// build runs before the channel is registered, so the callbacks never see a
// half-initialized owner.
func (m *Multiplexer) CreateFunc(target string, build func(ch *Channel) ChannelCallbacks) (*Channel, error) {
	if target == "" {
		return nil, cometerrors.InvalidConfig("channel", "target", "is required")
	}
	if m.poller.Poisoned() {
		return nil, cometerrors.TransportPoisoned(m.Endpoint())
	}

	id, err := m.reserveID()
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		mux:    m,
		id:     id,
		target: target,
	}
	ch.callbacks = build(ch)
	ch.callbacks.setDefaults()

	m.poller.Submit(func() { m.register(ch) })
	if err := m.poller.StartSend(transport.UseDefaultDelay); err != nil {
		m.logger.WithError(err).Warn("Channel created on a stopped poller", logging.String("channel_id", id.String()))
	}
	return ch, nil
}

// Snapshot returns the registered and unacknowledged channel ids
func (m *Multiplexer) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := m.poller.Do(ctx, func() {
		snap.Channels = sortedIDs(m.channels)
		snap.Unacked = sortedIDs(m.unacked)
	})
	return snap, err
}

func (m *Multiplexer) reserveID() (protocol.ChannelID, error) {
	m.idMu.Lock()
	defer m.idMu.Unlock()

	for i := 0; i < m.maxIDAttempts; i++ {
		id := protocol.ChannelID(m.newID())
		if id == 0 {
			continue
		}
		if _, taken := m.reserved[id]; taken {
			continue
		}
		m.reserved[id] = struct{}{}
		return id, nil
	}
	return 0, cometerrors.ChannelIDExhausted(m.maxIDAttempts)
}

func (m *Multiplexer) releaseID(id protocol.ChannelID) {
	m.idMu.Lock()
	delete(m.reserved, id)
	m.idMu.Unlock()
}

func (m *Multiplexer) register(ch *Channel) {
	if ch.disconnected.Load() {
		m.releaseID(ch.id)
		return
	}
	m.channels[ch.id] = ch
	m.unacked[ch.id] = ch
	m.metrics.AddChannels(1)

	m.logger.Debug("Channel registered",
		logging.String("channel_id", ch.id.String()),
		logging.String("target", ch.target),
	)
}

// remove drops ch from both registries. It reports whether ch was registered.
func (m *Multiplexer) remove(ch *Channel) bool {
	if m.channels[ch.id] != ch {
		return false
	}
	delete(m.channels, ch.id)
	delete(m.unacked, ch.id)
	m.releaseID(ch.id)
	m.metrics.AddChannels(-1)
	return true
}

// ordered returns the registered channels by ascending id
func (m *Multiplexer) ordered() []*Channel {
	out := make([]*Channel, 0, len(m.channels))
	for _, id := range sortedIDs(m.channels) {
		out = append(out, m.channels[id])
	}
	return out
}

func (m *Multiplexer) dataToSend(sendID uint64) (any, bool) {
	out := make(map[string]any)

	if len(m.unacked) > 0 {
		opens := make([]protocol.OpenRequest, 0, len(m.unacked))
		for _, id := range sortedIDs(m.unacked) {
			opens = append(opens, protocol.OpenRequest{Target: m.unacked[id].target, ChannelID: id})
		}
		out[protocol.KeyControl] = opens
	}

	for _, ch := range m.ordered() {
		var (
			data any
			ok   bool
		)
		m.guard(ch, "DataToSend", func() error {
			data, ok = ch.callbacks.DataToSend(sendID)
			return nil
		})
		if ok && data != nil {
			out[ch.id.String()] = data
		}
	}

	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func (m *Multiplexer) handleIncoming(data json.RawMessage) error {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("response is not an object: %w", err)
	}

	if raw, ok := entries[protocol.KeyControl]; ok {
		var control protocol.ControlBlock
		if err := json.Unmarshal(raw, &control); err != nil {
			return fmt.Errorf("invalid control block: %w", err)
		}
		m.applyControl(&control)
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		if key != protocol.KeyControl {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		id, err := protocol.ParseChannelID(key)
		if err != nil {
			m.logger.Warn("Ignoring response entry with invalid channel id", logging.String("key", key))
			continue
		}
		ch, ok := m.channels[id]
		if !ok {
			m.logger.Debug("Dropping data for unknown channel", logging.String("channel_id", key))
			continue
		}
		payload := entries[key]
		m.guard(ch, "HandleIncoming", func() error {
			if err := ch.callbacks.HandleIncoming(payload); err != nil {
				if cometerrors.IsCometError(err) {
					return err
				}
				return cometerrors.MalformedFrame(ch.id.String(), err)
			}
			return nil
		})
	}
	return nil
}

func (m *Multiplexer) applyControl(control *protocol.ControlBlock) {
	for _, id := range control.Acks {
		if _, ok := m.unacked[id]; ok {
			delete(m.unacked, id)
			m.logger.Debug("Channel open acknowledged", logging.String("channel_id", id.String()))
		}
	}

	ids := make([]protocol.ChannelID, 0, len(control.Errors))
	for id := range control.Errors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		status := control.Errors[id]
		m.metrics.RecordChannelError(status)

		ch, ok := m.channels[id]
		if !ok {
			continue
		}
		ch.disconnected.Store(true)
		m.remove(ch)

		err := cometerrors.ChannelRejected(id.String(), ch.target, status)
		m.logger.WithError(err).Info("Channel dropped by server", logging.Int("status", status))
		m.report(ch, err)
	}
}

func (m *Multiplexer) handleError(err error) {
	for _, ch := range m.ordered() {
		m.report(ch, err)
	}
}

func (m *Multiplexer) sendSucceeded(sendID uint64) {
	for _, ch := range m.ordered() {
		m.guard(ch, "SendSucceeded", func() error {
			ch.callbacks.SendSucceeded(sendID)
			return nil
		})
	}
}

func (m *Multiplexer) sendFailed(sendID uint64) {
	for _, ch := range m.ordered() {
		m.guard(ch, "SendFailed", func() error {
			ch.callbacks.SendFailed(sendID)
			return nil
		})
	}
}

// guard runs a channel callback. Errors and panics go to that channel's
// error callback only, so one channel cannot take down the others.
func (m *Multiplexer) guard(ch *Channel, what string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = cometerrors.HandlerFault(ch.id.String(), -1, fmt.Errorf("panic in %s: %v", what, r))
			}
		}()
		return fn()
	}()
	if err != nil {
		m.report(ch, err)
	}
}

func (m *Multiplexer) report(ch *Channel, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Channel error callback panicked",
				logging.String("channel_id", ch.id.String()), logging.Any("panic", r))
		}
	}()
	ch.callbacks.HandleError(err)
}

func sortedIDs(set map[protocol.ChannelID]*Channel) []protocol.ChannelID {
	ids := make([]protocol.ChannelID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
