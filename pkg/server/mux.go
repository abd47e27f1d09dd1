package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/protocol"
)

// ChannelRequest describes a channel a client asked to open
type ChannelRequest struct {
	ID protocol.ChannelID
	// Target is the target exactly as the client sent it
	Target string
	// Path and Query are Target split at its first '?'
	Path  string
	Query url.Values
	// Wake signals that the channel has data
	Wake Waker
}

// ChannelFactory creates the endpoint behind a channel. Returning a
// StatusError selects the status reported to the client; any other error is
// reported as 500.
type ChannelFactory func(req ChannelRequest) (Endpoint, error)

// ErrNoRoute is returned by Router.Lookup for unknown targets
var ErrNoRoute = errors.New("no route for target")

// Router maps channel target paths to factories
type Router struct {
	mu     sync.RWMutex
	routes map[string]ChannelFactory
}

// NewRouter creates an empty Router
func NewRouter() *Router {
	return &Router{routes: make(map[string]ChannelFactory)}
}

// Handle registers factory for path, replacing any previous one
func (r *Router) Handle(path string, factory ChannelFactory) {
	r.mu.Lock()
	r.routes[path] = factory
	r.mu.Unlock()
}

// Lookup finds the factory for target, ignoring its query string
func (r *Router) Lookup(target string) (ChannelFactory, string, url.Values, error) {
	path, rawQuery, _ := strings.Cut(target, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, path, nil, fmt.Errorf("invalid query in target %q: %w", target, err)
	}

	r.mu.RLock()
	factory, ok := r.routes[path]
	r.mu.RUnlock()
	if !ok {
		return nil, path, query, fmt.Errorf("%w %q", ErrNoRoute, path)
	}
	return factory, path, query, nil
}

// Mux is the server side of a multiplexer: one session endpoint hosting the
// channels the client opens through the "m" control key.
type Mux struct {
	router *Router
	wake   Waker
	logger logging.Logger

	mu       sync.Mutex
	channels map[protocol.ChannelID]Endpoint
	acks     map[protocol.ChannelID]struct{}
	errors   map[protocol.ChannelID]int
}

// NewMuxFactory returns an EndpointFactory creating a Mux per session
func NewMuxFactory(router *Router, opts ...Option) EndpointFactory {
	return func(wake Waker) (Endpoint, error) {
		return NewMux(router, wake, opts...), nil
	}
}

// NewMux creates a Mux routing opens through router
func NewMux(router *Router, wake Waker, opts ...Option) *Mux {
	o := applyOptions(opts)
	if wake == nil {
		wake = func() {}
	}
	return &Mux{
		router:   router,
		wake:     wake,
		logger:   o.logger.WithFields(logging.String("component", "comet_mux")),
		channels: make(map[protocol.ChannelID]Endpoint),
		acks:     make(map[protocol.ChannelID]struct{}),
		errors:   make(map[protocol.ChannelID]int),
	}
}

// Channels returns the ids of the open channels
func (m *Mux) Channels() []protocol.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]protocol.ChannelID, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HandleIncoming implements Endpoint
func (m *Mux) HandleIncoming(data json.RawMessage) error {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return NewStatusError(http.StatusBadRequest, fmt.Errorf("request data is not an object: %w", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	notify := false
	if raw, ok := entries[protocol.KeyControl]; ok {
		var opens []protocol.OpenRequest
		if err := json.Unmarshal(raw, &opens); err != nil {
			return NewStatusError(http.StatusBadRequest, fmt.Errorf("invalid open requests: %w", err))
		}
		for _, open := range opens {
			m.open(open)
		}
		notify = len(opens) > 0
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
			return NewStatusError(http.StatusBadRequest, err)
		}
		ch, ok := m.channels[id]
		if !ok {
			m.errors[id] = http.StatusGone
			notify = true
			continue
		}
		if err := deliver(ch, entries[key]); err != nil {
			status := statusOf(err, http.StatusInternalServerError)
			m.logger.WithError(err).Warn("Channel failed to handle data",
				logging.String("channel_id", key), logging.Int("status", status))
			m.drop(id, status)
			notify = true
		}
	}

	if notify {
		m.wake()
	}
	return nil
}

func (m *Mux) open(req protocol.OpenRequest) {
	if _, ok := m.channels[req.ChannelID]; ok {
		m.acks[req.ChannelID] = struct{}{}
		return
	}
	logger := m.logger.WithFields(
		logging.String("channel_id", req.ChannelID.String()),
		logging.String("target", req.Target),
	)

	factory, path, query, err := m.router.Lookup(req.Target)
	if err != nil {
		logger.WithError(err).Info("Rejected channel open")
		m.errors[req.ChannelID] = http.StatusNotFound
		return
	}

	endpoint, err := func() (ep Endpoint, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in channel factory: %v", r)
			}
		}()
		return factory(ChannelRequest{
			ID:     req.ChannelID,
			Target: req.Target,
			Path:   path,
			Query:  query,
			Wake:   m.wake,
		})
	}()
	if err != nil || endpoint == nil {
		status := statusOf(err, http.StatusInternalServerError)
		logger.WithError(err).Warn("Channel factory failed", logging.Int("status", status))
		m.errors[req.ChannelID] = status
		return
	}

	m.channels[req.ChannelID] = endpoint
	m.acks[req.ChannelID] = struct{}{}
	delete(m.errors, req.ChannelID)
	logger.Debug("Channel opened")
}

// drop closes a failed channel and queues its error status
func (m *Mux) drop(id protocol.ChannelID, status int) {
	if ch, ok := m.channels[id]; ok {
		delete(m.channels, id)
		if err := ch.Close(); err != nil {
			m.logger.WithError(err).Debug("Channel close failed", logging.String("channel_id", id.String()))
		}
	}
	delete(m.acks, id)
	m.errors[id] = status
}

// DataToSend implements Endpoint
func (m *Mux) DataToSend() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]any)

	ids := make([]protocol.ChannelID, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		ch := m.channels[id]
		data, ok, err := collect(ch)
		if err != nil {
			m.logger.WithError(err).Error("Channel failed to produce data", logging.String("channel_id", id.String()))
			m.drop(id, http.StatusInternalServerError)
			continue
		}
		if ok && data != nil {
			out[id.String()] = data
		}
		if f, isFinisher := ch.(Finisher); isFinisher && f.Finished() {
			delete(m.channels, id)
			m.logger.Debug("Channel finished", logging.String("channel_id", id.String()))
		}
	}

	if len(m.acks) > 0 || len(m.errors) > 0 {
		control := protocol.ControlBlock{}
		for id := range m.acks {
			control.Acks = append(control.Acks, id)
		}
		sort.Slice(control.Acks, func(i, j int) bool { return control.Acks[i] < control.Acks[j] })
		if len(m.errors) > 0 {
			control.Errors = m.errors
			m.errors = make(map[protocol.ChannelID]int)
		}
		m.acks = make(map[protocol.ChannelID]struct{})
		out[protocol.KeyControl] = control
	}

	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Close implements Endpoint and closes every channel
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, ch := range m.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", id, err))
		}
	}
	m.channels = make(map[protocol.ChannelID]Endpoint)
	return errors.Join(errs...)
}

func deliver(ep Endpoint, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in HandleIncoming: %v", r)
		}
	}()
	return ep.HandleIncoming(data)
}

func collect(ep Endpoint) (data any, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in DataToSend: %v", r)
		}
	}()
	data, ok = ep.DataToSend()
	return data, ok, nil
}
