package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/protocol"
)

// Handler serves the long-poll side of the comet protocol. Each transport id
// maps to a session holding one Endpoint; sessions are created by a request
// with "isNew" set and expire after SessionTTL without traffic.
type Handler struct {
	config     HandlerConfig
	factory    EndpointFactory
	clock      clock.Clock
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	createMu sync.Mutex
	sessions *expirable.LRU[string, *session]
	live     atomic.Int64
}

// NewHandler creates a Handler whose sessions get their endpoint from factory
func NewHandler(factory EndpointFactory, config HandlerConfig, opts ...Option) (*Handler, error) {
	if factory == nil {
		return nil, fmt.Errorf("endpoint factory is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	h := &Handler{
		config:     config,
		factory:    factory,
		clock:      o.clock,
		logger:     o.logger.WithFields(logging.String("component", "comet_handler")),
		metrics:    o.metrics,
		tracer:     o.tracer(),
		propagator: o.textMapPropagator(),
	}
	h.sessions = expirable.NewLRU[string, *session](config.MaxSessions, h.evicted, config.SessionTTL)
	return h, nil
}

// Sessions returns the number of live sessions
func (h *Handler) Sessions() int {
	return int(h.live.Load())
}

// Close ends every session
func (h *Handler) Close() error {
	h.sessions.Purge()
	return nil
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	ctx := h.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "comet.serve", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	rep := h.serve(ctx, w, r)

	span.SetAttributes(attribute.Int(observability.AttrStatusCode, rep.status))
	if rep.transportID != "" {
		span.SetAttributes(attribute.String(observability.AttrTransportID, rep.transportID))
	}
	if rep.err != nil {
		span.RecordError(rep.err)
		span.SetStatus(codes.Error, rep.err.Error())
	}
	h.metrics.RecordServerRequest(rep.status, h.clock.Since(start))

	if rep.status >= http.StatusBadRequest {
		msg := http.StatusText(rep.status)
		if rep.err != nil {
			msg = rep.err.Error()
		}
		http.Error(w, msg, rep.status)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if len(rep.body) > 0 {
		w.Header().Set("Content-Type", protocol.ContentType)
	}
	w.WriteHeader(rep.status)
	if len(rep.body) > 0 {
		if _, err := w.Write(rep.body); err != nil {
			h.logger.WithError(err).Debug("Failed to write response", logging.String("transport_id", rep.transportID))
		}
	}
}

type reply struct {
	status      int
	body        []byte
	err         error
	transportID string
}

func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, r *http.Request) reply {
	if !h.isOriginAllowed(r.Header.Get("Origin")) {
		return reply{status: http.StatusForbidden, err: errors.New("origin not allowed")}
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return reply{status: http.StatusMethodNotAllowed}
	}

	req, err := protocol.DecodePollRequest(http.MaxBytesReader(w, r.Body, h.config.MaxRequestBytes))
	if err != nil {
		return reply{status: http.StatusBadRequest, err: err}
	}
	rep := reply{transportID: req.TransportID}
	logger := h.logger.WithFields(logging.String("transport_id", req.TransportID))

	s, status, err := h.session(req)
	if err != nil {
		logger.WithError(err).Debug("Session lookup failed", logging.Int("status", status))
		rep.status, rep.err = status, err
		return rep
	}

	if req.Data != nil {
		if err := s.handleIncoming(req.Data); err != nil {
			logger.WithError(err).Warn("Endpoint rejected request data")
			rep.status, rep.err = statusOf(err, http.StatusBadRequest), err
			return rep
		}
	}

	turn, superseded := s.enter()
	defer s.leave(turn)
	if superseded {
		h.metrics.RecordSessionEvent(observability.SessionSuperseded)
	}

	body, err := s.collect()
	if err != nil {
		logger.WithError(err).Error("Endpoint failed to produce data")
		rep.status, rep.err = http.StatusInternalServerError, err
		return rep
	}
	rep.status = http.StatusOK
	if body != nil {
		rep.body = body
		return rep
	}

	wait := min(req.LongPollDuration(), h.config.MaxLongPoll)
	if wait <= 0 {
		return rep
	}

	timer := h.clock.Timer(wait)
	defer timer.Stop()
	for expired := false; !expired; {
		select {
		case <-s.wake:
		case <-timer.C:
			expired = true
		case <-turn:
			return rep
		case <-s.closed:
			return rep
		case <-ctx.Done():
			return rep
		}

		body, err := s.collect()
		if err != nil {
			logger.WithError(err).Error("Endpoint failed to produce data")
			rep.status, rep.err = http.StatusInternalServerError, err
			return rep
		}
		if body != nil {
			rep.body = body
			return rep
		}
	}
	return rep
}

// session resolves the request's session, creating it for a new transport
func (h *Handler) session(req *protocol.PollRequest) (*session, int, error) {
	tid := req.TransportID

	if req.IsNew {
		h.createMu.Lock()
		defer h.createMu.Unlock()

		if h.sessions.Contains(tid) {
			h.metrics.RecordSessionEvent(observability.SessionConflicted)
			return nil, http.StatusConflict, fmt.Errorf("session %s already exists", tid)
		}

		s := newSession(tid)
		endpoint, err := h.factory(s.signal)
		if err != nil {
			return nil, statusOf(err, http.StatusInternalServerError), fmt.Errorf("create endpoint: %w", err)
		}
		s.endpoint = endpoint

		h.sessions.Add(tid, s)
		h.metrics.SetSessions(int(h.live.Add(1)))
		h.metrics.RecordSessionEvent(observability.SessionCreated)
		h.logger.Debug("Session created", logging.String("transport_id", tid))
		return s, 0, nil
	}

	s, ok := h.sessions.Get(tid)
	if !ok {
		h.metrics.RecordSessionEvent(observability.SessionUnknown)
		return nil, http.StatusGone, fmt.Errorf("session %s is gone", tid)
	}
	// Re-adding restarts the expiry clock.
	h.sessions.Add(tid, s)
	if s.isClosed() {
		return nil, http.StatusGone, fmt.Errorf("session %s is gone", tid)
	}
	return s, 0, nil
}

// evicted runs under the session table's lock and must not call back into it
func (h *Handler) evicted(tid string, s *session) {
	h.metrics.SetSessions(int(h.live.Add(-1)))
	h.metrics.RecordSessionEvent(observability.SessionEvicted)
	if err := s.close(); err != nil {
		h.logger.WithError(err).Warn("Endpoint close failed", logging.String("transport_id", tid))
		return
	}
	h.logger.Debug("Session ended", logging.String("transport_id", tid))
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type session struct {
	id       string
	endpoint Endpoint

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// mu serializes endpoint calls
	mu sync.Mutex

	turnMu sync.Mutex
	turn   chan struct{}
}

func newSession(id string) *session {
	return &session{
		id:     id,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enter makes the caller the session's current request, releasing the
// previous one if it is still waiting
func (s *session) enter() (turn chan struct{}, superseded bool) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turn != nil {
		close(s.turn)
		superseded = true
	}
	s.turn = make(chan struct{})
	return s.turn, superseded
}

func (s *session) leave(turn chan struct{}) {
	s.turnMu.Lock()
	if s.turn == turn {
		s.turn = nil
	}
	s.turnMu.Unlock()
}

func (s *session) handleIncoming(data json.RawMessage) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = NewStatusError(http.StatusInternalServerError, fmt.Errorf("panic in HandleIncoming: %v", r))
		}
	}()
	return s.endpoint.HandleIncoming(data)
}

// collect returns the encoded pending data, or nil when there is none
func (s *session) collect() (body []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in DataToSend: %v", r)
		}
	}()

	data, ok := s.endpoint.DataToSend()
	if !ok || data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.endpoint != nil {
			err = s.endpoint.Close()
		}
	})
	return err
}
