package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
	"github.com/ajitpratap0/comet-go/pkg/logging"
	"github.com/ajitpratap0/comet-go/pkg/observability"
	"github.com/ajitpratap0/comet-go/pkg/protocol"
)

// Callbacks connect a Poller to the layer above it. Every callback runs on
// the poll loop goroutine, one at a time. Nil members are no-ops.
type Callbacks struct {
	// DataToSend returns the payload of the cycle identified by sendID
	DataToSend func(sendID uint64) (any, bool)
	// HandleIncoming receives a non-empty 2xx body. An error poisons the poller.
	HandleIncoming func(data json.RawMessage) error
	// HandleError is called once when the poller is poisoned
	HandleError func(err error)
	// SendSucceeded reports a 2xx exchange
	SendSucceeded func(sendID uint64)
	// SendFailed reports a transient failure; the payload must be resent
	SendFailed func(sendID uint64)
}

func (c *Callbacks) setDefaults() {
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

// Stats is a snapshot of a Poller's state
type Stats struct {
	TransportID string
	LongPoll    time.Duration
	Cycles      uint64
	InFlight    bool
	Poisoned    bool
}

type cycleResult struct {
	sendID  uint64
	status  int
	body    []byte
	err     error
	started time.Time
	span    trace.Span
}

// Poller drives the request/response cycle against one endpoint. At most one
// request is in flight at any time; StartSend calls made meanwhile are
// folded into a single follow-up cycle.
type Poller struct {
	config     PollerConfig
	callbacks  Callbacks
	client     Doer
	clock      clock.Clock
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	newTID     func() string

	mu      sync.Mutex
	inbox   *queue.Queue
	wake    chan struct{}
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}

	poisoned atomic.Bool

	statsMu sync.Mutex
	stats   Stats

	// Owned by the loop goroutine.
	results     chan cycleResult
	cycle       uint64
	isNew       bool
	transportID string
	longPoll    time.Duration
	inFlight    bool
	followUp    bool
	followUpAt  time.Time
	immediate   bool
	timer       *clock.Timer
	timerC      <-chan time.Time
	deadline    time.Time
}

// NewPoller creates a Poller. It does nothing until Start is called and a
// send is requested.
func NewPoller(config PollerConfig, callbacks Callbacks, opts ...Option) (*Poller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = &http.Client{}
	}
	callbacks.setDefaults()

	p := &Poller{
		config:     config,
		callbacks:  callbacks,
		client:     o.client,
		clock:      o.clock,
		logger:     o.logger.WithFields(logging.String("component", "poller"), logging.String("endpoint", config.Endpoint)),
		metrics:    o.metrics,
		tracer:     o.tracer(),
		propagator: o.textMapPropagator(),
		newTID:     o.newTransportID,
		inbox:      queue.New(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		results:    make(chan cycleResult, 1),
		isNew:      true,
		longPoll:   config.InitialLongPoll,
	}
	p.stats.LongPoll = p.longPoll
	return p, nil
}

// Config returns the configuration the poller was created with
func (p *Poller) Config() PollerConfig {
	return p.config
}

// Start launches the poll loop. It returns immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("poller already started")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.group.Go(func() error {
		defer close(p.done)
		return p.run(ctx)
	})

	p.logger.Debug("Poller started")
	return nil
}

// Stop cancels the loop and any in-flight exchange and waits for them
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cancel()
	group := p.group
	p.mu.Unlock()

	waited := make(chan error, 1)
	go func() { waited <- group.Wait() }()

	select {
	case err := <-waited:
		p.logger.Debug("Poller stopped")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poisoned reports whether a fatal error stopped the poller
func (p *Poller) Poisoned() bool {
	return p.poisoned.Load()
}

// Stats returns a snapshot of the poller state
func (p *Poller) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Submit queues fn to run on the poll loop
func (p *Poller) Submit(fn func()) {
	p.mu.Lock()
	p.inbox.Add(fn)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the poll loop and waits for it to return
func (p *Poller) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	p.Submit(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-p.done:
		select {
		case <-finished:
			return nil
		default:
		}
		return cometerrors.TransportNotActive(p.config.Endpoint)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartSend requests a poll cycle after delay. UseDefaultDelay (or any
// negative value) selects SendDelay.
func (p *Poller) StartSend(delay time.Duration) error {
	if p.poisoned.Load() {
		return cometerrors.TransportPoisoned(p.config.Endpoint)
	}
	if delay < 0 {
		delay = p.config.SendDelay
	}
	p.Submit(func() { p.schedule(delay) })
	return nil
}

func (p *Poller) run(ctx context.Context) error {
	defer p.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			p.drain()
		case <-p.timerC:
			p.timer = nil
			p.timerC = nil
			p.immediate = true
		case res := <-p.results:
			p.finishCycle(res)
		}

		if p.immediate && !p.inFlight && !p.poisoned.Load() {
			p.immediate = false
			p.beginCycle(ctx)
		}
	}
}

func (p *Poller) drain() {
	for {
		p.mu.Lock()
		if p.inbox.Length() == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.inbox.Remove().(func())
		p.mu.Unlock()

		p.protect("submitted", fn)
	}
}

// protect runs fn, turning a panic into a logged error
func (p *Poller) protect(what string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", what, r)
			p.logger.Error("Recovered panic on poll loop", logging.String("callback", what), logging.Any("panic", r))
		}
	}()
	fn()
	return nil
}

func (p *Poller) schedule(delay time.Duration) {
	if p.poisoned.Load() {
		return
	}
	at := p.clock.Now().Add(delay)
	if p.inFlight {
		if !p.followUp || at.Before(p.followUpAt) {
			p.followUpAt = at
		}
		p.followUp = true
		return
	}
	p.armAt(at)
}

func (p *Poller) armAt(at time.Time) {
	now := p.clock.Now()
	if !at.After(now) {
		p.stopTimer()
		p.immediate = true
		return
	}
	if p.immediate {
		return
	}
	if p.timer != nil && !at.Before(p.deadline) {
		return
	}
	p.stopTimer()
	p.deadline = at
	p.timer = p.clock.Timer(at.Sub(now))
	p.timerC = p.timer.C
}

func (p *Poller) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
		p.timerC = nil
	}
}

func (p *Poller) beginCycle(ctx context.Context) {
	p.cycle++
	sendID := p.cycle

	var (
		data any
		ok   bool
	)
	if err := p.protect("DataToSend", func() { data, ok = p.callbacks.DataToSend(sendID) }); err != nil {
		p.poison(cometerrors.Internal("collect outgoing data", err))
		return
	}
	if !ok {
		data = nil
	}

	// A transient retry keeps its id so the server can still match a session
	// the lost response may have created; a 409 clears it.
	if p.isNew && p.transportID == "" {
		p.transportID = p.newTID()
	}

	req, err := protocol.NewPollRequest(p.transportID, p.isNew, p.longPoll, data)
	if err != nil {
		p.poison(cometerrors.Internal("encode poll request", err))
		return
	}
	body, err := json.Marshal(req)
	if err != nil {
		p.poison(cometerrors.Internal("encode poll request", err))
		return
	}

	spanCtx, span := p.tracer.Start(ctx, "comet.poll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(observability.AttrOperation, "poll"),
			attribute.String(observability.AttrTransportID, p.transportID),
			attribute.Int64(observability.AttrSendID, int64(sendID)),
			attribute.Int64(observability.AttrLongPollMS, req.LongPoll),
			attribute.Bool(observability.AttrIsNew, req.IsNew),
		),
	)

	p.inFlight = true
	p.updateStats()

	p.logger.Debug("Poll cycle started",
		logging.Uint64("send_id", sendID),
		logging.String("transport_id", p.transportID),
		logging.Bool("is_new", req.IsNew),
		logging.Duration("long_poll", p.longPoll),
		logging.Bool("has_data", req.Data != nil),
	)

	started := p.clock.Now()
	p.group.Go(func() error {
		res := p.exchange(spanCtx, body)
		res.sendID = sendID
		res.started = started
		res.span = span

		select {
		case p.results <- res:
		case <-ctx.Done():
			span.End()
		}
		return nil
	})
}

// exchange performs the HTTP request. It runs off the loop goroutine and
// touches no loop state.
func (p *Poller) exchange(ctx context.Context, body []byte) cycleResult {
	ctx, cancel := context.WithTimeout(ctx, p.config.requestTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return cycleResult{err: err}
	}
	httpReq.Header.Set("Content-Type", protocol.ContentType)
	for key, value := range p.config.Headers {
		httpReq.Header.Set(key, value)
	}
	p.propagator.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return cycleResult{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.config.maxResponseBytes()))
	if err != nil {
		return cycleResult{status: resp.StatusCode, err: err}
	}
	return cycleResult{status: resp.StatusCode, body: data}
}

func (p *Poller) finishCycle(res cycleResult) {
	p.inFlight = false
	duration := p.clock.Since(res.started)
	span := res.span
	defer span.End()
	span.SetAttributes(attribute.Int(observability.AttrStatusCode, res.status))

	switch {
	case res.err == nil && res.status >= 200 && res.status <= 299:
		p.handleSuccess(res, span, duration)
	case res.err == nil && res.status == http.StatusConflict:
		p.isNew = true
		p.record(span, observability.OutcomeConflict, duration)
		p.logger.WithError(cometerrors.SessionConflict(p.config.Endpoint, p.transportID)).
			Info("Session rejected, starting a new one", logging.Uint64("send_id", res.sendID))
		p.transportID = ""
		p.next(0)
	case res.err == nil && res.status >= 400 && res.status <= 599:
		p.record(span, observability.OutcomeFatal, duration)
		err := cometerrors.TransportDropped(p.config.Endpoint, res.status, truncate(res.body, 512)).
			WithContext(p.errContext("poll", res.sendID))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.poison(err)
	default:
		p.longPoll = p.config.BaselineLongPoll
		p.record(span, observability.OutcomeTransient, duration)
		err := cometerrors.PollTransient(p.config.Endpoint, res.status, p.config.RetryDelay, res.err)
		span.RecordError(err)
		p.logger.WithError(err).Warn("Poll cycle failed, retrying",
			logging.Uint64("send_id", res.sendID), logging.Duration("retry_delay", p.config.RetryDelay))
		p.next(p.config.RetryDelay)
		_ = p.protect("SendFailed", func() { p.callbacks.SendFailed(res.sendID) })
	}
	p.updateStats()
}

func (p *Poller) handleSuccess(res cycleResult, span trace.Span, duration time.Duration) {
	p.isNew = false

	if len(bytes.TrimSpace(res.body)) > 0 {
		if !json.Valid(res.body) {
			p.record(span, observability.OutcomeMalformed, duration)
			err := cometerrors.MalformedResponse(p.config.Endpoint, errors.New("invalid JSON body")).
				WithContext(p.errContext("decode", res.sendID))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.poison(err)
			return
		}

		var handlerErr error
		if err := p.protect("HandleIncoming", func() { handlerErr = p.callbacks.HandleIncoming(json.RawMessage(res.body)) }); err != nil {
			handlerErr = err
		}
		if handlerErr != nil {
			p.record(span, observability.OutcomeMalformed, duration)
			err := cometerrors.MalformedResponse(p.config.Endpoint, handlerErr).
				WithContext(p.errContext("dispatch", res.sendID))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.poison(err)
			return
		}
	}

	p.longPoll *= 2
	if p.longPoll > p.config.MaxLongPoll {
		p.longPoll = p.config.MaxLongPoll
	}
	if p.longPoll <= 0 {
		p.longPoll = p.config.BaselineLongPoll
	}
	p.record(span, observability.OutcomeSuccess, duration)
	p.next(0)
	p.updateStats()

	_ = p.protect("SendSucceeded", func() { p.callbacks.SendSucceeded(res.sendID) })
}

// next schedules the cycle after a completed one. A StartSend that arrived
// while the request was in flight wins over the outcome's own delay.
func (p *Poller) next(delay time.Duration) {
	if p.followUp {
		p.followUp = false
		p.armAt(p.followUpAt)
		return
	}
	p.armAt(p.clock.Now().Add(delay))
}

func (p *Poller) poison(err error) {
	if !p.poisoned.CompareAndSwap(false, true) {
		return
	}
	p.stopTimer()
	p.immediate = false
	p.followUp = false
	p.updateStats()
	p.metrics.RecordPoisoned()

	p.logger.WithError(err).Error("Poller stopped permanently")
	_ = p.protect("HandleError", func() { p.callbacks.HandleError(err) })
}

func (p *Poller) record(span trace.Span, outcome string, duration time.Duration) {
	span.SetAttributes(observability.OutcomeAttr(outcome))
	p.metrics.RecordPoll(outcome, duration)
	p.metrics.SetLongPoll(p.longPoll)
}

func (p *Poller) errContext(operation string, sendID uint64) *cometerrors.Context {
	return &cometerrors.Context{
		TransportID: p.transportID,
		SendID:      sendID,
		Component:   "poller",
		Operation:   operation,
		Timestamp:   p.clock.Now(),
	}
}

func (p *Poller) updateStats() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats = Stats{
		TransportID: p.transportID,
		LongPoll:    p.longPoll,
		Cycles:      p.cycle,
		InFlight:    p.inFlight,
		Poisoned:    p.poisoned.Load(),
	}
}

func truncate(body []byte, n int) string {
	if len(body) > n {
		return string(body[:n])
	}
	return string(body)
}
