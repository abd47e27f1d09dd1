package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/comet-go/pkg/observability"
)

const waitFor = 2 * time.Second

// stubEndpoint lets a test push data and inspect what the handler did
type stubEndpoint struct {
	wake Waker

	mu       sync.Mutex
	pending  []any
	incoming []string
	err      error

	collects atomic.Int32
	closed   atomic.Bool
}

func (e *stubEndpoint) push(v any) {
	e.mu.Lock()
	e.pending = append(e.pending, v)
	e.mu.Unlock()
	e.wake()
}

func (e *stubEndpoint) DataToSend() (any, bool) {
	e.collects.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil, false
	}
	v := e.pending[0]
	e.pending = e.pending[1:]
	return v, true
}

func (e *stubEndpoint) HandleIncoming(data json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incoming = append(e.incoming, string(data))
	return e.err
}

func (e *stubEndpoint) Close() error {
	e.closed.Store(true)
	return nil
}

// stubFactory records every endpoint it creates
type stubFactory struct {
	mu        sync.Mutex
	endpoints []*stubEndpoint
	err       error
}

func (f *stubFactory) create(wake Waker) (Endpoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	ep := &stubEndpoint{wake: wake}
	f.mu.Lock()
	f.endpoints = append(f.endpoints, ep)
	f.mu.Unlock()
	return ep, nil
}

func (f *stubFactory) last(t *testing.T) *stubEndpoint {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.endpoints)
	return f.endpoints[len(f.endpoints)-1]
}

func testHandlerConfig() HandlerConfig {
	config := DefaultHandlerConfig()
	config.MaxLongPoll = 10 * time.Second
	config.SessionTTL = time.Minute
	return config
}

func newTestHandler(t *testing.T, config HandlerConfig, opts ...Option) (*Handler, *stubFactory) {
	t.Helper()
	factory := &stubFactory{}
	h, err := NewHandler(factory.create, config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, factory
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/comet", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*HandlerConfig)
	}{
		{"zero long poll", func(c *HandlerConfig) { c.MaxLongPoll = 0 }},
		{"ttl not above long poll", func(c *HandlerConfig) { c.SessionTTL = c.MaxLongPoll }},
		{"no sessions", func(c *HandlerConfig) { c.MaxSessions = 0 }},
		{"no body", func(c *HandlerConfig) { c.MaxRequestBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultHandlerConfig()
			tt.modify(&config)
			assert.Error(t, config.Validate())
		})
	}

	config := DefaultHandlerConfig()
	assert.NoError(t, config.Validate())

	_, err := NewHandler(nil, config)
	assert.Error(t, err)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	config := testHandlerConfig()
	config.AllowedOrigins = []string{"https://app.example.com"}
	h, _ := newTestHandler(t, config)

	tests := []struct {
		name   string
		method string
		origin string
		body   string
		status int
	}{
		{"get", http.MethodGet, "", "", http.StatusMethodNotAllowed},
		{"not json", http.MethodPost, "", "{", http.StatusBadRequest},
		{"missing tid", http.MethodPost, "", `{"lp":0}`, http.StatusBadRequest},
		{"missing lp", http.MethodPost, "", `{"tid":"a"}`, http.StatusBadRequest},
		{"negative lp", http.MethodPost, "", `{"tid":"a","lp":-1}`, http.StatusBadRequest},
		{"foreign origin", http.MethodPost, "https://evil.example.com", `{"tid":"a","lp":0,"isNew":true}`, http.StatusForbidden},
		{"allowed origin", http.MethodPost, "https://app.example.com", `{"tid":"a","lp":0,"isNew":true}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/comet", strings.NewReader(tt.body))
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/comet", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHandlerSessionStatuses(t *testing.T) {
	h, factory := newTestHandler(t, testHandlerConfig())

	rec := post(h, `{"tid":"t1","isNew":true,"lp":0,"d":{"hello":1}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 1, h.Sessions())
	assert.Equal(t, []string{`{"hello":1}`}, factory.last(t).incoming)

	rec = post(h, `{"tid":"t1","isNew":true,"lp":0}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(h, `{"tid":"unknown","lp":0}`)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = post(h, `{"tid":"t1","lp":0}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.Sessions())
}

func TestHandlerFactoryFailure(t *testing.T) {
	factory := &stubFactory{err: NewStatusError(http.StatusServiceUnavailable, errors.New("full"))}
	h, err := NewHandler(factory.create, testHandlerConfig())
	require.NoError(t, err)
	defer h.Close()

	rec := post(h, `{"tid":"t1","isNew":true,"lp":0}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, h.Sessions())
}

func TestHandlerEndpointRejectsData(t *testing.T) {
	h, factory := newTestHandler(t, testHandlerConfig())
	require.Equal(t, http.StatusOK, post(h, `{"tid":"t1","isNew":true,"lp":0}`).Code)
	ep := factory.last(t)

	ep.err = errors.New("bad payload")
	assert.Equal(t, http.StatusBadRequest, post(h, `{"tid":"t1","lp":0,"d":1}`).Code)

	ep.err = NewStatusError(http.StatusUnprocessableEntity, errors.New("bad payload"))
	assert.Equal(t, http.StatusUnprocessableEntity, post(h, `{"tid":"t1","lp":0,"d":1}`).Code)
}

func TestHandlerReturnsPendingDataImmediately(t *testing.T) {
	h, factory := newTestHandler(t, testHandlerConfig())
	require.Equal(t, http.StatusOK, post(h, `{"tid":"t1","isNew":true,"lp":0}`).Code)
	factory.last(t).push(map[string]int{"n": 1})

	start := time.Now()
	rec := post(h, `{"tid":"t1","lp":10000}`)
	assert.Less(t, time.Since(start), waitFor)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())
}

func TestHandlerLongPollWaitsForWake(t *testing.T) {
	h, factory := newTestHandler(t, testHandlerConfig())
	require.Equal(t, http.StatusOK, post(h, `{"tid":"t1","isNew":true,"lp":0}`).Code)
	ep := factory.last(t)
	collected := ep.collects.Load()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- post(h, `{"tid":"t1","lp":10000}`) }()

	require.Eventually(t, func() bool { return ep.collects.Load() > collected }, waitFor, time.Millisecond)
	ep.push("late")

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `"late"`, rec.Body.String())
	case <-time.After(waitFor):
		t.Fatal("long poll was not released by the wake signal")
	}
}

func TestHandlerLongPollTimesOut(t *testing.T) {
	config := testHandlerConfig()
	config.MaxLongPoll = 30 * time.Millisecond
	h, _ := newTestHandler(t, config)
	require.Equal(t, http.StatusOK, post(h, `{"tid":"t1","isNew":true,"lp":0}`).Code)

	start := time.Now()
	rec := post(h, `{"tid":"t1","lp":60000}`)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, waitFor)
}

func TestHandlerNewerRequestReleasesWaitingOne(t *testing.T) {
	h, factory := newTestHandler(t, testHandlerConfig())
	require.Equal(t, http.StatusOK, post(h, `{"tid":"t1","isNew":true,"lp":0}`).Code)
	ep := factory.last(t)
	collected := ep.collects.Load()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- post(h, `{"tid":"t1","lp":10000}`) }()
	require.Eventually(t, func() bool { return ep.collects.Load() > collected }, waitFor, time.Millisecond)

	rec := post(h, `{"tid":"t1","lp":0}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case old := <-done:
		assert.Equal(t, http.StatusOK, old.Code)
		assert.Empty(t, old.Body.String())
	case <-time.After(waitFor):
		t.Fatal("superseded request was not released")
	}
}

func TestHandlerCloseEndsSessions(t *testing.T) {
	h, factory := newTestHandler(t, testHandlerConfig())
	require.Equal(t, http.StatusOK, post(h, `{"tid":"t1","isNew":true,"lp":0}`).Code)
	require.Equal(t, http.StatusOK, post(h, `{"tid":"t2","isNew":true,"lp":0}`).Code)

	require.NoError(t, h.Close())
	assert.Equal(t, 0, h.Sessions())
	for _, ep := range factory.endpoints {
		assert.True(t, ep.closed.Load())
	}
	assert.Equal(t, http.StatusGone, post(h, `{"tid":"t1","lp":0}`).Code)
}

func TestHandlerEvictsLeastRecentlyUsed(t *testing.T) {
	config := testHandlerConfig()
	config.MaxSessions = 1
	h, factory := newTestHandler(t, config)

	require.Equal(t, http.StatusOK, post(h, `{"tid":"t1","isNew":true,"lp":0}`).Code)
	first := factory.last(t)
	require.Equal(t, http.StatusOK, post(h, `{"tid":"t2","isNew":true,"lp":0}`).Code)

	assert.True(t, first.closed.Load())
	assert.Equal(t, 1, h.Sessions())
	assert.Equal(t, http.StatusGone, post(h, `{"tid":"t1","lp":0}`).Code)
	assert.Equal(t, http.StatusOK, post(h, `{"tid":"t2","lp":0}`).Code)
}

func TestHandlerExpiresIdleSessions(t *testing.T) {
	config := testHandlerConfig()
	config.MaxLongPoll = 5 * time.Millisecond
	config.SessionTTL = 50 * time.Millisecond
	h, factory := newTestHandler(t, config)

	require.Equal(t, http.StatusOK, post(h, `{"tid":"t1","isNew":true,"lp":0}`).Code)
	ep := factory.last(t)

	require.Eventually(t, ep.closed.Load, waitFor, 5*time.Millisecond)
	assert.Equal(t, http.StatusGone, post(h, `{"tid":"t1","lp":0}`).Code)
}

func TestHandlerMetrics(t *testing.T) {
	metrics, err := observability.NewMetrics(observability.MetricsConfig{})
	require.NoError(t, err)
	h, _ := newTestHandler(t, testHandlerConfig(), WithMetrics(metrics))

	post(h, `{"tid":"t1","isNew":true,"lp":0}`)
	post(h, `{"tid":"t1","isNew":true,"lp":0}`)
	post(h, `{"tid":"nope","lp":0}`)

	count, err := testutil.GatherAndCount(metrics.Registry(), "comet_server_session_events_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count) // created, conflict, unknown

	count, err = testutil.GatherAndCount(metrics.Registry(), "comet_server_request_duration_milliseconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count) // 200, 409, 410
}
