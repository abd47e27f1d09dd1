package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/comet-go/pkg/protocol"
)

func encode(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

// drain returns the mux's pending response as JSON, or "" when there is none
func drain(t *testing.T, m *Mux) string {
	t.Helper()
	data, ok := m.DataToSend()
	if !ok {
		return ""
	}
	return encode(t, data)
}

func newTestMux(t *testing.T) (*Mux, *Router, *atomic.Int32) {
	t.Helper()
	router := NewRouter()
	router.Handle("/echo", EchoFactory)
	var wakes atomic.Int32
	m := NewMux(router, func() { wakes.Add(1) })
	t.Cleanup(func() { _ = m.Close() })
	return m, router, &wakes
}

func TestRouterLookup(t *testing.T) {
	router := NewRouter()
	router.Handle("/chat", EchoFactory)

	factory, path, query, err := router.Lookup("/chat?room=7&user=a")
	require.NoError(t, err)
	assert.NotNil(t, factory)
	assert.Equal(t, "/chat", path)
	assert.Equal(t, "7", query.Get("room"))

	_, _, _, err = router.Lookup("/missing")
	assert.ErrorIs(t, err, ErrNoRoute)

	_, _, _, err = router.Lookup("/chat?%zz")
	assert.Error(t, err)
}

func TestMuxOpenAcksAndReacks(t *testing.T) {
	m, _, wakes := newTestMux(t)

	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"m":[{"u":"/echo","tid":5}]}`)))
	assert.Equal(t, int32(1), wakes.Load())
	assert.JSONEq(t, `{"m":{"a":[5]}}`, drain(t, m))
	assert.Equal(t, "", drain(t, m))
	assert.Equal(t, []protocol.ChannelID{5}, m.Channels())

	// The client repeats opens until it sees the ack.
	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"m":[{"u":"/echo","tid":5}]}`)))
	assert.JSONEq(t, `{"m":{"a":[5]}}`, drain(t, m))
	assert.Equal(t, []protocol.ChannelID{5}, m.Channels())
}

func TestMuxOpenFailures(t *testing.T) {
	m, router, _ := newTestMux(t)
	router.Handle("/broken", func(ChannelRequest) (Endpoint, error) {
		return nil, errors.New("no backend")
	})
	router.Handle("/busy", func(ChannelRequest) (Endpoint, error) {
		return nil, NewStatusError(http.StatusServiceUnavailable, errors.New("busy"))
	})
	router.Handle("/panics", func(ChannelRequest) (Endpoint, error) {
		panic("boom")
	})

	require.NoError(t, m.HandleIncoming(json.RawMessage(
		`{"m":[{"u":"/nowhere","tid":1},{"u":"/broken","tid":2},{"u":"/busy","tid":3},{"u":"/panics","tid":4},{"u":"/echo","tid":5}]}`)))

	assert.JSONEq(t, `{"m":{"a":[5],"1":404,"2":500,"3":503,"4":500}}`, drain(t, m))
	assert.Equal(t, []protocol.ChannelID{5}, m.Channels())
}

func TestMuxFactorySeesTarget(t *testing.T) {
	m, router, _ := newTestMux(t)
	var got ChannelRequest
	router.Handle("/room", func(req ChannelRequest) (Endpoint, error) {
		got = req
		return NewEchoEndpoint(req.Wake), nil
	})

	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"m":[{"u":"/room?name=lobby","tid":9}]}`)))
	assert.Equal(t, protocol.ChannelID(9), got.ID)
	assert.Equal(t, "/room?name=lobby", got.Target)
	assert.Equal(t, "/room", got.Path)
	assert.Equal(t, "lobby", got.Query.Get("name"))
	assert.NotNil(t, got.Wake)
}

func TestMuxRoutesChannelData(t *testing.T) {
	m, _, _ := newTestMux(t)
	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"m":[{"u":"/echo","tid":5},{"u":"/echo","tid":6}]}`)))
	drain(t, m)

	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"5":"a","6":{"x":1}}`)))
	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"5":"b"}`)))
	assert.JSONEq(t, `{"5":["a","b"],"6":[{"x":1}]}`, drain(t, m))
	assert.Equal(t, "", drain(t, m))
}

func TestMuxOpenAndDataInOneRequest(t *testing.T) {
	m, _, _ := newTestMux(t)
	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"m":[{"u":"/echo","tid":5}],"5":"first"}`)))
	assert.JSONEq(t, `{"m":{"a":[5]},"5":["first"]}`, drain(t, m))
}

func TestMuxUnknownChannelIsGone(t *testing.T) {
	m, _, wakes := newTestMux(t)
	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"42":"hello"}`)))
	assert.Equal(t, int32(1), wakes.Load())
	assert.JSONEq(t, `{"m":{"42":410}}`, drain(t, m))
}

type failingEndpoint struct {
	err    error
	closed bool
}

func (f *failingEndpoint) DataToSend() (any, bool) { return nil, false }

func (f *failingEndpoint) HandleIncoming(json.RawMessage) error { return f.err }

func (f *failingEndpoint) Close() error {
	f.closed = true
	return nil
}

func TestMuxHandlerFailureDropsChannel(t *testing.T) {
	m, router, _ := newTestMux(t)
	failing := &failingEndpoint{err: errors.New("handler exploded")}
	router.Handle("/fails", func(ChannelRequest) (Endpoint, error) { return failing, nil })

	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"m":[{"u":"/fails","tid":3},{"u":"/echo","tid":4}]}`)))
	drain(t, m)

	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"3":"x","4":"y"}`)))
	assert.JSONEq(t, `{"m":{"3":500},"4":["y"]}`, drain(t, m))
	assert.True(t, failing.closed)
	assert.Equal(t, []protocol.ChannelID{4}, m.Channels())
}

func TestMuxRejectsMalformedRequests(t *testing.T) {
	m, _, _ := newTestMux(t)

	tests := []struct {
		name string
		data string
	}{
		{"not an object", `[1,2]`},
		{"bad opens", `{"m":{"u":"/echo"}}`},
		{"bad channel key", `{"abc":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.HandleIncoming(json.RawMessage(tt.data))
			require.Error(t, err)
			assert.Equal(t, http.StatusBadRequest, statusOf(err, 0))
		})
	}
}

func TestMuxPrunesFinishedChannels(t *testing.T) {
	m, router, _ := newTestMux(t)
	var ep *ReliableEndpoint
	router.Handle("/reliable", func(req ChannelRequest) (Endpoint, error) {
		ep = NewReliableEndpoint(req.Wake, ReliableHandlers{})
		return ep, nil
	})

	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"m":[{"u":"/reliable","tid":8}]}`)))
	drain(t, m)
	require.NotNil(t, ep)

	require.NoError(t, ep.Close())
	assert.Equal(t, "", drain(t, m))
	assert.Empty(t, m.Channels())
}

func TestMuxCloseClosesChannels(t *testing.T) {
	m, router, _ := newTestMux(t)
	failing := &failingEndpoint{}
	router.Handle("/f", func(ChannelRequest) (Endpoint, error) { return failing, nil })

	require.NoError(t, m.HandleIncoming(json.RawMessage(`{"m":[{"u":"/f","tid":1}]}`)))
	require.NoError(t, m.Close())
	assert.True(t, failing.closed)
	assert.Empty(t, m.Channels())
}
