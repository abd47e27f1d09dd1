package multiplex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cometerrors "github.com/ajitpratap0/comet-go/pkg/errors"
	"github.com/ajitpratap0/comet-go/pkg/protocol"
	"github.com/ajitpratap0/comet-go/pkg/transport"
)

const waitFor = 2 * time.Second

type channelLog struct {
	mu        sync.Mutex
	incoming  []string
	errs      []error
	succeeded []uint64
	failed    []uint64

	data     func(sendID uint64) (any, bool)
	incomeFn func(json.RawMessage) error
}

func (l *channelLog) callbacks() ChannelCallbacks {
	return ChannelCallbacks{
		DataToSend: func(sendID uint64) (any, bool) {
			if l.data != nil {
				return l.data(sendID)
			}
			return nil, false
		},
		HandleIncoming: func(data json.RawMessage) error {
			l.mu.Lock()
			l.incoming = append(l.incoming, string(data))
			l.mu.Unlock()
			if l.incomeFn != nil {
				return l.incomeFn(data)
			}
			return nil
		},
		HandleError: func(err error) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		},
		SendSucceeded: func(sendID uint64) {
			l.mu.Lock()
			l.succeeded = append(l.succeeded, sendID)
			l.mu.Unlock()
		},
		SendFailed: func(sendID uint64) {
			l.mu.Lock()
			l.failed = append(l.failed, sendID)
			l.mu.Unlock()
		},
	}
}

func (l *channelLog) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *channelLog) bodies() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.incoming...)
}

func (l *channelLog) outcomes() ([]uint64, []uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.succeeded...), append([]uint64(nil), l.failed...)
}

func idSequence(ids ...uint32) func() uint32 {
	var mu sync.Mutex
	return func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}
}

func newTestMux(t *testing.T, opts ...Option) (*Multiplexer, *transport.ScriptedDoer) {
	t.Helper()
	doer := transport.NewScriptedDoer()
	config := transport.DefaultPollerConfig("http://comet.test/System/Comet/Multiplexer")
	config.SendDelay = time.Millisecond
	config.RetryDelay = 10 * time.Millisecond

	opts = append([]Option{WithTransportOptions(transport.WithHTTPClient(doer))}, opts...)
	m, err := New(config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, doer
}

func start(t *testing.T, m *Multiplexer) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
}

func next(t *testing.T, doer *transport.ScriptedDoer) *transport.PendingExchange {
	t.Helper()
	ex, err := doer.Next(waitFor)
	require.NoError(t, err)
	return ex
}

func snapshot(t *testing.T, m *Multiplexer) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func TestCreateSendsOpenUntilAcknowledged(t *testing.T) {
	m, doer := newTestMux(t, WithIDSource(idSequence(7)))
	ch, err := m.Create("/chat", (&channelLog{}).callbacks())
	require.NoError(t, err)
	assert.Equal(t, protocol.ChannelID(7), ch.ID())
	assert.Equal(t, "/chat", ch.Target())
	start(t, m)

	first := next(t, doer)
	assert.JSONEq(t, `{"m":[{"u":"/chat","tid":7}]}`, string(first.Request.Data))
	first.RespondJSON(`{}`)

	// Still unacknowledged, so the open is repeated.
	second := next(t, doer)
	assert.JSONEq(t, `{"m":[{"u":"/chat","tid":7}]}`, string(second.Request.Data))
	second.RespondJSON(`{"m":{"a":[7]}}`)

	third := next(t, doer)
	assert.Nil(t, third.Request.Data)

	snap := snapshot(t, m)
	assert.Equal(t, []protocol.ChannelID{7}, snap.Channels)
	assert.Empty(t, snap.Unacked)
}

func TestPayloadRouting(t *testing.T) {
	m, doer := newTestMux(t, WithIDSource(idSequence(7, 9)))
	a := &channelLog{data: func(uint64) (any, bool) { return "from-a", true }}
	b := &channelLog{}
	_, err := m.Create("/a", a.callbacks())
	require.NoError(t, err)
	_, err = m.Create("/b", b.callbacks())
	require.NoError(t, err)
	start(t, m)

	ex := next(t, doer)
	assert.JSONEq(t, `{"m":[{"u":"/a","tid":7},{"u":"/b","tid":9}],"7":"from-a"}`, string(ex.Request.Data))
	ex.RespondJSON(`{"m":{"a":[7,9]},"7":{"n":1},"9":"to-b","12345":"nobody"}`)
	next(t, doer)

	assert.Equal(t, []string{`{"n":1}`}, a.bodies())
	assert.Equal(t, []string{`"to-b"`}, b.bodies())
	assert.Empty(t, a.errors())
	assert.Empty(t, b.errors())
}

func TestServerErrorEvictsOnlyThatChannel(t *testing.T) {
	m, doer := newTestMux(t, WithIDSource(idSequence(7, 9)))
	a := &channelLog{}
	b := &channelLog{}
	chA, err := m.Create("/missing", a.callbacks())
	require.NoError(t, err)
	chB, err := m.Create("/b", b.callbacks())
	require.NoError(t, err)
	start(t, m)

	next(t, doer).RespondJSON(`{"m":{"a":[9],"7":404},"7":"late","9":"still here"}`)
	next(t, doer)

	errs := a.errors()
	require.Len(t, errs, 1)
	assert.True(t, cometerrors.IsCode(errs[0], cometerrors.CodeChannelRejected))
	cerr, ok := cometerrors.AsCometError(errs[0])
	require.True(t, ok)
	assert.Equal(t, 404, cerr.Data().(*cometerrors.ChannelErrorData).Status)

	// Control is applied first, so A never sees its late payload.
	assert.Empty(t, a.bodies())
	assert.True(t, chA.Disconnected())
	err = chA.StartSend(0)
	assert.True(t, cometerrors.IsCode(err, cometerrors.CodeChannelDisconnected))

	assert.Equal(t, []string{`"still here"`}, b.bodies())
	assert.Empty(t, b.errors())
	assert.False(t, chB.Disconnected())
	assert.NoError(t, chB.StartSend(0))

	snap := snapshot(t, m)
	assert.Equal(t, []protocol.ChannelID{9}, snap.Channels)
	assert.Empty(t, snap.Unacked)
}

func TestChannelIDCollisionsAreRejected(t *testing.T) {
	m, _ := newTestMux(t, WithIDSource(idSequence(5, 5, 0, 6, 5)), WithMaxIDAttempts(3))

	first, err := m.Create("/x", ChannelCallbacks{})
	require.NoError(t, err)
	second, err := m.Create("/y", ChannelCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, protocol.ChannelID(5), first.ID())
	assert.Equal(t, protocol.ChannelID(6), second.ID())

	// The source now only yields 5, which is taken.
	_, err = m.Create("/z", ChannelCallbacks{})
	require.Error(t, err)
	assert.True(t, cometerrors.IsCode(err, cometerrors.CodeChannelIDExhausted))

	start(t, m)
	first.Unregister()
	first.Unregister()
	assert.Equal(t, []protocol.ChannelID{6}, snapshot(t, m).Channels)

	third, err := m.Create("/z", ChannelCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, protocol.ChannelID(5), third.ID())
}

func TestCreateRequiresTarget(t *testing.T) {
	m, _ := newTestMux(t)
	_, err := m.Create("", ChannelCallbacks{})
	assert.True(t, cometerrors.IsCode(err, cometerrors.CodeInvalidConfig))
}

func TestPollerErrorIsBroadcast(t *testing.T) {
	m, doer := newTestMux(t, WithIDSource(idSequence(1, 2)))
	a := &channelLog{}
	b := &channelLog{}
	_, err := m.Create("/a", a.callbacks())
	require.NoError(t, err)
	_, err = m.Create("/b", b.callbacks())
	require.NoError(t, err)
	start(t, m)

	next(t, doer).Respond(http.StatusForbidden, "")

	require.Eventually(t, func() bool { return len(a.errors()) == 1 && len(b.errors()) == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, cometerrors.IsCode(a.errors()[0], cometerrors.CodeTransportDropped))
	assert.Same(t, a.errors()[0], b.errors()[0])

	_, err = m.Create("/c", ChannelCallbacks{})
	assert.True(t, cometerrors.IsCode(err, cometerrors.CodeTransportPoisoned))
}

func TestSendOutcomesAreBroadcast(t *testing.T) {
	m, doer := newTestMux(t, WithIDSource(idSequence(1, 2)))
	a := &channelLog{}
	b := &channelLog{}
	_, err := m.Create("/a", a.callbacks())
	require.NoError(t, err)
	_, err = m.Create("/b", b.callbacks())
	require.NoError(t, err)
	start(t, m)

	next(t, doer).Fail(errors.New("reset"))
	next(t, doer).RespondJSON(`{"m":{"a":[1,2]}}`)
	next(t, doer)

	for _, l := range []*channelLog{a, b} {
		succeeded, failed := l.outcomes()
		assert.Equal(t, []uint64{2}, succeeded)
		assert.Equal(t, []uint64{1}, failed)
	}
}

func TestChannelFaultsStayOnTheirChannel(t *testing.T) {
	m, doer := newTestMux(t, WithIDSource(idSequence(1, 2)))
	a := &channelLog{
		data:     func(uint64) (any, bool) { panic("broken producer") },
		incomeFn: func(json.RawMessage) error { return errors.New("cannot decode") },
	}
	b := &channelLog{data: func(uint64) (any, bool) { return 42, true }}
	_, err := m.Create("/a", a.callbacks())
	require.NoError(t, err)
	_, err = m.Create("/b", b.callbacks())
	require.NoError(t, err)
	start(t, m)

	ex := next(t, doer)
	assert.JSONEq(t, `{"m":[{"u":"/a","tid":1},{"u":"/b","tid":2}],"2":42}`, string(ex.Request.Data))
	ex.RespondJSON(`{"1":"x","2":"y"}`)
	next(t, doer)

	errs := a.errors()
	require.GreaterOrEqual(t, len(errs), 2)
	assert.True(t, cometerrors.IsCode(errs[0], cometerrors.CodeHandlerFault))
	assert.True(t, cometerrors.IsCode(errs[1], cometerrors.CodeMalformedFrame))
	assert.Empty(t, b.errors())
	assert.Equal(t, []string{`"y"`}, b.bodies())
	assert.False(t, m.Poller().Poisoned())
}

func TestNonObjectResponsePoisons(t *testing.T) {
	m, doer := newTestMux(t, WithIDSource(idSequence(3)))
	a := &channelLog{}
	_, err := m.Create("/a", a.callbacks())
	require.NoError(t, err)
	start(t, m)

	next(t, doer).RespondJSON(`[1,2,3]`)

	require.Eventually(t, m.Poller().Poisoned, waitFor, 5*time.Millisecond)
	require.Len(t, a.errors(), 1)
	assert.True(t, cometerrors.IsCode(a.errors()[0], cometerrors.CodeMalformedResponse))
}
