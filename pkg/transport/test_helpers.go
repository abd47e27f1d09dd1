package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/comet-go/pkg/protocol"
)

// PendingExchange is a poll request held by a ScriptedDoer until the test
// answers it
type PendingExchange struct {
	Request *protocol.PollRequest
	Header  http.Header
	Body    []byte

	reply chan scriptedReply
	once  sync.Once
}

type scriptedReply struct {
	status int
	body   string
	err    error
}

// Respond answers the exchange with a status and body
func (e *PendingExchange) Respond(status int, body string) {
	e.once.Do(func() { e.reply <- scriptedReply{status: status, body: body} })
}

// RespondJSON answers with 200 and body
func (e *PendingExchange) RespondJSON(body string) {
	e.Respond(http.StatusOK, body)
}

// Fail makes the exchange return a transport error
func (e *PendingExchange) Fail(err error) {
	e.once.Do(func() { e.reply <- scriptedReply{err: err} })
}

// ScriptedDoer is a Doer whose responses are supplied one exchange at a time
// by a test
type ScriptedDoer struct {
	exchanges chan *PendingExchange

	mu    sync.Mutex
	count int
}

// NewScriptedDoer creates a ScriptedDoer
func NewScriptedDoer() *ScriptedDoer {
	return &ScriptedDoer{exchanges: make(chan *PendingExchange, 64)}
}

// Do implements Doer. It blocks until the exchange is answered or the
// request context ends.
func (d *ScriptedDoer) Do(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	decoded, err := protocol.DecodePollRequest(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	ex := &PendingExchange{
		Request: decoded,
		Header:  req.Header.Clone(),
		Body:    body,
		reply:   make(chan scriptedReply, 1),
	}

	d.mu.Lock()
	d.count++
	d.mu.Unlock()

	select {
	case d.exchanges <- ex:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}

	select {
	case r := <-ex.reply:
		if r.err != nil {
			return nil, r.err
		}
		return &http.Response{
			StatusCode: r.status,
			Status:     fmt.Sprintf("%d %s", r.status, http.StatusText(r.status)),
			Header:     http.Header{"Content-Type": []string{protocol.ContentType}},
			Body:       io.NopCloser(strings.NewReader(r.body)),
			Request:    req,
		}, nil
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
}

// ErrNoExchange is returned by Next when no request arrives in time
var ErrNoExchange = errors.New("no poll request arrived")

// Next waits for the next request
func (d *ScriptedDoer) Next(timeout time.Duration) (*PendingExchange, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.NextContext(ctx)
}

// NextContext waits for the next request until ctx ends
func (d *ScriptedDoer) NextContext(ctx context.Context) (*PendingExchange, error) {
	select {
	case ex := <-d.exchanges:
		return ex, nil
	case <-ctx.Done():
		return nil, ErrNoExchange
	}
}

// Count returns the number of requests received so far
func (d *ScriptedDoer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}
