// Package transport implements the long-polling HTTP poller that carries
// every comet channel.
//
// A Poller owns one session with a server endpoint. Each poll cycle POSTs a
// JSON envelope and waits for the response:
//
//	{"d": <payload>, "isNew": true, "tid": "<session id>", "lp": 3000}
//
// The response status decides what happens next:
//
//   - 2xx: the body (if any) goes to Callbacks.HandleIncoming, the long-poll
//     duration doubles up to MaxLongPoll, and the next cycle starts at once
//   - 409: the session is unknown to the server; a new one is requested on
//     the next cycle
//   - any other 4xx/5xx: the poller is poisoned and reports one error
//   - anything else, including network failures: the long poll drops to
//     BaselineLongPoll and the cycle is retried after RetryDelay
//
// At most one request is in flight. StartSend calls made while a request is
// outstanding fold into a single follow-up cycle that starts as soon as the
// response is handled.
//
// # Usage
//
//	p, err := transport.NewPoller(transport.DefaultPollerConfig(url), transport.Callbacks{
//	    DataToSend:     func(sendID uint64) (any, bool) { return pending(), true },
//	    HandleIncoming: func(data json.RawMessage) error { return dispatch(data) },
//	    HandleError:    func(err error) { log.Println(err) },
//	})
//	if err != nil {
//	    return err
//	}
//	if err := p.Start(ctx); err != nil {
//	    return err
//	}
//	defer p.Stop(context.Background())
//	_ = p.StartSend(transport.UseDefaultDelay)
//
// All callbacks run on the poller's loop goroutine. Code that needs to touch
// state owned by the callbacks from elsewhere uses Submit or Do.
package transport
