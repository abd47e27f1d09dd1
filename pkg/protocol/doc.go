// Package protocol defines the JSON wire format shared by the comet client
// and server.
//
// Every exchange is a single HTTP POST carrying a PollRequest and answered by
// a JSON object (or an empty body). Three layers nest inside each other:
//
//   - Poller: the PollRequest envelope with keys "d", "isNew", "tid" and "lp".
//   - Multiplexer: the "d" payload is an object keyed by decimal channel id,
//     plus the reserved control key "m". Client to server, "m" is a list of
//     OpenRequest values; server to client it is a ControlBlock holding the
//     acknowledged channel ids under "a" and per-channel error statuses keyed
//     by channel id.
//   - Reliable channel: client to server a ClientFrame
//     {"d": {"<packet>": payload}, "a": ack, "end": true}; server to client a
//     flat ServerFrame {"<packet>": payload, "end": true}.
//
// # Example
//
//	{"d": {"m": [{"u": "/chat", "tid": 4711}], "4711": {"d": {"0": "hi"}}},
//	 "isNew": true, "tid": "9b1d...", "lp": 3000}
//
// The response to that request could be
//
//	{"m": {"a": [4711]}, "4711": {"0": "hello", "1": "again"}}
package protocol
