// Package multiplex carries many logical channels over one transport.Poller.
//
// Every poll is a single JSON object. The reserved key "m" holds control
// data and every other key is a channel id:
//
//	client -> server  {"m": [{"u": "/chat", "tid": 4711}], "4711": <payload>}
//	server -> client  {"m": {"a": [4711], "815": 404}, "4711": <payload>}
//
// On the way out "m" lists the open requests the server has not
// acknowledged yet; they are repeated on every poll until an "a" entry
// confirms them. On the way in, "m" acknowledges opens and reports an error
// status for channels the server dropped. A dropped channel receives one
// error and is removed; the other channels keep working in the same cycle.
//
// Channel ids are random, drawn from [1, 2^31) and never reused while a
// channel holding them is registered.
package multiplex
