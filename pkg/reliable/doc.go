// Package reliable layers ordered, at-least-once delivery and a two-sided
// close handshake over a multiplex.Channel.
//
// Outgoing frames carry every packet not yet known to be delivered, the id
// of the last packet received in order, and an end marker while a close is
// pending:
//
//	{"d": {"3": <payload>, "4": <payload>}, "a": 11, "end": true}
//
// Incoming frames hold packets keyed by id next to an optional end marker:
//
//	{"12": <payload>, "13": <payload>, "end": true}
//
// A packet is dropped from the outgoing buffer once a poll that carried it
// succeeds. Incoming packets are buffered until every lower id has been
// delivered, so OnData sees each packet once and in order regardless of how
// polls were lost, repeated or reordered.
//
// Either side may close first. The initiator moves to StateDisconnecting and
// sends "end"; the peer reports OnCloseRequested and answers with its own
// "end" once it closes, at which point both sides reach StateDisconnected and
// report OnClosed.
package reliable
