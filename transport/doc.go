// Package transport carries the relay's protocol surface over WebSocket.
//
// Each connection is an authenticated duplex session bound to exactly one
// canonical identity, created when the bearer credential presented at the
// handshake verifies and destroyed when the socket closes. Events on the
// wire are JSON, but in-process they are a closed tagged enum: adding a new
// message kind means adding an EventType constant and extending the encode
// and decode switches, so an unhandled kind is a compile-time hole, not a
// silent string mismatch.
package transport
