// Package webhub is the WebSocket transport for browser clients.
//
// Each connection gets a reader goroutine decoding command envelopes
// (subscribe, send, stop, list, history) and a writer goroutine draining
// a buffered event queue. The session.Event envelope is the wire format;
// a client that stops draining is disconnected so fan-out never blocks.
package webhub
