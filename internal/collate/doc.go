// Package collate reassembles inbound bot messages that the transport
// delivered in pieces: long texts split at the message length limit and
// albums whose items arrive as separate events.
package collate
