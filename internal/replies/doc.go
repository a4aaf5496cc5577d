// Package replies handles reply threading for the bot transport: choosing
// which inbound message an outbound reply should answer, and routing a
// user's reply to a bot message back to the conversation that produced it.
package replies
