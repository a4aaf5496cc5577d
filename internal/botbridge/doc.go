// Package botbridge is the Telegram transport.
//
// Inbound: a getUpdates long-poll loop feeds each update through
// duplicate suppression, chat allow-listing, command handling (/new,
// /switch, /stop, /status), media-group collation, and fragment
// reassembly before dispatching to the session manager. A reply to a
// message the bot sent earlier routes back to the conversation that
// produced it.
//
// Outbound: each processing turn shows a placeholder message that is
// edited on a minimum interval as assistant text streams in, then
// replaced by the final response rendered to Telegram HTML, split at
// the 4096-character limit with code fences kept balanced, and threaded
// according to the reply policy. All outbound calls go through global
// and per-chat rate limiters; soft API failures like "message is not
// modified" are swallowed.
//
// The Bot API client is a thin hand-rolled net/http wrapper; no SDK.
package botbridge
