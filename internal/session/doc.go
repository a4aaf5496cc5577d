// Package session is the concurrency core: one state machine per named
// conversation and the registry transports talk to.
//
// A Session enforces single-flight processing. A message arriving while
// a turn is in flight is rejected with ErrBusy and an error broadcast,
// never queued. Each turn snapshots the engine work directory, persists
// the user message, broadcasts it, then forwards to the engine; a
// dispatch failure gets exactly one engine reset-and-retry. The output
// loop persists assistant text before broadcasting it, captures resume
// tokens, and on completion diffs the work directory to deliver files
// the engine produced. An engine stream that dies mid-turn clears the
// resume token, broadcasts an error, and always releases Processing so
// a crashed engine can never wedge a conversation.
//
// The Manager owns all live sessions, binds each client to at most one
// conversation, and fans list-changed notifications out to registered
// listeners. Transports interact only through the Manager.
package session
