// Package engine owns the external conversational engine process.
//
// A Session wraps exactly one engine instance and decouples the caller
// from its lifecycle: Push enqueues user turns without blocking, Events
// yields the engine's typed output in emission order, Interrupt cancels
// the current turn best-effort, and Close tears the process down.
//
// The engine speaks newline-delimited JSON on stdin/stdout. Construction
// may carry a resume token so a fresh process restores prior context; a
// rejected token surfaces as the event stream ending without a result,
// which the session layer recovers from by recreating the engine without
// the token.
package engine
