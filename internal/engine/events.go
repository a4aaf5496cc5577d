// ABOUTME: Typed engine event definitions and wire decoding.
// ABOUTME: Maps the engine's JSON line protocol onto a closed set of event kinds.

package engine

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies the type of an engine event. The set is closed:
// consumers switch over it exhaustively, so a new kind is a visible gap
// rather than a silently ignored branch.
type EventKind int

const (
	// KindAssistantText carries a chunk of assistant output text.
	KindAssistantText EventKind = iota
	// KindToolUse reports a tool invocation by the engine.
	KindToolUse
	// KindResult marks the end of a turn with success and cost metadata.
	KindResult
	// KindSessionInfo carries the engine's session identity (resume token).
	KindSessionInfo
	// KindCompactStart signals the engine began compacting its context.
	KindCompactStart
	// KindCompactDone signals context compaction finished.
	KindCompactDone
)

// Event is one element of the engine's output sequence.
type Event struct {
	Kind      EventKind
	Text      string       // KindAssistantText
	Tool      *ToolUse     // KindToolUse
	Result    *Result      // KindResult
	SessionID string       // KindSessionInfo: the resume token
}

// ToolUse describes a tool invocation.
type ToolUse struct {
	ID        string
	Name      string
	InputJSON string
}

// Result describes the outcome of a completed turn.
type Result struct {
	Success    bool
	Error      string
	CostUSD    float64
	DurationMS int64
	Usage      *Usage
}

// Usage reports context consumption for a turn when the engine includes it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// wireEvent is the engine's JSON line envelope.
type wireEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Text      string          `json:"text,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	CostUSD   float64         `json:"cost_usd,omitempty"`
	Duration  int64           `json:"duration_ms,omitempty"`
	Usage     *wireUsage      `json:"usage,omitempty"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// errUnknownEvent marks wire lines that don't map onto the event set.
// Callers skip them; the engine may emit informational lines we don't model.
type errUnknownEvent struct {
	eventType string
	subtype   string
}

func (e *errUnknownEvent) Error() string {
	if e.subtype != "" {
		return fmt.Sprintf("unknown engine event %q subtype %q", e.eventType, e.subtype)
	}
	return fmt.Sprintf("unknown engine event %q", e.eventType)
}

// decodeEvent parses one stdout line into an Event.
func decodeEvent(line []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(line, &wire); err != nil {
		return Event{}, fmt.Errorf("decoding engine event: %w", err)
	}

	switch wire.Type {
	case "assistant":
		return Event{Kind: KindAssistantText, Text: wire.Text}, nil

	case "tool_use":
		return Event{Kind: KindToolUse, Tool: &ToolUse{
			ID:        wire.ID,
			Name:      wire.Name,
			InputJSON: string(wire.Input),
		}}, nil

	case "result":
		result := &Result{
			Error:      wire.Error,
			CostUSD:    wire.CostUSD,
			DurationMS: wire.Duration,
		}
		if wire.Usage != nil {
			result.Usage = &Usage{
				InputTokens:  wire.Usage.InputTokens,
				OutputTokens: wire.Usage.OutputTokens,
			}
		}
		// Absent success on a result line means the turn completed.
		result.Success = wire.Success == nil || *wire.Success
		if wire.Error != "" {
			result.Success = false
		}
		return Event{Kind: KindResult, Result: result}, nil

	case "system":
		switch wire.Subtype {
		case "init":
			return Event{Kind: KindSessionInfo, SessionID: wire.SessionID}, nil
		case "compact_start":
			return Event{Kind: KindCompactStart}, nil
		case "compact_done":
			return Event{Kind: KindCompactDone}, nil
		default:
			return Event{}, &errUnknownEvent{eventType: wire.Type, subtype: wire.Subtype}
		}

	default:
		return Event{}, &errUnknownEvent{eventType: wire.Type}
	}
}
