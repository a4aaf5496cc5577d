// ABOUTME: Broadcast event envelope delivered to transport subscriber callbacks.
// ABOUTME: One flat struct covers the whole event vocabulary; transports marshal it directly.

package session

import "github.com/AgentiveAU/MyAgentive/internal/store"

// EventType identifies what a broadcast event describes.
type EventType string

// ErrorCodeBusy marks an error event that rejects a new send while a
// turn is in flight. The rejected sender's live turn state is untouched;
// only turn-fatal error events end a turn.
const ErrorCodeBusy = "busy"

const (
	EventUserMessage      EventType = "user-message"
	EventAssistantMessage EventType = "assistant-message"
	EventToolUse          EventType = "tool-use"
	EventResult           EventType = "result"
	EventError            EventType = "error"
	EventFileDelivery     EventType = "file-delivery"
	EventContextUpdate    EventType = "context-update"
	EventCompacting       EventType = "compacting"
	EventCompacted        EventType = "compacted"
	EventSessionSwitched  EventType = "session-switched"
	EventHistory          EventType = "history"
	EventSessionList      EventType = "session-list"
)

// Event is the envelope delivered to subscriber callbacks. Every event
// carries SessionName; the remaining fields are populated per type and
// omitted from JSON when empty, so transports can marshal the struct
// as their wire envelope without reshaping it.
type Event struct {
	Type        EventType `json:"type"`
	SessionName string    `json:"sessionName"`

	// user-message / assistant-message
	Content   string `json:"content,omitempty"`
	Role      string `json:"role,omitempty"`
	Origin    string `json:"origin,omitempty"`
	MessageID string `json:"messageId,omitempty"`

	// tool-use
	ToolID    string `json:"toolId,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolInput string `json:"toolInput,omitempty"`

	// result
	Success  *bool   `json:"success,omitempty"`
	Cost     float64 `json:"cost,omitempty"`
	Duration int64   `json:"duration,omitempty"`

	// error (also set on failed results)
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	// file-delivery
	FilePath string `json:"filePath,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	FileType string `json:"fileType,omitempty"`

	// context-update
	UsedTokens     int64   `json:"usedTokens,omitempty"`
	MaxTokens      int64   `json:"maxTokens,omitempty"`
	UsedPercentage float64 `json:"usedPercentage,omitempty"`

	// history
	Messages []*store.Message `json:"messages,omitempty"`

	// session-list
	Sessions []*store.Conversation `json:"sessions,omitempty"`
}

// Subscriber receives broadcast events for one client binding.
type Subscriber func(Event)

// boolPtr is a shorthand for optional JSON booleans on the envelope.
func boolPtr(v bool) *bool { return &v }
