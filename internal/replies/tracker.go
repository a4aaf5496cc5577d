// ABOUTME: Decides which inbound message an outbound bot reply should thread to.
// ABOUTME: Supports off/first/all policies with per-chat first and last message pointers.

package replies

import "sync"

// Mode selects the reply-threading policy.
type Mode string

const (
	// ModeOff never threads replies.
	ModeOff Mode = "off"
	// ModeFirst threads to the first user message seen in the chat since the
	// pointer was last reset.
	ModeFirst Mode = "first"
	// ModeAll threads to the most recent user message.
	ModeAll Mode = "all"
)

type chatPointers struct {
	first    int
	hasFirst bool
	last     int
	hasLast  bool
}

// ThreadTracker tracks per-chat first/last user message IDs and resolves
// the reply target under the configured Mode.
type ThreadTracker struct {
	mu    sync.Mutex
	mode  Mode
	chats map[int64]*chatPointers
}

// NewThreadTracker creates a tracker with the given policy. An unknown or
// empty mode behaves as ModeOff.
func NewThreadTracker(mode Mode) *ThreadTracker {
	switch mode {
	case ModeFirst, ModeAll:
	default:
		mode = ModeOff
	}
	return &ThreadTracker{
		mode:  mode,
		chats: make(map[int64]*chatPointers),
	}
}

// Mode returns the active policy.
func (t *ThreadTracker) Mode() Mode {
	return t.mode
}

// RecordUserMessage updates the chat's pointers with a newly seen user
// message and returns the message ID an outbound reply should thread to
// under the active policy. ok is false when the policy says not to thread.
func (t *ThreadTracker) RecordUserMessage(chatID int64, messageID int) (replyTo int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ptrs := t.chats[chatID]
	if ptrs == nil {
		ptrs = &chatPointers{}
		t.chats[chatID] = ptrs
	}
	if !ptrs.hasFirst {
		ptrs.first = messageID
		ptrs.hasFirst = true
	}
	ptrs.last = messageID
	ptrs.hasLast = true

	switch t.mode {
	case ModeFirst:
		return ptrs.first, true
	case ModeAll:
		return ptrs.last, true
	default:
		return 0, false
	}
}

// ResetFirst clears only the "first" pointer for the chat, so the next user
// message starts a new logical topic. The "all" pointer is unaffected.
func (t *ThreadTracker) ResetFirst(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ptrs, ok := t.chats[chatID]; ok {
		ptrs.hasFirst = false
		ptrs.first = 0
	}
}
