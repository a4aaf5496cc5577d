// ABOUTME: Reassembles user messages that the bot transport split at its length limit.
// ABOUTME: Buffers near-limit fragments per chat and flushes after a debounce window.

package collate

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultFragmentThreshold is the length at which an inbound message is
	// suspected to be one piece of a split message. Kept a little below the
	// transport's 4096-character hard limit so fragments shortened by entity
	// stripping still qualify.
	DefaultFragmentThreshold = 4000

	// DefaultFragmentDebounce is how long to wait after the last fragment
	// before flushing. The window restarts on every fragment so a rapid
	// burst coalesces into exactly one flush.
	DefaultFragmentDebounce = time.Second
)

// FragmentFlushFunc receives the reassembled message for a chat: the
// concatenation of all fragments in arrival order and the message ID of the
// first fragment.
type FragmentFlushFunc func(chatID int64, text string, firstMessageID int)

type fragmentEntry struct {
	parts          []string
	firstMessageID int
	timer          *time.Timer
}

// FragmentBuffer accumulates split inbound messages per chat and reassembles
// them once the sender has gone quiet for the debounce window.
type FragmentBuffer struct {
	mu        sync.Mutex
	buffers   map[int64]*fragmentEntry
	threshold int
	debounce  time.Duration
	flush     FragmentFlushFunc
}

// NewFragmentBuffer creates a buffer that flushes through fn. A threshold
// or debounce <= 0 falls back to the package defaults.
func NewFragmentBuffer(threshold int, debounce time.Duration, fn FragmentFlushFunc) *FragmentBuffer {
	if threshold <= 0 {
		threshold = DefaultFragmentThreshold
	}
	if debounce <= 0 {
		debounce = DefaultFragmentDebounce
	}
	return &FragmentBuffer{
		buffers:   make(map[int64]*fragmentEntry),
		threshold: threshold,
		debounce:  debounce,
		flush:     fn,
	}
}

// Add offers an inbound message to the buffer. It returns true if the
// message was buffered (the caller must not process it now) and false if the
// message is short and unrelated to any pending buffer (process it
// immediately). A short message arriving while a buffer exists for the chat
// is treated as the tail fragment: it is appended and buffered.
func (b *FragmentBuffer) Add(chatID int64, messageID int, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.buffers[chatID]
	if len(text) < b.threshold && !exists {
		return false
	}

	if !exists {
		entry = &fragmentEntry{firstMessageID: messageID}
		b.buffers[chatID] = entry
	}
	entry.parts = append(entry.parts, text)

	// Restart the window: flush fires only after the *last* fragment.
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(b.debounce, func() {
		b.flushChat(chatID)
	})
	return true
}

// Clear cancels any pending flush for the chat and discards its fragments.
func (b *FragmentBuffer) Clear(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(chatID)
}

// Close cancels all pending flushes and discards every buffer.
func (b *FragmentBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for chatID := range b.buffers {
		b.removeLocked(chatID)
	}
}

func (b *FragmentBuffer) flushChat(chatID int64) {
	b.mu.Lock()
	entry, ok := b.buffers[chatID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.buffers, chatID)
	b.mu.Unlock()

	// Fragments are pieces of one message split at a hard character limit,
	// so they concatenate without separators.
	combined := strings.Join(entry.parts, "")
	b.flush(chatID, combined, entry.firstMessageID)
}

// removeLocked discards a chat's buffer without flushing. Must be called
// with mu held.
func (b *FragmentBuffer) removeLocked(chatID int64) {
	entry, ok := b.buffers[chatID]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(b.buffers, chatID)
}
