// ABOUTME: Collates album items that arrive as separate transport events into one logical upload.
// ABOUTME: Groups items by media-group ID and flushes the ordered set after a debounce window.

package collate

import (
	"sync"
	"time"
)

// DefaultMediaGroupDebounce is how long to wait after the last item of an
// album before flushing. Transports deliver album items in a quick burst.
const DefaultMediaGroupDebounce = time.Second

// MediaItem is one element of a media group.
type MediaItem struct {
	MessageID int
	Type      string // "photo", "document", "video", ...
	FileID    string
	Caption   string
}

// MediaGroupFlushFunc receives the complete album: all items in arrival
// order plus the chat and the message ID of the first item.
type MediaGroupFlushFunc func(chatID int64, firstMessageID int, items []MediaItem)

type mediaGroupEntry struct {
	chatID         int64
	firstMessageID int
	items          []MediaItem
	timer          *time.Timer
}

// MediaGroupBuffer accumulates media items sharing a group ID and delivers
// them as one ordered list once the burst has settled.
type MediaGroupBuffer struct {
	mu       sync.Mutex
	groups   map[string]*mediaGroupEntry
	debounce time.Duration
	flush    MediaGroupFlushFunc
}

// NewMediaGroupBuffer creates a buffer that flushes through fn. A debounce
// <= 0 falls back to DefaultMediaGroupDebounce.
func NewMediaGroupBuffer(debounce time.Duration, fn MediaGroupFlushFunc) *MediaGroupBuffer {
	if debounce <= 0 {
		debounce = DefaultMediaGroupDebounce
	}
	return &MediaGroupBuffer{
		groups:   make(map[string]*mediaGroupEntry),
		debounce: debounce,
		flush:    fn,
	}
}

// Add offers a media item to the buffer. Items without a group ID are not
// part of an album; Add returns false and the caller handles them
// individually. Otherwise the item joins its group, the debounce window
// restarts, and Add returns true.
func (b *MediaGroupBuffer) Add(chatID int64, groupID string, item MediaItem) bool {
	if groupID == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.groups[groupID]
	if !ok {
		entry = &mediaGroupEntry{chatID: chatID, firstMessageID: item.MessageID}
		b.groups[groupID] = entry
	}
	entry.items = append(entry.items, item)

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(b.debounce, func() {
		b.flushGroup(groupID)
	})
	return true
}

// Close cancels all pending flushes and discards every group.
func (b *MediaGroupBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for groupID, entry := range b.groups {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(b.groups, groupID)
	}
}

func (b *MediaGroupBuffer) flushGroup(groupID string) {
	b.mu.Lock()
	entry, ok := b.groups[groupID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.groups, groupID)
	b.mu.Unlock()

	b.flush(entry.chatID, entry.firstMessageID, entry.items)
}
