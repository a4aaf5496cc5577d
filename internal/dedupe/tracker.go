// ABOUTME: Thread-safe bounded FIFO tracker for deduplicating inbound update IDs.
// ABOUTME: Used by the bot bridge to prevent duplicate processing of transport retries.

package dedupe

import (
	"container/list"
	"sync"
)

// DefaultCapacity is the number of update IDs remembered when no explicit
// capacity is given.
const DefaultCapacity = 100

// Tracker remembers the most recently seen update IDs and reports
// duplicates. Eviction is strict FIFO: once the tracker is full, recording
// a new ID forgets the oldest one. Uses a doubly-linked list alongside the
// membership map for O(1) eviction.
type Tracker struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    *list.List // IDs in arrival order, oldest at front
	capacity int
}

// New creates a tracker that remembers up to capacity IDs.
// A capacity <= 0 falls back to DefaultCapacity.
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		seen:     make(map[string]struct{}),
		order:    list.New(),
		capacity: capacity,
	}
}

// IsDuplicate reports whether id has been seen before. A previously unseen
// id is recorded atomically, evicting the oldest recorded id if the tracker
// is at capacity.
func (t *Tracker) IsDuplicate(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[id]; ok {
		return true
	}

	if t.order.Len() >= t.capacity {
		t.evictOldest()
	}

	t.order.PushBack(id)
	t.seen[id] = struct{}{}
	return false
}

// Len returns the number of IDs currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// Clear forgets all tracked IDs.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = make(map[string]struct{})
	t.order.Init()
}

// evictOldest removes the oldest tracked id. Must be called with mu held.
func (t *Tracker) evictOldest() {
	front := t.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.seen, id)
}
