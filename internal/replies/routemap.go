// ABOUTME: Time-bounded map from outbound bot messages to the conversation that produced them.
// ABOUTME: Routes a user's reply to a bot message back to the exact originating conversation.

package replies

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultRetention is how long a message→conversation mapping stays
	// routable after it is recorded.
	DefaultRetention = 24 * time.Hour

	// sweepProbability is the chance that a write triggers a sweep of
	// expired entries. Lazy cleanup avoids dedicated timer infrastructure
	// at the cost of occasionally delayed removal.
	sweepProbability = 0.02
)

type routeKey struct {
	chatID    int64
	messageID int
}

type routeEntry struct {
	conversation string
	recordedAt   time.Time
}

// RouteMap remembers which conversation produced each outbound bot message,
// so a reply to that message can be routed back even when several
// conversations share one chat. Entries expire after the retention window.
type RouteMap struct {
	mu        sync.Mutex
	entries   map[routeKey]routeEntry
	retention time.Duration
	now       func() time.Time
}

// NewRouteMap creates a route map. A retention <= 0 falls back to
// DefaultRetention.
func NewRouteMap(retention time.Duration) *RouteMap {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RouteMap{
		entries:   make(map[routeKey]routeEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Record associates an outbound message with the conversation that produced
// it. Writes occasionally sweep expired entries.
func (m *RouteMap) Record(chatID int64, messageID int, conversation string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[routeKey{chatID, messageID}] = routeEntry{
		conversation: conversation,
		recordedAt:   m.now(),
	}
	if rand.Float64() < sweepProbability {
		m.sweepLocked()
	}
}

// Resolve returns the conversation that produced the given outbound
// message, if the mapping exists and has not expired.
func (m *RouteMap) Resolve(chatID int64, messageID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[routeKey{chatID, messageID}]
	if !ok {
		return "", false
	}
	if m.now().Sub(entry.recordedAt) > m.retention {
		delete(m.entries, routeKey{chatID, messageID})
		return "", false
	}
	return entry.conversation, true
}

// Purge removes every mapping that points at the given conversation. Called
// when a conversation is deleted.
func (m *RouteMap) Purge(conversation string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if entry.conversation == conversation {
			delete(m.entries, key)
		}
	}
}

// SweepNow deterministically removes all expired entries.
func (m *RouteMap) SweepNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

// Len returns the number of live entries, sweeping expired ones first.
func (m *RouteMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.entries)
}

// sweepLocked removes expired entries. Must be called with mu held.
func (m *RouteMap) sweepLocked() {
	cutoff := m.now().Add(-m.retention)
	for key, entry := range m.entries {
		if entry.recordedAt.Before(cutoff) {
			delete(m.entries, key)
		}
	}
}
