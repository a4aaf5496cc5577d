// ABOUTME: Tests for the reply route map.
// ABOUTME: Validates resolution, expiry, purge-by-conversation, and sweeping.

package replies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRouteMap_RecordAndResolve(t *testing.T) {
	m := NewRouteMap(time.Hour)

	m.Record(1, 100, "default")
	m.Record(1, 101, "research")

	conv, ok := m.Resolve(1, 100)
	assert.True(t, ok)
	assert.Equal(t, "default", conv)

	conv, ok = m.Resolve(1, 101)
	assert.True(t, ok)
	assert.Equal(t, "research", conv)

	_, ok = m.Resolve(1, 999)
	assert.False(t, ok, "unknown message should not resolve")

	_, ok = m.Resolve(2, 100)
	assert.False(t, ok, "same message id in another chat should not resolve")
}

func TestRouteMap_Expiry(t *testing.T) {
	m := NewRouteMap(time.Hour)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Record(1, 100, "default")

	// Still routable just inside the window.
	m.now = func() time.Time { return base.Add(59 * time.Minute) }
	_, ok := m.Resolve(1, 100)
	assert.True(t, ok)

	// Gone after the window.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, ok = m.Resolve(1, 100)
	assert.False(t, ok, "expired mapping should not resolve")
}

func TestRouteMap_SweepNow(t *testing.T) {
	m := NewRouteMap(time.Hour)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Record(1, 1, "a")
	m.Record(1, 2, "b")

	m.now = func() time.Time { return base.Add(3 * time.Hour) }
	m.Record(1, 3, "c")

	m.SweepNow()
	assert.Equal(t, 1, m.Len(), "sweep removes only expired entries")

	conv, ok := m.Resolve(1, 3)
	assert.True(t, ok)
	assert.Equal(t, "c", conv)
}

func TestRouteMap_Purge(t *testing.T) {
	m := NewRouteMap(time.Hour)

	m.Record(1, 1, "doomed")
	m.Record(1, 2, "doomed")
	m.Record(1, 3, "kept")

	m.Purge("doomed")

	_, ok := m.Resolve(1, 1)
	assert.False(t, ok)
	_, ok = m.Resolve(1, 2)
	assert.False(t, ok)

	conv, ok := m.Resolve(1, 3)
	assert.True(t, ok)
	assert.Equal(t, "kept", conv)
}

func TestRouteMap_DefaultRetention(t *testing.T) {
	m := NewRouteMap(0)
	assert.Equal(t, DefaultRetention, m.retention)
}
