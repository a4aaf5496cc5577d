// ABOUTME: Tests for media-group collation of album items.
// ABOUTME: Validates grouping by ID, ordering, debounce, and single-item pass-through.

package collate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mediaRecorder struct {
	mu      sync.Mutex
	flushes []flushedGroup
}

type flushedGroup struct {
	chatID         int64
	firstMessageID int
	items          []MediaItem
}

func (r *mediaRecorder) record(chatID int64, firstMessageID int, items []MediaItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, flushedGroup{chatID, firstMessageID, items})
}

func (r *mediaRecorder) snapshot() []flushedGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flushedGroup(nil), r.flushes...)
}

func TestMediaGroupBuffer_NoGroupID(t *testing.T) {
	rec := &mediaRecorder{}
	buf := NewMediaGroupBuffer(10*time.Millisecond, rec.record)
	defer buf.Close()

	buffered := buf.Add(1, "", MediaItem{MessageID: 1, Type: "photo", FileID: "f1"})
	assert.False(t, buffered, "items without a group id are handled individually")

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestMediaGroupBuffer_CollatesGroup(t *testing.T) {
	rec := &mediaRecorder{}
	buf := NewMediaGroupBuffer(20*time.Millisecond, rec.record)
	defer buf.Close()

	assert.True(t, buf.Add(5, "album-1", MediaItem{MessageID: 1, Type: "photo", FileID: "f1", Caption: "holiday"}))
	assert.True(t, buf.Add(5, "album-1", MediaItem{MessageID: 2, Type: "photo", FileID: "f2"}))
	assert.True(t, buf.Add(5, "album-1", MediaItem{MessageID: 3, Type: "video", FileID: "f3"}))

	time.Sleep(60 * time.Millisecond)

	flushes := rec.snapshot()
	require.Len(t, flushes, 1, "one flush per group")
	assert.Equal(t, int64(5), flushes[0].chatID)
	assert.Equal(t, 1, flushes[0].firstMessageID)
	require.Len(t, flushes[0].items, 3)
	assert.Equal(t, "f1", flushes[0].items[0].FileID)
	assert.Equal(t, "f2", flushes[0].items[1].FileID)
	assert.Equal(t, "f3", flushes[0].items[2].FileID)
	assert.Equal(t, "holiday", flushes[0].items[0].Caption)
}

func TestMediaGroupBuffer_SeparateGroups(t *testing.T) {
	rec := &mediaRecorder{}
	buf := NewMediaGroupBuffer(10*time.Millisecond, rec.record)
	defer buf.Close()

	buf.Add(1, "g1", MediaItem{MessageID: 1, FileID: "a"})
	buf.Add(1, "g2", MediaItem{MessageID: 2, FileID: "b"})

	time.Sleep(40 * time.Millisecond)

	flushes := rec.snapshot()
	require.Len(t, flushes, 2, "distinct group ids flush separately")
}

func TestMediaGroupBuffer_DebounceRestarts(t *testing.T) {
	rec := &mediaRecorder{}
	buf := NewMediaGroupBuffer(50*time.Millisecond, rec.record)
	defer buf.Close()

	buf.Add(1, "g", MediaItem{MessageID: 1, FileID: "a"})
	time.Sleep(30 * time.Millisecond)
	buf.Add(1, "g", MediaItem{MessageID: 2, FileID: "b"})
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "window restarted by second item")

	time.Sleep(40 * time.Millisecond)
	flushes := rec.snapshot()
	require.Len(t, flushes, 1)
	assert.Len(t, flushes[0].items, 2)
}

func TestMediaGroupBuffer_Close(t *testing.T) {
	rec := &mediaRecorder{}
	buf := NewMediaGroupBuffer(20*time.Millisecond, rec.record)

	buf.Add(1, "g", MediaItem{MessageID: 1, FileID: "a"})
	buf.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "closed buffer must not flush")
}
