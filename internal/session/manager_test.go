// ABOUTME: Tests for the Manager registry and client subscription bookkeeping.
// ABOUTME: Covers binding replacement, routing, lifecycle ops, and list-changed fan-out.

package session

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentiveAU/MyAgentive/internal/engine"
	"github.com/AgentiveAU/MyAgentive/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *fakeLauncher, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	launcher := &fakeLauncher{}
	m := NewManager(Config{
		Store:       st,
		Launcher:    launcher.launch,
		Engine:      engine.Config{WorkDir: t.TempDir()},
		FileURLBase: "/files",
	})
	t.Cleanup(m.Close)
	return m, launcher, st
}

func TestManager_GetOrCreate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var changes atomic.Int32
	remove := m.OnSessionsChanged(func() { changes.Add(1) })
	defer remove()

	sess, err := m.GetOrCreate(ctx, "default", store.OriginWeb)
	require.NoError(t, err)
	assert.Equal(t, "default", sess.Name())
	assert.Equal(t, int32(1), changes.Load(), "creation announces list-changed")

	again, err := m.GetOrCreate(ctx, "default", store.OriginBot)
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Equal(t, int32(1), changes.Load(), "a lookup does not")
}

func TestManager_SubscribePrimesClient(t *testing.T) {
	m, _, st := newTestManager(t)
	ctx := context.Background()

	// Seed some history.
	conv, _, err := st.GetOrCreateConversation(ctx, "default", store.OriginWeb)
	require.NoError(t, err)
	_, err = st.CreateMessage(ctx, conv.ID, store.RoleUser, "earlier", store.OriginWeb)
	require.NoError(t, err)

	rec := &recorder{}
	_, err = m.Subscribe(ctx, "client-1", "default", ClientWeb, rec.callback)
	require.NoError(t, err)

	types := rec.types()
	require.Equal(t, []EventType{EventSessionSwitched, EventHistory}, types)

	history := rec.byType(EventHistory)[0]
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "earlier", history.Messages[0].Content)
}

func TestManager_SubscribeReplacesPriorBinding(t *testing.T) {
	m, launcher, _ := newTestManager(t)
	ctx := context.Background()

	rec := &recorder{}
	first, err := m.Subscribe(ctx, "client-1", "alpha", ClientWeb, rec.callback)
	require.NoError(t, err)
	second, err := m.Subscribe(ctx, "client-1", "beta", ClientWeb, rec.callback)
	require.NoError(t, err)

	assert.Equal(t, 0, first.SubscriberCount(), "old binding is released")
	assert.Equal(t, 1, second.SubscriberCount())

	// Send routes to the current binding.
	require.NoError(t, m.Send(ctx, "client-1", "hello"))
	assert.Equal(t, StatusProcessing, second.Status())
	assert.Equal(t, StatusIdle, first.Status())
	assert.Equal(t, 1, launcher.launches())
}

func TestManager_SendUnbound(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.Send(context.Background(), "stranger", "hello")
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestManager_Unsubscribe(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	rec := &recorder{}
	sess, err := m.Subscribe(ctx, "client-1", "default", ClientBot, rec.callback)
	require.NoError(t, err)

	m.Unsubscribe("client-1")
	assert.Equal(t, 0, sess.SubscriberCount())
	assert.ErrorIs(t, m.Send(ctx, "client-1", "hello"), ErrNotSubscribed)

	// Idempotent, including for never-bound clients.
	m.Unsubscribe("client-1")
	m.Unsubscribe("never-bound")
}

func TestManager_StopGeneration(t *testing.T) {
	m, launcher, _ := newTestManager(t)
	ctx := context.Background()

	assert.False(t, m.StopGeneration("client-1"))

	rec := &recorder{}
	_, err := m.Subscribe(ctx, "client-1", "default", ClientWeb, rec.callback)
	require.NoError(t, err)

	assert.False(t, m.StopGeneration("client-1"), "nothing in flight yet")

	require.NoError(t, m.Send(ctx, "client-1", "hello"))
	assert.True(t, m.StopGeneration("client-1"))

	proc := launcher.proc(0)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, 1, proc.interrupted)
}

func TestManager_BroadcastFileDelivery(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	subscribed := &recorder{}
	_, err := m.Subscribe(ctx, "client-1", "watched", ClientWeb, subscribed.callback)
	require.NoError(t, err)

	// A conversation with no subscribers is skipped.
	_, err = m.GetOrCreate(ctx, "ignored", store.OriginWeb)
	require.NoError(t, err)

	count := m.BroadcastFileDelivery("/outbox/report.pdf", "report.pdf", "weekly report")
	assert.Equal(t, 1, count)

	deliveries := subscribed.byType(EventFileDelivery)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "report.pdf", deliveries[0].Filename)
	assert.Equal(t, "weekly report", deliveries[0].Caption)
	assert.Equal(t, "/files/report.pdf", deliveries[0].FileURL)
	assert.Equal(t, "watched", deliveries[0].SessionName)
}

func TestManager_LifecycleOps(t *testing.T) {
	m, _, st := newTestManager(t)
	ctx := context.Background()

	var changes atomic.Int32
	remove := m.OnSessionsChanged(func() { changes.Add(1) })
	defer remove()

	rec := &recorder{}
	sess, err := m.Subscribe(ctx, "client-1", "default", ClientWeb, rec.callback)
	require.NoError(t, err)
	changes.Store(0)

	require.NoError(t, m.Pin(ctx, "default"))
	require.NoError(t, m.Unpin(ctx, "default"))
	assert.Equal(t, int32(2), changes.Load())

	require.NoError(t, m.Archive(ctx, "default"))
	assert.Equal(t, StatusTerminated, sess.Status(), "archiving closes live state")
	assert.ErrorIs(t, m.Send(ctx, "client-1", "hello"), ErrNotSubscribed)

	conv, err := st.GetConversation(ctx, "default")
	require.NoError(t, err)
	assert.True(t, conv.Archived)

	require.NoError(t, m.Unarchive(ctx, "default"))
	conv, err = st.GetConversation(ctx, "default")
	require.NoError(t, err)
	assert.False(t, conv.Archived)

	assert.ErrorIs(t, m.Archive(ctx, "missing"), store.ErrNotFound)
}

func TestManager_Rename(t *testing.T) {
	m, _, st := newTestManager(t)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "old", store.OriginWeb)
	require.NoError(t, err)

	require.NoError(t, m.Rename(ctx, "old", "new"))
	assert.Equal(t, StatusTerminated, sess.Status())

	_, err = st.GetConversation(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetConversation(ctx, "new")
	require.NoError(t, err)

	// A fresh session forms under the new name.
	renamed, err := m.GetOrCreate(ctx, "new", store.OriginWeb)
	require.NoError(t, err)
	assert.NotSame(t, sess, renamed)
}

func TestManager_Delete(t *testing.T) {
	m, _, st := newTestManager(t)
	ctx := context.Background()

	rec := &recorder{}
	sess, err := m.Subscribe(ctx, "client-1", "doomed", ClientBot, rec.callback)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, "client-1", "bye"))

	require.NoError(t, m.Delete(ctx, "doomed"))
	assert.Equal(t, StatusTerminated, sess.Status())

	_, err = st.GetConversation(ctx, "doomed")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetMessages(ctx, "doomed", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_OnConversationRemoved(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var removed []string
	remove := m.OnConversationRemoved(func(name string) { removed = append(removed, name) })
	defer remove()

	_, err := m.GetOrCreate(ctx, "doomed", store.OriginWeb)
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "old", store.OriginWeb)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "doomed"))
	require.NoError(t, m.Rename(ctx, "old", "new"))
	assert.Equal(t, []string{"doomed", "old"}, removed)

	// Archiving keeps the conversation; no removal fires.
	_, err = m.GetOrCreate(ctx, "kept", store.OriginWeb)
	require.NoError(t, err)
	require.NoError(t, m.Archive(ctx, "kept"))
	assert.Equal(t, []string{"doomed", "old"}, removed)
}

func TestManager_ListConversations(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "one", store.OriginWeb)
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "two", store.OriginBot)
	require.NoError(t, err)
	require.NoError(t, m.Archive(ctx, "one"))

	active, err := m.ListConversations(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "two", active[0].Name)

	all, err := m.ListConversations(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestManager_CloseTerminatesSessions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "default", store.OriginWeb)
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, StatusTerminated, sess.Status())

	_, err = m.GetOrCreate(ctx, "default", store.OriginWeb)
	assert.ErrorIs(t, err, ErrTerminated)
}
