// ABOUTME: Manager is the name-to-session registry and client subscription bookkeeper.
// ABOUTME: The single entry point transports use: subscribe, send, lifecycle ops, list-changed fan-out.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/AgentiveAU/MyAgentive/internal/store"
)

var (
	// ErrNotSubscribed is returned when a client sends without a binding.
	ErrNotSubscribed = errors.New("client is not subscribed to a conversation")

	// ErrSessionNotFound is returned when a client's bound conversation
	// no longer exists in the registry.
	ErrSessionNotFound = errors.New("conversation not found")
)

// ClientType distinguishes transport kinds in subscription bookkeeping.
type ClientType string

const (
	ClientWeb ClientType = "web"
	ClientBot ClientType = "bot"
)

// Origin maps a client type to the message origin it produces.
func (c ClientType) Origin() string {
	if c == ClientBot {
		return store.OriginBot
	}
	return store.OriginWeb
}

type binding struct {
	name       string
	clientType ClientType
}

// Manager owns every live Session and the client-to-conversation
// bindings. Transports never touch its maps directly; all mutation goes
// through Manager methods.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	sessions        map[string]*Session
	bindings        map[string]binding
	listeners       map[int]func()
	removeListeners map[int]func(name string)
	nextListener    int
	closed          bool
}

// NewManager builds a registry around the given collaborators.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:             cfg,
		logger:          logger.With("component", "manager"),
		sessions:        make(map[string]*Session),
		bindings:        make(map[string]binding),
		listeners:       make(map[int]func()),
		removeListeners: make(map[int]func(string)),
	}
}

// GetOrCreate returns the live session for name, creating the durable
// conversation and its state machine as needed. Creating a conversation
// notifies list-changed listeners.
func (m *Manager) GetOrCreate(ctx context.Context, name, origin string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrTerminated
	}
	if sess, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	conv, created, err := m.cfg.Store.GetOrCreateConversation(ctx, name, origin)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %q: %w", name, err)
	}

	m.mu.Lock()
	if sess, ok := m.sessions[name]; ok {
		// Lost the creation race to a concurrent caller.
		m.mu.Unlock()
		return sess, nil
	}
	sess := newSession(conv, m.cfg)
	m.sessions[name] = sess
	m.mu.Unlock()

	if created {
		m.logger.Info("conversation created", "name", name, "origin", origin)
		m.notifySessionsChanged()
	}
	return sess, nil
}

// Subscribe binds a client to a conversation, replacing any prior
// binding, and primes the new callback with a session-switched event
// followed by the conversation's history.
func (m *Manager) Subscribe(ctx context.Context, clientID, name string, clientType ClientType, fn Subscriber) (*Session, error) {
	sess, err := m.GetOrCreate(ctx, name, clientType.Origin())
	if err != nil {
		return nil, err
	}

	m.Unsubscribe(clientID)

	m.mu.Lock()
	m.bindings[clientID] = binding{name: name, clientType: clientType}
	m.mu.Unlock()
	sess.Subscribe(clientID, fn)

	fn(Event{Type: EventSessionSwitched, SessionName: name})

	msgs, err := m.cfg.Store.GetMessages(ctx, name, 0)
	if err != nil {
		m.logger.Warn("failed to load history", "conversation", name, "error", err)
	} else {
		fn(Event{Type: EventHistory, SessionName: name, Messages: msgs})
	}
	return sess, nil
}

// Unsubscribe removes a client's binding. Idempotent.
func (m *Manager) Unsubscribe(clientID string) {
	m.mu.Lock()
	b, ok := m.bindings[clientID]
	if ok {
		delete(m.bindings, clientID)
	}
	sess := m.sessions[b.name]
	m.mu.Unlock()

	if ok && sess != nil {
		sess.Unsubscribe(clientID)
	}
}

// Send forwards a message to the client's bound conversation.
func (m *Manager) Send(ctx context.Context, clientID, content string) error {
	m.mu.Lock()
	b, ok := m.bindings[clientID]
	sess := m.sessions[b.name]
	m.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	return sess.SendMessage(ctx, content, b.clientType.Origin())
}

// StopGeneration interrupts the turn in the client's bound conversation.
// Returns false when the client is unbound or nothing is in flight.
func (m *Manager) StopGeneration(clientID string) bool {
	m.mu.Lock()
	b, ok := m.bindings[clientID]
	sess := m.sessions[b.name]
	m.mu.Unlock()

	if !ok || sess == nil {
		return false
	}
	return sess.StopGeneration()
}

// BroadcastFileDelivery pushes an out-of-band file to every conversation
// that has at least one subscriber. Returns the number of conversations
// notified.
func (m *Manager) BroadcastFileDelivery(filePath, filename, caption string) int {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	count := 0
	for _, sess := range sessions {
		if sess.SubscriberCount() == 0 {
			continue
		}
		sess.broadcast(Event{
			Type:        EventFileDelivery,
			SessionName: sess.Name(),
			FilePath:    filePath,
			Filename:    filename,
			Caption:     caption,
			FileURL:     path.Join(m.cfg.FileURLBase, filename),
			FileType:    classifyFile(filename),
		})
		count++
	}
	return count
}

// ListConversations returns the durable conversation list.
func (m *Manager) ListConversations(ctx context.Context, includeArchived bool) ([]*store.Conversation, error) {
	return m.cfg.Store.ListConversations(ctx, includeArchived)
}

// History returns a conversation's persisted messages.
func (m *Manager) History(ctx context.Context, name string) ([]*store.Message, error) {
	return m.cfg.Store.GetMessages(ctx, name, 0)
}

// Archive archives a conversation, closing any live state.
func (m *Manager) Archive(ctx context.Context, name string) error {
	if err := m.cfg.Store.SetArchived(ctx, name, true); err != nil {
		return fmt.Errorf("archiving %q: %w", name, err)
	}
	m.evict(name)
	m.notifySessionsChanged()
	return nil
}

// Unarchive restores a conversation to the active list.
func (m *Manager) Unarchive(ctx context.Context, name string) error {
	if err := m.cfg.Store.SetArchived(ctx, name, false); err != nil {
		return fmt.Errorf("unarchiving %q: %w", name, err)
	}
	m.notifySessionsChanged()
	return nil
}

// Pin marks a conversation to sort first in listings.
func (m *Manager) Pin(ctx context.Context, name string) error {
	if err := m.cfg.Store.SetPinned(ctx, name, true); err != nil {
		return fmt.Errorf("pinning %q: %w", name, err)
	}
	m.notifySessionsChanged()
	return nil
}

// Unpin clears a conversation's pinned flag.
func (m *Manager) Unpin(ctx context.Context, name string) error {
	if err := m.cfg.Store.SetPinned(ctx, name, false); err != nil {
		return fmt.Errorf("unpinning %q: %w", name, err)
	}
	m.notifySessionsChanged()
	return nil
}

// Rename changes a conversation's name. Live state keyed by the old name
// is closed and evicted; clients re-subscribe under the new name.
func (m *Manager) Rename(ctx context.Context, name, newName string) error {
	if err := m.cfg.Store.RenameConversation(ctx, name, newName); err != nil {
		return fmt.Errorf("renaming %q: %w", name, err)
	}
	m.evict(name)
	m.notifyConversationRemoved(name)
	m.notifySessionsChanged()
	return nil
}

// Delete removes a conversation and its history permanently.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.cfg.Store.DeleteConversation(ctx, name); err != nil {
		return fmt.Errorf("deleting %q: %w", name, err)
	}
	m.evict(name)
	m.notifyConversationRemoved(name)
	m.notifySessionsChanged()
	return nil
}

// OnSessionsChanged registers a listener for conversation list changes.
// The returned function removes the listener.
func (m *Manager) OnSessionsChanged(fn func()) (remove func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// OnConversationRemoved registers a listener invoked with the name of
// every deleted or renamed-away conversation, so transports can drop
// state (reply routes) that references it.
func (m *Manager) OnConversationRemoved(fn func(name string)) (remove func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.removeListeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.removeListeners, id)
		m.mu.Unlock()
	}
}

// notifyConversationRemoved invokes removal listeners outside the lock.
func (m *Manager) notifyConversationRemoved(name string) {
	m.mu.Lock()
	fns := make([]func(string), 0, len(m.removeListeners))
	for _, fn := range m.removeListeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(name)
	}
}

// Close terminates every live session. The store is owned by the caller
// and stays open.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.bindings = make(map[string]binding)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// evict closes and removes a conversation's in-memory state along with
// any client bindings pointing at it.
func (m *Manager) evict(name string) {
	m.mu.Lock()
	sess := m.sessions[name]
	delete(m.sessions, name)
	for id, b := range m.bindings {
		if b.name == name {
			delete(m.bindings, id)
		}
	}
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// notifySessionsChanged invokes every registered listener outside the
// registry lock.
func (m *Manager) notifySessionsChanged() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
