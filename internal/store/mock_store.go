// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing. Optional
// error fields let tests inject failures on specific operations.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by name
	messages      map[string][]*Message    // keyed by conversation ID

	// Error injection for tests. When set, the corresponding operation
	// returns the error without touching state.
	CreateMessageErr error
	UpdateTokenErr   error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// GetOrCreateConversation returns or creates the named conversation,
// reporting whether it created it.
func (m *MockStore) GetOrCreateConversation(ctx context.Context, name, origin string) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.conversations[name]; ok {
		result := *conv
		return &result, false, nil
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.New().String(),
		Name:      name,
		Title:     name,
		Origin:    origin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[name] = conv

	result := *conv
	return &result, true, nil
}

// GetConversation retrieves a conversation by name.
func (m *MockStore) GetConversation(ctx context.Context, name string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[name]
	if !ok {
		return nil, ErrNotFound
	}
	result := *conv
	return &result, nil
}

// ListConversations returns conversations, pinned first then most recently
// updated.
func (m *MockStore) ListConversations(ctx context.Context, includeArchived bool) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, conv := range m.conversations {
		if conv.Archived && !includeArchived {
			continue
		}
		result := *conv
		convs = append(convs, &result)
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].Pinned != convs[j].Pinned {
			return convs[i].Pinned
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// RenameConversation changes a conversation's name.
func (m *MockStore) RenameConversation(ctx context.Context, name, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[name]
	if !ok {
		return ErrNotFound
	}
	if _, taken := m.conversations[newName]; taken {
		return ErrDuplicateName
	}
	delete(m.conversations, name)
	conv.Name = newName
	conv.Title = newName
	conv.UpdatedAt = time.Now().UTC()
	m.conversations[newName] = conv
	return nil
}

// SetArchived sets the archived flag.
func (m *MockStore) SetArchived(ctx context.Context, name string, archived bool) error {
	return m.mutate(name, func(conv *Conversation) {
		conv.Archived = archived
	})
}

// SetPinned sets the pinned flag.
func (m *MockStore) SetPinned(ctx context.Context, name string, pinned bool) error {
	return m.mutate(name, func(conv *Conversation) {
		conv.Pinned = pinned
	})
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[name]
	if !ok {
		return ErrNotFound
	}
	delete(m.conversations, name)
	delete(m.messages, conv.ID)
	return nil
}

// UpdateResumeToken stores the resume token.
func (m *MockStore) UpdateResumeToken(ctx context.Context, name, token string) error {
	if m.UpdateTokenErr != nil {
		return m.UpdateTokenErr
	}
	return m.mutate(name, func(conv *Conversation) {
		conv.ResumeToken = token
	})
}

// ClearResumeToken removes the resume token.
func (m *MockStore) ClearResumeToken(ctx context.Context, name string) error {
	return m.mutate(name, func(conv *Conversation) {
		conv.ResumeToken = ""
	})
}

// CreateMessage appends a message.
func (m *MockStore) CreateMessage(ctx context.Context, conversationID, role, content, origin string) (*Message, error) {
	if m.CreateMessageErr != nil {
		return nil, m.CreateMessageErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Origin:         origin,
		CreatedAt:      time.Now().UTC(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	for _, conv := range m.conversations {
		if conv.ID == conversationID {
			conv.UpdatedAt = msg.CreatedAt
			break
		}
	}

	result := *msg
	return &result, nil
}

// GetMessages returns a conversation's messages in chronological order.
func (m *MockStore) GetMessages(ctx context.Context, conversationName string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationName]
	if !ok {
		return nil, ErrNotFound
	}

	msgs := m.messages[conv.ID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		result := *msg
		out = append(out, &result)
	}
	return out, nil
}

// UpdateMessageMetadata merges patch into a message's metadata.
func (m *MockStore) UpdateMessageMetadata(ctx context.Context, messageID string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID != messageID {
				continue
			}
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]any)
			}
			for k, v := range patch {
				msg.Metadata[k] = v
			}
			return nil
		}
	}
	return ErrNotFound
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// mutate applies fn to the named conversation under the write lock.
func (m *MockStore) mutate(name string, fn func(*Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[name]
	if !ok {
		return ErrNotFound
	}
	fn(conv)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}
