// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Conversation, Message structs and the Store contract the session layer depends on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateName is returned when a conversation name is already taken
var ErrDuplicateName = errors.New("conversation name already exists")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message origins identify which transport produced a message
const (
	OriginWeb    = "web"
	OriginBot    = "bot"
	OriginEngine = "engine"
)

// Conversation is a durable named chat context. Name is globally unique and
// stable for the conversation's lifetime. ResumeToken is the opaque engine
// identifier used to restore context in a fresh engine instance; it is empty
// when no token has been captured or after it has been cleared.
type Conversation struct {
	ID          string
	Name        string
	Title       string
	Origin      string
	Archived    bool
	Pinned      bool
	ResumeToken string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one turn of a conversation. Content is immutable once written;
// Metadata may be amended later to attach late-discovered output files.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Origin         string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Store defines the persistence contract for conversations and messages
type Store interface {
	// Conversations. GetOrCreateConversation reports whether it created
	// the conversation so callers can announce new ones.
	GetOrCreateConversation(ctx context.Context, name, origin string) (*Conversation, bool, error)
	GetConversation(ctx context.Context, name string) (*Conversation, error)
	ListConversations(ctx context.Context, includeArchived bool) ([]*Conversation, error)
	RenameConversation(ctx context.Context, name, newName string) error
	SetArchived(ctx context.Context, name string, archived bool) error
	SetPinned(ctx context.Context, name string, pinned bool) error
	DeleteConversation(ctx context.Context, name string) error

	// Resume token lifecycle
	UpdateResumeToken(ctx context.Context, name, token string) error
	ClearResumeToken(ctx context.Context, name string) error

	// Messages
	CreateMessage(ctx context.Context, conversationID, role, content, origin string) (*Message, error)
	GetMessages(ctx context.Context, conversationName string, limit int) ([]*Message, error)
	UpdateMessageMetadata(ctx context.Context, messageID string, patch map[string]any) error

	// Close releases any resources held by the store
	Close() error
}
