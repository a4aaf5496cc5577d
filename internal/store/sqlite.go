// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			title        TEXT NOT NULL,
			origin       TEXT NOT NULL DEFAULT 'web',
			archived     INTEGER NOT NULL DEFAULT 0,
			pinned       INTEGER NOT NULL DEFAULT 0,
			resume_token TEXT,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_name
			ON conversations(name);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			origin          TEXT NOT NULL,
			metadata        TEXT,
			created_at      DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			CHECK (role IN ('user', 'assistant')),
			CHECK (origin IN ('web', 'bot', 'engine'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// GetOrCreateConversation returns the conversation with the given name,
// creating it if it doesn't exist, and reports whether it created it. A
// creation race with another caller resolves to the row the winner inserted.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, name, origin string) (*Conversation, bool, error) {
	conv, err := s.GetConversation(ctx, name)
	if err == nil {
		return conv, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:        uuid.New().String(),
		Name:      name,
		Title:     name,
		Origin:    origin,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, name, title, origin, archived, pinned, resume_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, NULL, ?, ?)`,
		conv.ID, conv.Name, conv.Title, conv.Origin, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the creation race; the winner's row is authoritative.
			winner, getErr := s.GetConversation(ctx, name)
			return winner, false, getErr
		}
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("conversation created", "name", name, "id", conv.ID, "origin", origin)
	return conv, true, nil
}

// GetConversation returns the conversation with the given name.
func (s *SQLiteStore) GetConversation(ctx context.Context, name string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, title, origin, archived, pinned, resume_token, created_at, updated_at
		FROM conversations WHERE name = ?`, name)
	return scanConversation(row)
}

// ListConversations returns all conversations, pinned first, most recently
// updated next. Archived conversations are excluded unless requested.
func (s *SQLiteStore) ListConversations(ctx context.Context, includeArchived bool) ([]*Conversation, error) {
	query := `
		SELECT id, name, title, origin, archived, pinned, resume_token, created_at, updated_at
		FROM conversations`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY pinned DESC, updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// RenameConversation changes a conversation's name and title.
// Returns ErrDuplicateName if the new name is taken, ErrNotFound if the
// conversation doesn't exist.
func (s *SQLiteStore) RenameConversation(ctx context.Context, name, newName string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET name = ?, title = ?, updated_at = ? WHERE name = ?`,
		newName, newName, time.Now().UTC(), name,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("renaming conversation: %w", err)
	}
	return requireRowAffected(result)
}

// SetArchived sets the archived flag on a conversation.
func (s *SQLiteStore) SetArchived(ctx context.Context, name string, archived bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET archived = ?, updated_at = ? WHERE name = ?`,
		boolToInt(archived), time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("updating archived flag: %w", err)
	}
	return requireRowAffected(result)
}

// SetPinned sets the pinned flag on a conversation.
func (s *SQLiteStore) SetPinned(ctx context.Context, name string, pinned bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET pinned = ?, updated_at = ? WHERE name = ?`,
		boolToInt(pinned), time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("updating pinned flag: %w", err)
	}
	return requireRowAffected(result)
}

// DeleteConversation removes a conversation and all its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE name = ?)`, name); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if err := requireRowAffected(result); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateResumeToken stores the engine resume token for a conversation.
func (s *SQLiteStore) UpdateResumeToken(ctx context.Context, name, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET resume_token = ?, updated_at = ? WHERE name = ?`,
		token, time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("updating resume token: %w", err)
	}
	return requireRowAffected(result)
}

// ClearResumeToken removes the engine resume token, forcing the next engine
// instance to start without restored context.
func (s *SQLiteStore) ClearResumeToken(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET resume_token = NULL, updated_at = ? WHERE name = ?`,
		time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("clearing resume token: %w", err)
	}
	return requireRowAffected(result)
}

// CreateMessage appends a message to a conversation and returns it.
func (s *SQLiteStore) CreateMessage(ctx context.Context, conversationID, role, content, origin string) (*Message, error) {
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Origin:         origin,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, origin, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Origin, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	// Any engine interaction counts as activity on the conversation.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, conversationID,
	); err != nil {
		s.logger.Warn("failed to touch conversation timestamp", "conversation_id", conversationID, "error", err)
	}

	return msg, nil
}

// GetMessages returns a conversation's messages in chronological order.
// A limit <= 0 returns all messages.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationName string, limit int) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, conversationName); err != nil {
		return nil, err
	}

	query := `
		SELECT m.id, m.conversation_id, m.role, m.content, m.origin, m.metadata, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.name = ?
		ORDER BY m.created_at ASC, m.id ASC`
	args := []any{conversationName}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Origin, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				s.logger.Warn("ignoring malformed message metadata", "message_id", msg.ID, "error", err)
			}
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// UpdateMessageMetadata merges patch into the message's metadata. Existing
// keys not present in patch are preserved; content is never touched.
func (s *SQLiteStore) UpdateMessageMetadata(ctx context.Context, messageID string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning metadata transaction: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = ?`, messageID).Scan(&existing)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading message metadata: %w", err)
	}

	merged := make(map[string]any)
	if existing.Valid && existing.String != "" {
		if err := json.Unmarshal([]byte(existing.String), &merged); err != nil {
			s.logger.Warn("replacing malformed message metadata", "message_id", messageID, "error", err)
			merged = make(map[string]any)
		}
	}
	for k, v := range patch {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding message metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET metadata = ? WHERE id = ?`, string(data), messageID); err != nil {
		return fmt.Errorf("writing message metadata: %w", err)
	}

	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for scanConversation.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var archived, pinned int
	var resumeToken sql.NullString
	err := row.Scan(&conv.ID, &conv.Name, &conv.Title, &conv.Origin, &archived, &pinned, &resumeToken, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	conv.Archived = archived != 0
	conv.Pinned = pinned != 0
	if resumeToken.Valid {
		conv.ResumeToken = resumeToken.String
	}
	return &conv, nil
}

// requireRowAffected converts a zero-row UPDATE/DELETE into ErrNotFound.
func requireRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
