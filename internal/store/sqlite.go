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

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// PRAGMAs are per-connection; a single pooled connection keeps them applied
	db.SetMaxOpenConns(1)

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
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			title      TEXT NOT NULL,
			protected  INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq                INTEGER PRIMARY KEY AUTOINCREMENT,
			id                 TEXT NOT NULL UNIQUE,
			conversation_id    TEXT NOT NULL,
			role               TEXT NOT NULL,
			content            TEXT NOT NULL,
			sources_json       TEXT,
			related_cases_json TEXT,
			created_at         TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation creates a new conversation row
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, user_id, title, protected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.UserID,
		conv.Title,
		boolToInt(conv.Protected),
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user", conv.UserID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, user_id, title, protected, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`

	var conv Conversation
	var protected int
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&protected,
		&createdAtStr,
		&updatedAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Protected = protected != 0

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// ListConversations retrieves all conversations owned by the user, most
// recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `
		SELECT id, user_id, title, protected, created_at, updated_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var protected int
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&conv.ID,
			&conv.UserID,
			&conv.Title,
			&protected,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.Protected = protected != 0

		conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		convs = append(convs, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// RenameConversation changes a conversation's title. Returns ErrNotFound if
// the conversation doesn't exist and ErrPermissionDenied if it belongs to a
// different user.
func (s *SQLiteStore) RenameConversation(ctx context.Context, userID, id, title string) error {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return ErrPermissionDenied
	}

	query := `
		UPDATE conversations
		SET title = ?, updated_at = ?
		WHERE id = ?
	`

	if _, err := s.db.ExecContext(ctx, query, title, time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return fmt.Errorf("renaming conversation: %w", err)
	}

	s.logger.Debug("renamed conversation", "id", id)
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
// Ownership and the protected flag are checked before anything is removed,
// so a denied delete leaves the row exactly as it was.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, id string) error {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.UserID != userID || conv.Protected {
		return ErrPermissionDenied
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", id, "user", userID)
	return nil
}

// AppendMessage persists a message at the end of its conversation. The
// database assigns Seq; the struct's Seq field is updated on return. The
// owning conversation's updated_at is bumped so it sorts to the top of lists.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *StoredMessage) error {
	sourcesJSON, err := marshalJSONOrNull(msg.Sources)
	if err != nil {
		return fmt.Errorf("encoding sources: %w", err)
	}
	casesJSON, err := marshalJSONOrNull(msg.RelatedCases)
	if err != nil {
		return fmt.Errorf("encoding related cases: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, conversation_id, role, content, sources_json, related_cases_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := tx.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		sourcesJSON,
		casesJSON,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("inserting message for conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting message seq: %w", err)
	}

	bump := `UPDATE conversations SET updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, bump, time.Now().UTC().Format(time.RFC3339), msg.ConversationID); err != nil {
		return fmt.Errorf("updating conversation timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	msg.Seq = seq
	s.logger.Debug("appended message", "id", msg.ID, "conversation", msg.ConversationID, "seq", seq)
	return nil
}

// ListMessages retrieves a conversation's messages in seq order. Returns
// ErrNotFound if the conversation doesn't exist and ErrPermissionDenied if
// it belongs to a different user.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, conversationID string) ([]*StoredMessage, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrPermissionDenied
	}

	query := `
		SELECT seq, id, conversation_id, role, content, sources_json, related_cases_json, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*StoredMessage
	for rows.Next() {
		var msg StoredMessage
		var sourcesJSON, casesJSON sql.NullString
		var createdAtStr string

		if err := rows.Scan(
			&msg.Seq,
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&sourcesJSON,
			&casesJSON,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &msg.Sources); err != nil {
				return nil, fmt.Errorf("decoding sources for message %s: %w", msg.ID, err)
			}
		}
		if casesJSON.Valid && casesJSON.String != "" {
			if err := json.Unmarshal([]byte(casesJSON.String), &msg.RelatedCases); err != nil {
				return nil, fmt.Errorf("decoding related cases for message %s: %w", msg.ID, err)
			}
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		msgs = append(msgs, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return msgs, nil
}

// DeleteMessage removes a single message from a conversation the user owns.
// Returns ErrNotFound if the conversation or message doesn't exist and
// ErrPermissionDenied if the conversation belongs to a different user.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, userID, conversationID, messageID string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return ErrPermissionDenied
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted message", "id", messageID, "conversation", conversationID)
	return nil
}

// boolToInt converts a bool to SQLite's integer representation
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSONOrNull encodes a slice as JSON, returning a NULL-able value so
// empty attachments don't store "[]" noise.
func marshalJSONOrNull[T any](v []T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
