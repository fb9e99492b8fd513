// ABOUTME: Store interface and data types for solon-gateway persistence
// ABOUTME: Defines Conversation, StoredMessage structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrPermissionDenied is returned when a caller attempts to modify or delete
// an entity it does not own, or one that is protected from deletion
var ErrPermissionDenied = errors.New("permission denied")

// Role constants for message authorship
const (
	RoleUser      = "user"      // Message typed by the end user
	RoleAssistant = "assistant" // Message produced by the counsel engine
)

// Conversation represents a persisted chat conversation owned by a user
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	Protected bool // protected conversations cannot be deleted
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source is a document citation attached to an assistant message
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// RelatedCase is a case-law reference attached to an assistant message
type RelatedCase struct {
	Name     string `json:"name"`
	Citation string `json:"citation,omitempty"`
}

// StoredMessage represents a single message within a conversation.
// Seq is assigned by the database and defines the canonical display order.
type StoredMessage struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           string // "user" or "assistant"
	Content        string
	Sources        []Source
	RelatedCases   []RelatedCase
	CreatedAt      time.Time
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	RenameConversation(ctx context.Context, userID, id, title string) error

	// DeleteConversation removes a conversation and its messages. It returns
	// ErrNotFound if the conversation does not exist and ErrPermissionDenied
	// if it belongs to another user or is protected.
	DeleteConversation(ctx context.Context, userID, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *StoredMessage) error
	ListMessages(ctx context.Context, userID, conversationID string) ([]*StoredMessage, error)
	DeleteMessage(ctx context.Context, userID, conversationID, messageID string) error

	// Ping verifies the database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
