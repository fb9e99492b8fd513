// ABOUTME: Optimistic client-side store for conversations and messages
// ABOUTME: Implements shadow-delete reconciliation against the remote store

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/solon-labs/solon-gateway/internal/store"
)

// localIDPrefix marks identifiers minted locally before the remote store
// assigns a durable one
const localIDPrefix = "local-"

// Conversation is the client's view of a conversation
type Conversation struct {
	ID        string
	Title     string
	Persisted bool // true once the remote store assigned the id
}

// Message is the client's view of a message in the active conversation
type Message struct {
	ID           string
	Role         string
	Text         string
	Sources      []store.Source
	RelatedCases []store.RelatedCase
	Persisted    bool
}

// StateStore holds the optimistic local conversation state. Deletes are
// applied locally first; remote deletes are best-effort, and unconfirmed
// ones are shadowed so the entity never reappears. All reads filter through
// the shadow set regardless of what the remote store returns.
type StateStore struct {
	remote  Remote
	shadows *ShadowSet
	logger  *slog.Logger

	mu            sync.Mutex
	conversations []*Conversation
	activeID      string
	messages      []*Message
}

// NewStateStore creates a state store over the given remote and shadow set.
func NewStateStore(remote Remote, shadows *ShadowSet) *StateStore {
	return &StateStore{
		remote:  remote,
		shadows: shadows,
		logger:  slog.Default().With("component", "state-store"),
	}
}

// Refresh replaces the conversation list with the remote store's view,
// minus everything shadowed. Unpersisted local conversations survive the
// refresh.
func (s *StateStore) Refresh(ctx context.Context) error {
	remote, err := s.remote.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refreshing conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var next []*Conversation
	for _, c := range s.conversations {
		if !c.Persisted {
			next = append(next, c)
		}
	}
	for _, rc := range remote {
		if s.shadows.Contains(rc.ID) {
			continue
		}
		next = append(next, &Conversation{ID: rc.ID, Title: rc.Title, Persisted: true})
	}
	s.conversations = next
	return nil
}

// Reconcile walks the shadow set, confirming deletions. Each id is advanced
// through the delete lifecycle from StateShadowed: ids the remote store no
// longer knows reach StateConfirmedGone and are released; ids still present
// stay shadowed and get their delete re-issued. Run once per session start.
func (s *StateStore) Reconcile(ctx context.Context) {
	for _, id := range s.shadows.IDs() {
		_, err := s.remote.GetConversation(ctx, id)
		if err != nil && !errors.Is(err, ErrRemoteNotFound) {
			s.logger.Warn("reconciliation read failed", "id", id, "error", err)
			continue
		}

		event := EventRemotePresent
		if err != nil {
			event = EventRemoteAbsent
		}
		next, ok := NextDeleteState(StateShadowed, event)
		if !ok {
			s.logger.Error("invalid delete transition", "id", id, "event", event)
			continue
		}

		switch next {
		case StateConfirmedGone:
			if err := s.shadows.Remove(id); err != nil {
				s.logger.Error("failed to persist shadow removal", "id", id, "error", err)
				continue
			}
			s.logger.Info("deletion confirmed, shadow released", "id", id)

		case StateShadowed:
			// Permissions may have been fixed since the original attempt,
			// so try the delete again.
			if err := s.remote.DeleteConversation(ctx, id); err != nil {
				s.logger.Debug("re-issued delete still failing", "id", id, "error", err)
			}
		}
	}
}

// Conversations returns the visible conversation list. The shadow filter is
// applied here as well, so a shadowed id never renders even if it slipped
// into the list.
func (s *StateStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if s.shadows.Contains(c.ID) {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// ActiveID returns the active conversation id, or "" when none is active.
func (s *StateStore) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// NewConversation starts a conversation under a local transient handle and
// makes it active. The handle is replaced by the durable id when the remote
// record is created on first send.
func (s *StateStore) NewConversation(title string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := localIDPrefix + uuid.New().String()
	s.conversations = append(s.conversations, &Conversation{ID: id, Title: title})
	s.activeID = id
	s.messages = nil
	return id
}

// SelectConversation makes id the active conversation and loads its
// messages from the remote store. Shadowed ids behave as if they do not
// exist.
func (s *StateStore) SelectConversation(ctx context.Context, id string) error {
	if s.shadows.Contains(id) {
		return ErrRemoteNotFound
	}

	msgs, err := s.remote.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeID = id
	s.messages = nil
	for _, rm := range msgs {
		s.messages = append(s.messages, &Message{
			ID:           rm.ID,
			Role:         rm.Role,
			Text:         rm.Content,
			Sources:      rm.Sources,
			RelatedCases: rm.RelatedCases,
			Persisted:    true,
		})
	}
	return nil
}

// DeleteConversation removes a conversation. The local list drops it
// synchronously and the id is shadowed before the remote delete is even
// attempted; a failing remote delete is logged and absorbed, never
// surfaced, and never resurrects the entity.
func (s *StateStore) DeleteConversation(ctx context.Context, id string) {
	s.mu.Lock()
	persisted := false
	for i, c := range s.conversations {
		if c.ID == id {
			persisted = c.Persisted
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
		s.messages = nil
	}
	s.mu.Unlock()

	// A conversation that never reached the remote store has nothing to
	// shadow or delete.
	if !persisted {
		return
	}

	st, _ := NextDeleteState(StatePresent, EventDeleteRequested)

	if err := s.shadows.Add(id); err != nil {
		s.logger.Error("failed to persist shadow entry", "id", id, "error", err)
	}
	st, _ = NextDeleteState(st, EventShadowRecorded)

	if err := s.remote.DeleteConversation(ctx, id); err != nil {
		s.logger.Warn("remote delete failed", "id", id, "state", st, "error", err)
	}
}

// Messages returns a snapshot of the active conversation's messages.
func (s *StateStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// AppendUserMessage adds the user's prompt to the active conversation under
// a local id and returns that id.
func (s *StateStore) AppendUserMessage(text string) string {
	return s.appendLocal(store.RoleUser, text)
}

// AppendAssistantPlaceholder adds an empty assistant message that the
// stream consumer mutates in place as fragments arrive.
func (s *StateStore) AppendAssistantPlaceholder() string {
	return s.appendLocal(store.RoleAssistant, "")
}

func (s *StateStore) appendLocal(role, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := localIDPrefix + uuid.New().String()
	s.messages = append(s.messages, &Message{ID: id, Role: role, Text: text})
	return id
}

// SetMessageText replaces a message's text. The id stays stable across
// updates, giving the UI a single mutable slot per in-progress answer.
func (s *StateStore) SetMessageText(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.findLocked(id); m != nil {
		m.Text = text
	}
}

// RemoveMessage drops a message from local state without touching the
// remote store.
func (s *StateStore) RemoveMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// DeleteMessage removes a message locally and issues a best-effort remote
// delete. Messages get no shadow set; a refused remote delete is logged and
// the local removal stands for the rest of the session.
func (s *StateStore) DeleteMessage(ctx context.Context, id string) {
	s.mu.Lock()
	var persisted bool
	convID := s.activeID
	if m := s.findLocked(id); m != nil {
		persisted = m.Persisted
	}
	s.removeLocked(id)
	s.mu.Unlock()

	if !persisted || convID == "" {
		return
	}

	if err := s.remote.DeleteMessage(ctx, convID, id); err != nil {
		s.logger.Warn("remote message delete failed, keeping local removal", "id", id, "error", err)
	}
}

// CompleteSend finalizes one send: the assistant placeholder takes its
// final text plus citation attachments, the conversation record is created
// remotely if this was the first message, and both messages are persisted.
// The durable ids replace the local ones in place. On failure the two
// messages are removed so nothing half-sent stays on screen.
func (s *StateStore) CompleteSend(ctx context.Context, userMsgID, assistantMsgID, finalText string, sources []store.Source, cases []store.RelatedCase) error {
	s.mu.Lock()
	var userText string
	if m := s.findLocked(userMsgID); m != nil {
		userText = m.Text
	}
	if m := s.findLocked(assistantMsgID); m != nil {
		m.Text = finalText
		m.Sources = sources
		m.RelatedCases = cases
	}
	s.mu.Unlock()

	if err := s.persistSend(ctx, userMsgID, assistantMsgID, userText, finalText); err != nil {
		s.mu.Lock()
		s.removeLocked(userMsgID)
		s.removeLocked(assistantMsgID)
		s.mu.Unlock()
		s.logger.Error("send aborted, messages not persisted", "error", err)
		return err
	}
	return nil
}

// persistSend creates the remote conversation when needed, then appends
// both messages, migrating local ids to the durable ones.
func (s *StateStore) persistSend(ctx context.Context, userMsgID, assistantMsgID, userText, finalText string) error {
	convID, err := s.ensureRemoteConversation(ctx)
	if err != nil {
		return err
	}

	userMsg, err := s.remote.AppendMessage(ctx, convID, store.RoleUser, userText)
	if err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}
	s.migrateMessageID(userMsgID, userMsg.ID)

	assistantMsg, err := s.remote.AppendMessage(ctx, convID, store.RoleAssistant, finalText)
	if err != nil {
		return fmt.Errorf("persisting assistant message: %w", err)
	}
	s.migrateMessageID(assistantMsgID, assistantMsg.ID)

	return nil
}

// ensureRemoteConversation creates the remote record for a transient active
// conversation and swaps the durable id into the single list entry and the
// active pointer. Safe to call when the conversation already exists.
func (s *StateStore) ensureRemoteConversation(ctx context.Context) (string, error) {
	s.mu.Lock()
	id := s.activeID
	var conv *Conversation
	for _, c := range s.conversations {
		if c.ID == id {
			conv = c
			break
		}
	}
	title := ""
	if conv != nil {
		title = conv.Title
	}
	s.mu.Unlock()

	if id == "" {
		return "", fmt.Errorf("no active conversation")
	}
	if conv == nil || conv.Persisted {
		return id, nil
	}

	created, err := s.remote.CreateConversation(ctx, title)
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv.ID = created.ID
	conv.Persisted = true
	if s.activeID == id {
		s.activeID = created.ID
	}
	return created.ID, nil
}

// migrateMessageID swaps a local message id for the durable one without
// disturbing the message's position.
func (s *StateStore) migrateMessageID(localID, durableID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.findLocked(localID); m != nil {
		m.ID = durableID
		m.Persisted = true
	}
}

func (s *StateStore) findLocked(id string) *Message {
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *StateStore) removeLocked(id string) {
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// TitleForPrompt derives a conversation title from the first prompt.
func TitleForPrompt(text string) string {
	const maxTitle = 60
	title := strings.TrimSpace(text)
	if runes := []rune(title); len(runes) > maxTitle {
		title = strings.TrimSpace(string(runes[:maxTitle])) + "…"
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}
