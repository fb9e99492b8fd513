// ABOUTME: HTTP API handlers for chat sessions and the conversation REST surface
// ABOUTME: Enforces per-user ownership via the X-Solon-User header

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solon-labs/solon-gateway/internal/citations"
	"github.com/solon-labs/solon-gateway/internal/store"
)

// userHeader carries the authenticated user id, set by the reverse proxy in
// front of the gateway
const userHeader = "X-Solon-User"

// SessionResponse is the body of GET /chat/session
type SessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ConversationResponse is the JSON shape of a conversation
type ConversationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Protected bool   `json:"protected"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MessageResponse is the JSON shape of a message
type MessageResponse struct {
	ID           string              `json:"id"`
	Seq          int64               `json:"seq"`
	Role         string              `json:"role"`
	Content      string              `json:"content"`
	Sources      []store.Source      `json:"sources,omitempty"`
	RelatedCases []store.RelatedCase `json:"related_cases,omitempty"`
	CreatedAt    string              `json:"created_at"`
}

// CreateConversationRequest is the body of POST /api/conversations
type CreateConversationRequest struct {
	Title     string `json:"title"`
	Protected bool   `json:"protected"`
}

// RenameConversationRequest is the body of PATCH /api/conversations/{id}
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// AppendMessageRequest is the body of POST /api/conversations/{id}/messages
type AppendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleSession handles GET /chat/session by minting a fresh session id.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := g.sessions.Mint()
	g.logger.Debug("minted session", "session_id", id)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SessionResponse{SessionID: id})
}

// requireUser extracts the acting user id, answering 401 when absent.
func (g *Gateway) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return "", false
	}
	return userID, true
}

// handleConversations routes /api/conversations by method.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.requireUser(w, r)
	if !ok {
		return
	}

	convs, err := g.store.ListConversations(r.Context(), userID)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		response[i] = conversationResponse(c)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.requireUser(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     req.Title,
		Protected: req.Protected,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := g.store.CreateConversation(r.Context(), conv); err != nil {
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(conversationResponse(conv))
}

// handleConversationRoutes dispatches /api/conversations/{id} and
// /api/conversations/{id}/messages[/{messageID}] by path shape and method.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		g.handleConversation(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "messages":
		g.handleMessages(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "messages":
		g.handleMessage(w, r, parts[0], parts[2])
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleConversation handles GET/PATCH/DELETE on a single conversation.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := g.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		conv, err := g.store.GetConversation(r.Context(), id)
		if err != nil {
			g.sendStoreError(w, err)
			return
		}
		if conv.UserID != userID {
			g.sendStoreError(w, store.ErrPermissionDenied)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(conversationResponse(conv))

	case http.MethodPatch:
		var req RenameConversationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Title == "" {
			g.sendJSONError(w, http.StatusBadRequest, "title is required")
			return
		}
		if err := g.store.RenameConversation(r.Context(), userID, id, req.Title); err != nil {
			g.sendStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := g.store.DeleteConversation(r.Context(), userID, id); err != nil {
			g.sendStoreError(w, err)
			return
		}
		g.logger.Info("conversation deleted", "id", id, "user", userID)
		w.WriteHeader(http.StatusNoContent)

	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleMessages handles GET/POST on a conversation's message collection.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	userID, ok := g.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		msgs, err := g.store.ListMessages(r.Context(), userID, conversationID)
		if err != nil {
			g.sendStoreError(w, err)
			return
		}
		response := make([]MessageResponse, len(msgs))
		for i, m := range msgs {
			response[i] = messageResponse(m)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)

	case http.MethodPost:
		g.handleAppendMessage(w, r, userID, conversationID)

	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAppendMessage handles POST /api/conversations/{id}/messages.
// Assistant messages have their citation attachments extracted from the
// markdown body before persisting.
func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	var req AppendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Role != store.RoleUser && req.Role != store.RoleAssistant {
		g.sendJSONError(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}

	// Ownership check up front so foreign conversations 403 instead of
	// accepting the append.
	conv, err := g.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	if conv.UserID != userID {
		g.sendStoreError(w, store.ErrPermissionDenied)
		return
	}

	msg := &store.StoredMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           req.Role,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if req.Role == store.RoleAssistant {
		msg.Sources, msg.RelatedCases = citations.Extract(req.Content)
	}

	if err := g.store.AppendMessage(r.Context(), msg); err != nil {
		g.sendStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(messageResponse(msg))
}

// handleMessage handles DELETE on a single message.
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request, conversationID, messageID string) {
	userID, ok := g.requireUser(w, r)
	if !ok {
		return
	}

	if r.Method != http.MethodDelete {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := g.store.DeleteMessage(r.Context(), userID, conversationID, messageID); err != nil {
		g.sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendStoreError maps store errors onto HTTP statuses.
func (g *Gateway) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrPermissionDenied):
		g.sendJSONError(w, http.StatusForbidden, "permission denied")
	default:
		g.logger.Error("store operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        c.ID,
		Title:     c.Title,
		Protected: c.Protected,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
}

func messageResponse(m *store.StoredMessage) MessageResponse {
	return MessageResponse{
		ID:           m.ID,
		Seq:          m.Seq,
		Role:         m.Role,
		Content:      m.Content,
		Sources:      m.Sources,
		RelatedCases: m.RelatedCases,
		CreatedAt:    m.CreatedAt.Format(time.RFC3339),
	}
}
