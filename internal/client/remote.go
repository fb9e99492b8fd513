// ABOUTME: HTTP client for the gateway's conversation REST API
// ABOUTME: Maps 403/404 responses onto sentinel errors callers can branch on

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/solon-labs/solon-gateway/internal/store"
)

// ErrRemoteNotFound is returned when the gateway reports the entity missing
var ErrRemoteNotFound = errors.New("remote entity not found")

// ErrRemoteDenied is returned when the gateway refuses the operation.
// Deletes failing this way feed the shadow-delete mechanism.
var ErrRemoteDenied = errors.New("remote permission denied")

// RemoteConversation mirrors the gateway's conversation JSON
type RemoteConversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Protected bool   `json:"protected"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// RemoteMessage mirrors the gateway's message JSON
type RemoteMessage struct {
	ID           string              `json:"id"`
	Seq          int64               `json:"seq"`
	Role         string              `json:"role"`
	Content      string              `json:"content"`
	Sources      []store.Source      `json:"sources,omitempty"`
	RelatedCases []store.RelatedCase `json:"related_cases,omitempty"`
	CreatedAt    string              `json:"created_at"`
}

// Remote is the conversation persistence collaborator. It is append-reliable
// and delete-unreliable: deletes may be silently refused by row-level
// authorization, which is why the state store shadows them.
type Remote interface {
	CreateConversation(ctx context.Context, title string) (*RemoteConversation, error)
	ListConversations(ctx context.Context) ([]*RemoteConversation, error)
	GetConversation(ctx context.Context, id string) (*RemoteConversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, conversationID, role, content string) (*RemoteMessage, error)
	ListMessages(ctx context.Context, conversationID string) ([]*RemoteMessage, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// HTTPRemote implements Remote against a running gateway
type HTTPRemote struct {
	baseURL string
	userID  string
	httpc   *http.Client
}

// NewHTTPRemote creates a Remote for the given gateway base URL, acting as
// userID. A nil httpc uses http.DefaultClient.
func NewHTTPRemote(baseURL, userID string, httpc *http.Client) *HTTPRemote {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &HTTPRemote{baseURL: baseURL, userID: userID, httpc: httpc}
}

func (r *HTTPRemote) CreateConversation(ctx context.Context, title string) (*RemoteConversation, error) {
	var conv RemoteConversation
	err := r.do(ctx, http.MethodPost, "/api/conversations",
		map[string]string{"title": title}, &conv)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return &conv, nil
}

func (r *HTTPRemote) ListConversations(ctx context.Context) ([]*RemoteConversation, error) {
	var convs []*RemoteConversation
	if err := r.do(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

func (r *HTTPRemote) GetConversation(ctx context.Context, id string) (*RemoteConversation, error) {
	var conv RemoteConversation
	if err := r.do(ctx, http.MethodGet, "/api/conversations/"+id, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *HTTPRemote) DeleteConversation(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/api/conversations/"+id, nil, nil)
}

func (r *HTTPRemote) AppendMessage(ctx context.Context, conversationID, role, content string) (*RemoteMessage, error) {
	var msg RemoteMessage
	err := r.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages",
		map[string]string{"role": role, "content": content}, &msg)
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	return &msg, nil
}

func (r *HTTPRemote) ListMessages(ctx context.Context, conversationID string) ([]*RemoteMessage, error) {
	var msgs []*RemoteMessage
	err := r.do(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, &msgs)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

func (r *HTTPRemote) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return r.do(ctx, http.MethodDelete,
		"/api/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
}

// do issues one API request, decoding the JSON response into out when out is
// non-nil.
func (r *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Solon-User", r.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRemoteNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrRemoteDenied
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
