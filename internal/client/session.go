// ABOUTME: Read-through cache for the chat-session identifier
// ABOUTME: Deduplicates concurrent acquisitions and supports invalidation

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// session acquisition retry policy
const (
	sessionFetchAttempts = 3
	sessionFetchBackoff  = 250 * time.Millisecond
)

// SessionManager caches the chat-session identifier the gateway mints, in
// memory and in the injected persisted cache, so a restarted client reuses
// its session until the backend rejects it. Concurrent callers racing on a
// cold cache share a single acquisition via singleflight; Invalidate drops
// both copies so the next call fetches a fresh one. The manager never
// fabricates an identifier.
type SessionManager struct {
	baseURL string
	httpc   *http.Client
	cache   *SessionCache
	logger  *slog.Logger

	group  singleflight.Group
	mu     sync.Mutex
	cached string
}

func (m *SessionManager) load() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached
}

func (m *SessionManager) store(id string) {
	m.mu.Lock()
	m.cached = id
	m.mu.Unlock()

	if m.cache == nil {
		return
	}
	var err error
	if id == "" {
		err = m.cache.Clear()
	} else {
		err = m.cache.Put(id)
	}
	if err != nil {
		m.logger.Warn("failed to persist session cache", "error", err)
	}
}

// NewSessionManager creates a SessionManager against the given gateway base
// URL. A non-nil cache seeds the manager with the persisted id and receives
// every later change; a nil httpc uses http.DefaultClient.
func NewSessionManager(baseURL string, cache *SessionCache, httpc *http.Client) *SessionManager {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	m := &SessionManager{
		baseURL: baseURL,
		httpc:   httpc,
		cache:   cache,
		logger:  slog.Default().With("component", "session-manager"),
	}
	if cache != nil {
		m.cached = cache.ID()
	}
	return m
}

// SessionID returns the cached session id, acquiring one from the gateway if
// the cache is empty. Callers racing on an empty cache issue exactly one
// network request between them.
func (m *SessionManager) SessionID(ctx context.Context) (string, error) {
	if id := m.load(); id != "" {
		return id, nil
	}

	v, err, _ := m.group.Do("session", func() (any, error) {
		// Re-check under the flight: a racer may have filled the cache.
		if id := m.load(); id != "" {
			return id, nil
		}
		id, err := m.fetch(ctx)
		if err != nil {
			return "", err
		}
		m.store(id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached session id. Called when the stream reports the
// id as unknown to the backend.
func (m *SessionManager) Invalidate() {
	m.logger.Info("session invalidated")
	m.store("")
}

// fetch acquires a fresh session id with bounded retries.
func (m *SessionManager) fetch(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= sessionFetchAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(sessionFetchBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		id, err := m.fetchOnce(ctx)
		if err == nil {
			m.logger.Debug("acquired session", "session_id", id, "attempt", attempt)
			return id, nil
		}
		lastErr = err
		m.logger.Warn("session fetch failed", "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("acquiring session after %d attempts: %w", sessionFetchAttempts, lastErr)
}

func (m *SessionManager) fetchOnce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/chat/session", nil)
	if err != nil {
		return "", err
	}

	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if body.SessionID == "" {
		return "", fmt.Errorf("gateway returned empty session id")
	}
	return body.SessionID, nil
}
