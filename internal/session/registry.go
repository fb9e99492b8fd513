// ABOUTME: Thread-safe TTL registry for ephemeral chat-session identifiers.
// ABOUTME: Sessions expire after inactivity; expired ids are unknown to the backend.

package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry stores the last-used timestamp and list element for a session id.
type entry struct {
	lastUsed time.Time
	element  *list.Element
}

// Registry tracks live chat-session identifiers with inactivity expiry.
// A session id correlates a sequence of prompts with backend conversational
// context; it is not the persisted conversation record. Ids are renewed on
// every stream use and silently vanish after the TTL, which is how a client
// comes to hold an id the backend no longer knows.
//
// Uses a doubly-linked list to maintain recency order for O(1) eviction.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	order    *list.List // session ids, least recently used at front
	ttl      time.Duration
	maxSize  int
	done     chan struct{}
	closed   bool
}

// NewRegistry creates a registry with the given inactivity TTL and maximum
// number of live sessions. A background goroutine sweeps expired entries.
func NewRegistry(ttl time.Duration, maxSize int) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		order:    list.New(),
		ttl:      ttl,
		maxSize:  maxSize,
		done:     make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Mint creates, registers, and returns a new session id. If the registry is
// at capacity the least recently used session is evicted.
func (r *Registry) Mint() string {
	id := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSize {
		r.evictOldest()
	}

	elem := r.order.PushBack(id)
	r.sessions[id] = &entry{
		lastUsed: time.Now(),
		element:  elem,
	}
	return id
}

// Touch renews a session's inactivity clock. Returns false if the id is
// unknown or already expired; an expired id is removed on the spot.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	if time.Since(e.lastUsed) > r.ttl {
		r.order.Remove(e.element)
		delete(r.sessions, id)
		return false
	}

	e.lastUsed = time.Now()
	r.order.MoveToBack(e.element)
	return true
}

// Valid reports whether the id is registered and unexpired, without renewing it.
func (r *Registry) Valid(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	return time.Since(e.lastUsed) <= r.ttl
}

// Revoke removes a session id immediately.
func (r *Registry) Revoke(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		r.order.Remove(e.element)
		delete(r.sessions, id)
	}
}

// Len returns the number of registered sessions, expired or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// evictOldest removes the least recently used session.
// Must be called with mu held. O(1) operation using the linked list.
func (r *Registry) evictOldest() {
	front := r.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.sessions, id)
}

// sweep runs in a background goroutine, periodically removing expired sessions.
func (r *Registry) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runSweep()
		case <-r.done:
			return
		}
	}
}

// runSweep removes all expired sessions.
func (r *Registry) runSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, e := range r.sessions {
		if now.Sub(e.lastUsed) > r.ttl {
			r.order.Remove(e.element)
			delete(r.sessions, id)
		}
	}
}

// Close stops the background sweep goroutine. It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
