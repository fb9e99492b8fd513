// ABOUTME: Persisted shadow-delete set backed by an atomically-written JSON file
// ABOUTME: Every mutation rewrites the whole file via temp-file-plus-rename

package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ShadowSet is the persisted set of conversation ids whose deletion could
// not be confirmed remotely. It is loaded once at startup and rewritten
// atomically after each mutation so a crash never loses entries.
type ShadowSet struct {
	mu   sync.Mutex
	path string
	ids  map[string]bool
}

// LoadShadowSet reads the shadow set at path, returning an empty set when
// the file does not exist yet.
func LoadShadowSet(path string) (*ShadowSet, error) {
	s := &ShadowSet{path: path, ids: make(map[string]bool)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading shadow set: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parsing shadow set %s: %w", path, err)
	}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s, nil
}

// Add records id in the set and persists. Adding an existing id is a no-op.
func (s *ShadowSet) Add(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[id] {
		return nil
	}
	s.ids[id] = true
	return s.persistLocked()
}

// Remove drops id from the set and persists. Removing an absent id is a no-op.
func (s *ShadowSet) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ids[id] {
		return nil
	}
	delete(s.ids, id)
	return s.persistLocked()
}

// Contains reports whether id is shadowed
func (s *ShadowSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

// IDs returns the shadowed ids in sorted order
func (s *ShadowSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of shadowed ids
func (s *ShadowSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// persistLocked writes the serialized set out atomically. Must be called
// with mu held.
func (s *ShadowSet) persistLocked() error {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding shadow set: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// SessionCache persists the chat session id across client restarts. A
// restarted client reuses the cached id until the backend rejects it.
type SessionCache struct {
	mu   sync.Mutex
	path string
	id   string
}

// sessionFile is the on-disk shape of the session cache.
type sessionFile struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionCache reads the session cache at path, returning an empty
// cache when the file does not exist yet.
func LoadSessionCache(path string) (*SessionCache, error) {
	c := &SessionCache{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session cache: %w", err)
	}

	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing session cache %s: %w", path, err)
	}
	c.id = f.SessionID
	return c, nil
}

// ID returns the cached session id, or "" when none is stored.
func (c *SessionCache) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Put stores id and persists it.
func (c *SessionCache) Put(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = id
	return c.persistLocked()
}

// Clear drops the stored id and persists the empty cache.
func (c *SessionCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = ""
	return c.persistLocked()
}

func (c *SessionCache) persistLocked() error {
	data, err := json.Marshal(sessionFile{SessionID: c.id})
	if err != nil {
		return fmt.Errorf("encoding session cache: %w", err)
	}
	return writeFileAtomic(c.path, data)
}

// writeFileAtomic writes data to a temp file in path's directory and
// renames it over path, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
