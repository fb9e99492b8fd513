// ABOUTME: Tests for the TTL session registry.
// ABOUTME: Covers expiry, touch renewal, capacity eviction, and close semantics.

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintReturnsUniqueIDs(t *testing.T) {
	r := NewRegistry(time.Minute, 100)
	defer r.Close()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := r.Mint()
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 50, r.Len())
}

func TestValidKnownSession(t *testing.T) {
	r := NewRegistry(time.Minute, 100)
	defer r.Close()

	id := r.Mint()
	assert.True(t, r.Valid(id))
	assert.False(t, r.Valid("not-a-session"))
}

func TestTouchRenewsExpiry(t *testing.T) {
	r := NewRegistry(100*time.Millisecond, 100)
	defer r.Close()

	id := r.Mint()

	// Keep touching past the original TTL; the session must stay alive.
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		require.True(t, r.Touch(id), "touch %d failed", i)
	}
	assert.True(t, r.Valid(id))
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, 100)
	defer r.Close()

	id := r.Mint()
	require.True(t, r.Valid(id))

	time.Sleep(80 * time.Millisecond)

	assert.False(t, r.Valid(id))
	assert.False(t, r.Touch(id))
	// Touch on an expired id removes it.
	assert.Equal(t, 0, r.Len())
}

func TestRevokeRemovesImmediately(t *testing.T) {
	r := NewRegistry(time.Minute, 100)
	defer r.Close()

	id := r.Mint()
	r.Revoke(id)

	assert.False(t, r.Valid(id))
	assert.False(t, r.Touch(id))
	assert.Equal(t, 0, r.Len())

	// Revoking an unknown id is a no-op.
	r.Revoke("already-gone")
}

func TestEvictionAtCapacity(t *testing.T) {
	r := NewRegistry(time.Minute, 3)
	defer r.Close()

	first := r.Mint()
	second := r.Mint()
	third := r.Mint()
	require.Equal(t, 3, r.Len())

	// A fourth mint evicts the least recently used (first).
	fourth := r.Mint()
	assert.Equal(t, 3, r.Len())
	assert.False(t, r.Valid(first))
	assert.True(t, r.Valid(second))
	assert.True(t, r.Valid(third))
	assert.True(t, r.Valid(fourth))
}

func TestTouchUpdatesEvictionOrder(t *testing.T) {
	r := NewRegistry(time.Minute, 2)
	defer r.Close()

	first := r.Mint()
	second := r.Mint()

	// first becomes most recently used, so second is evicted next.
	require.True(t, r.Touch(first))
	r.Mint()

	assert.True(t, r.Valid(first))
	assert.False(t, r.Valid(second))
}

func TestCloseIsIdempotent(t *testing.T) {
	r := NewRegistry(time.Minute, 100)
	r.Close()
	r.Close()
}
