// ABOUTME: Package doc for the chat client runtime
// ABOUTME: Describes the optimistic state model and shadow-delete guarantees

// Package client implements the gateway-facing chat client runtime: session
// acquisition, the streaming consumer, and the optimistic local state store.
//
// The state model is optimistic throughout. User actions apply to local
// state immediately and the remote store is reconciled afterwards: appends
// must succeed remotely before a message is shown as sent, while deletes are
// best-effort. A delete that the remote store refuses leaves the id in a
// persisted shadow set, so the entity stays invisible across restarts until
// the deletion is eventually confirmed.
package client
