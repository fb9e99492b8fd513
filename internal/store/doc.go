// ABOUTME: Package documentation for the store package
// ABOUTME: Explains persistence model and ownership rules

// Package store provides persistence for conversations and their messages.
//
// The canonical implementation is SQLiteStore, backed by modernc.org/sqlite
// with WAL mode enabled. Every mutating operation takes the acting user's id
// and enforces row-level ownership: reads and writes against a conversation
// owned by another user fail with ErrPermissionDenied rather than ErrNotFound,
// so callers can distinguish "gone" from "not yours".
//
// Message order is defined by the database-assigned seq column, not by
// timestamps. Appends are transactional: the message insert and the owning
// conversation's updated_at bump commit together.
package store
