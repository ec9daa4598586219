// ABOUTME: Package documentation for store.
// ABOUTME: Describes the local conversation history mirror.

// Package store keeps a local SQLite mirror of conversation history and
// download records so past sessions stay readable when the backend is
// unreachable. Writes are best-effort mirrors of what the backend already
// persists; the backend remains the source of truth.
package store
