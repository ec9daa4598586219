// ABOUTME: Package documentation for session.
// ABOUTME: Describes the coordinator tying stream, ledger, and relay together.

// Package session coordinates one conversation across its two channels:
// the duplex websocket stream the backend answers on and the REST relay
// messages are persisted through. The coordinator folds streamed fragments
// into the ledger, reconciles the server-assigned conversation identity
// from whichever channel reports it first, and persists each completed
// message exactly once in the background.
package session
