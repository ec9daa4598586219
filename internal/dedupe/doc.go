// ABOUTME: Package documentation for dedupe.
// ABOUTME: Describes the once-only persistence guard.

// Package dedupe provides a TTL-bounded once-only gate keyed by message
// handle, used to prevent the same message being persisted twice when a
// stream finalize and a forced finalize race.
package dedupe
