// ABOUTME: Single-writer registry for the server-assigned conversation identity.
// ABOUTME: Arbitrates candidates from the stream and the persistence API; first non-empty wins.

package identity

import (
	"log/slog"
	"sync"
)

// Registry holds the authoritative conversation identifier for one session.
// The identity may be proposed by either channel (the event stream's
// conversation_created frame or a persistence response); whichever arrives
// first wins and all later differing candidates are rejected. This is a
// compare-and-set over an optional value, never last-write-wins.
type Registry struct {
	mu        sync.Mutex
	id        string
	set       bool
	listeners []func(id string)
	conflicts int
	logger    *slog.Logger
}

// NewRegistry creates a registry with no identity assigned.
// Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "identity"),
	}
}

// TrySet proposes a candidate identity. The first non-empty candidate is
// accepted and recorded; re-proposing the same value is idempotent and
// returns true. A differing candidate after acceptance is rejected with a
// conflict diagnostic and the original is kept. Empty candidates are no-ops.
//
// Listeners registered via OnChange are invoked synchronously, under no
// lock, on first acceptance only.
func (r *Registry) TrySet(candidate string) bool {
	if candidate == "" {
		return false
	}

	r.mu.Lock()
	if r.set {
		if r.id == candidate {
			r.mu.Unlock()
			return true
		}
		r.conflicts++
		kept, count := r.id, r.conflicts
		r.mu.Unlock()
		r.logger.Warn("conflicting conversation identity rejected",
			"kept", kept,
			"rejected", candidate,
			"conflicts", count)
		return false
	}

	r.id = candidate
	r.set = true
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	r.logger.Info("conversation identity adopted", "conversation_id", candidate)
	for _, fn := range listeners {
		fn(candidate)
	}
	return true
}

// Get returns the identity and whether one has been assigned.
func (r *Registry) Get() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, r.set
}

// OnChange registers a listener invoked synchronously when the identity is
// first accepted, at most once per session. A listener registered after
// acceptance is never invoked.
func (r *Registry) OnChange(fn func(id string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set {
		return
	}
	r.listeners = append(r.listeners, fn)
}

// Conflicts returns how many differing candidates have been rejected.
func (r *Registry) Conflicts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conflicts
}
