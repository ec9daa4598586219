// ABOUTME: Once-only gate for persisting messages, keyed by message handle.
// ABOUTME: TTL-bounded and size-limited so long sessions do not grow without bound.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// guardEntry stores the timestamp and list element for a claimed handle.
type guardEntry struct {
	claimed time.Time
	element *list.Element
}

// Guard ensures each message handle is persisted at most once, even when a
// finalize event and a forced finalize race to store the same message.
// Claimed handles expire after a TTL and the oldest are evicted at capacity,
// using a doubly-linked list for O(1) eviction in claim order.
type Guard struct {
	mu      sync.RWMutex
	claimed map[string]*guardEntry
	order   *list.List // handles in claim order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a guard with the given TTL and maximum tracked handles.
// A background goroutine periodically sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		claimed: make(map[string]*guardEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.sweep()
	return g
}

// Claimed reports whether the handle has been claimed and is not expired.
func (g *Guard) Claimed(handle string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entry, ok := g.claimed[handle]
	if !ok {
		return false
	}
	return time.Since(entry.claimed) < g.ttl
}

// Claim atomically claims a handle for persistence. It returns true when the
// caller won the claim and should persist, false when another caller already
// holds it. The single locked check-and-set avoids the TOCTOU race of
// separate Claimed/mark calls.
func (g *Guard) Claim(handle string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.claimed[handle]
	if ok && time.Since(entry.claimed) < g.ttl {
		return false
	}

	g.claimLocked(handle)
	return true
}

// Release drops a claim so the handle can be persisted again, used when the
// winning persist attempt fails and a retry should be allowed.
func (g *Guard) Release(handle string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.claimed[handle]
	if !ok {
		return
	}
	g.order.Remove(entry.element)
	delete(g.claimed, handle)
}

// claimLocked records a claim. Caller must hold the write lock.
func (g *Guard) claimLocked(handle string) {
	if entry, ok := g.claimed[handle]; ok {
		// Re-claim of an expired handle: refresh and move to the back.
		entry.claimed = time.Now()
		g.order.MoveToBack(entry.element)
		return
	}

	if g.order.Len() >= g.maxSize {
		oldest := g.order.Front()
		if oldest != nil {
			g.order.Remove(oldest)
			delete(g.claimed, oldest.Value.(string))
		}
	}

	element := g.order.PushBack(handle)
	g.claimed[handle] = &guardEntry{claimed: time.Now(), element: element}
}

// Len returns the number of tracked handles, expired or not.
func (g *Guard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.claimed)
}

// Close stops the background sweeper. Safe to call more than once.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.done)
}

// sweep periodically removes expired claims so the map does not retain
// handles from long-finished turns.
func (g *Guard) sweep() {
	interval := g.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.removeExpired()
		}
	}
}

func (g *Guard) removeExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for element := g.order.Front(); element != nil; {
		next := element.Next()
		handle := element.Value.(string)
		entry := g.claimed[handle]
		if now.Sub(entry.claimed) < g.ttl {
			// Entries are in claim order, everything after is younger.
			break
		}
		g.order.Remove(element)
		delete(g.claimed, handle)
		element = next
	}
}
