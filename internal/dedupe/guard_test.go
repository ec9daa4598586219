// ABOUTME: Tests for the once-only persistence guard.
// ABOUTME: Validates claim atomicity, TTL expiry, release, eviction, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardClaimOnce(t *testing.T) {
	g := New(5*time.Minute, 100)
	defer g.Close()

	assert.True(t, g.Claim("handle-1"), "first claim wins")
	assert.False(t, g.Claim("handle-1"), "second claim loses")
	assert.True(t, g.Claimed("handle-1"))
}

func TestGuardUnclaimedHandle(t *testing.T) {
	g := New(5*time.Minute, 100)
	defer g.Close()

	assert.False(t, g.Claimed("never-claimed"))
}

func TestGuardExpiry(t *testing.T) {
	g := New(10*time.Millisecond, 100)
	defer g.Close()

	assert.True(t, g.Claim("handle-1"))
	time.Sleep(20 * time.Millisecond)

	assert.False(t, g.Claimed("handle-1"))
	assert.True(t, g.Claim("handle-1"), "expired handle can be claimed again")
}

func TestGuardRelease(t *testing.T) {
	g := New(5*time.Minute, 100)
	defer g.Close()

	assert.True(t, g.Claim("handle-1"))
	g.Release("handle-1")
	assert.True(t, g.Claim("handle-1"), "released handle can be re-claimed")

	// Releasing an unknown handle is a no-op.
	g.Release("unknown")
}

func TestGuardEvictsOldest(t *testing.T) {
	g := New(5*time.Minute, 3)
	defer g.Close()

	g.Claim("a")
	g.Claim("b")
	g.Claim("c")
	g.Claim("d")

	assert.False(t, g.Claimed("a"), "oldest evicted at capacity")
	assert.True(t, g.Claimed("b"))
	assert.True(t, g.Claimed("d"))
	assert.Equal(t, 3, g.Len())
}

func TestGuardSweepRemovesExpired(t *testing.T) {
	g := New(10*time.Millisecond, 100)
	defer g.Close()

	g.Claim("a")
	g.Claim("b")

	assert.Eventually(t, func() bool {
		return g.Len() == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestGuardConcurrentClaimSingleWinner(t *testing.T) {
	g := New(5*time.Minute, 100)
	defer g.Close()

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Claim("contested") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load(), "exactly one claimer wins")
}

func TestGuardConcurrentMixedAccess(t *testing.T) {
	g := New(time.Minute, 50)
	defer g.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				handle := fmt.Sprintf("h-%d-%d", n, j%5)
				g.Claim(handle)
				g.Claimed(handle)
				if j%7 == 0 {
					g.Release(handle)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestGuardCloseIdempotent(t *testing.T) {
	g := New(time.Minute, 10)
	g.Close()
	g.Close()
}
