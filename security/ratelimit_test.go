package security

import (
	"fmt"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, rps, burst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(rps, burst, nil)
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowWithinBurst(t *testing.T) {
	rl := newTestLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Errorf("request %d within burst denied", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst allowed")
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first identifier denied")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("first identifier allowed beyond burst")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second identifier denied by first identifier's bucket")
	}
}

func TestCleanupRemovesIdleEntries(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	rl.Cleanup(0)
	time.Sleep(time.Millisecond)
	rl.Cleanup(time.Nanosecond)

	rl.mu.Lock()
	remaining := len(rl.limiters)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Errorf("entries after cleanup = %d, want 0", remaining)
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)
	rl.maxEntries = 5

	for i := 0; i < 10; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}

	rl.mu.Lock()
	size := len(rl.limiters)
	rl.mu.Unlock()
	if size > 5 {
		t.Errorf("tracked identifiers = %d, want at most 5", size)
	}
}
