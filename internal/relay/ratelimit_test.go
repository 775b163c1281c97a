package relay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeClock lets tests move a limiter through its window deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(max int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(max, window, zerolog.Nop())
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_AllowsExactlyMaxPerWindow(t *testing.T) {
	rl, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("ip1") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if rl.Allow("ip1") {
		t.Error("call beyond max should be rejected")
	}
	if rl.Allow("ip1") {
		t.Error("rejection must not mutate state toward allowing")
	}
}

func TestRateLimiter_WindowResetRepeatsCycle(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Minute)

	rl.Allow("ip1")
	rl.Allow("ip1")
	if rl.Allow("ip1") {
		t.Fatal("third call within window should be rejected")
	}

	clock.advance(time.Minute + time.Second)

	for cycle := 0; cycle < 2; cycle++ {
		if !rl.Allow("ip1") {
			t.Fatalf("cycle %d: first call after reset should be allowed", cycle)
		}
		if !rl.Allow("ip1") {
			t.Fatalf("cycle %d: second call after reset should be allowed", cycle)
		}
		if rl.Allow("ip1") {
			t.Fatalf("cycle %d: third call after reset should be rejected", cycle)
		}
		clock.advance(time.Minute + time.Second)
	}
}

func TestRateLimiter_IdentifiersAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)

	if !rl.Allow("ip1") {
		t.Fatal("ip1 first call should be allowed")
	}
	if !rl.Allow("ip2") {
		t.Error("ip2 must not be affected by ip1's window")
	}
	if rl.Allow("ip1") {
		t.Error("ip1 second call should be rejected")
	}
}

func TestRateLimiter_ResetClearsOneIdentifier(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)

	rl.Allow("ip1")
	rl.Allow("ip2")
	rl.Reset("ip1")

	if !rl.Allow("ip1") {
		t.Error("ip1 should be allowed again after Reset")
	}
	if rl.Allow("ip2") {
		t.Error("Reset of ip1 must not touch ip2")
	}
}

func TestRateLimiter_CleanupReapsElapsedEntries(t *testing.T) {
	rl, clock := newTestLimiter(5, time.Minute)

	rl.Allow("old")
	clock.advance(2 * time.Minute)
	rl.Allow("fresh")

	rl.Cleanup()

	if got := rl.tracked(); got != 1 {
		t.Errorf("expected 1 tracked entry after cleanup, got %d", got)
	}
	// The reaped identifier starts a brand-new window.
	if !rl.Allow("old") {
		t.Error("reaped identifier should be allowed immediately")
	}
}
