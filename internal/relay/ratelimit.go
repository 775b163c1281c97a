package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// cleanupInterval is how often elapsed rate-limit entries are reaped.
const cleanupInterval = 5 * time.Minute

// RateLimiter is a fixed-window per-identifier counter: at most max calls
// are allowed in any window starting from an identifier's first call, then
// the entry is replaced wholesale once the window elapses.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateEntry

	max    int
	window time.Duration
	now    func() time.Time

	log zerolog.Logger
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter allowing max calls per window.
func NewRateLimiter(max int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*rateEntry),
		max:     max,
		window:  window,
		now:     time.Now,
		log:     logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow reports whether the identifier may make another call. Purely a
// boolean gate; a rejected call mutates nothing.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.entries[identifier]
	if !ok || now.After(entry.resetAt) {
		rl.entries[identifier] = &rateEntry{count: 1, resetAt: now.Add(rl.window)}
		return true
	}

	if entry.count >= rl.max {
		return false
	}
	entry.count++
	return true
}

// Reset clears the entry for one identifier.
func (rl *RateLimiter) Reset(identifier string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, identifier)
}

// Cleanup removes entries whose window has already elapsed, bounding memory.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for id, entry := range rl.entries {
		if now.After(entry.resetAt) {
			delete(rl.entries, id)
			removed++
		}
	}
	if removed > 0 {
		rl.log.Debug().Int("removed", removed).Msg("rate limit entries reaped")
	}
}

// Run invokes Cleanup periodically until the context is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// tracked returns the number of live entries.
func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
