package core

import (
	"sync"
	"time"
)

// RateLimiter is a fixed-window counter keyed by an arbitrary string
// (API key, source IP). The window resets atomically under the lock, so a
// burst straddling the boundary can see at most 2×max requests — acceptable
// for an abuse guard, and much cheaper than a sliding log.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	counts  map[string]int
	resetAt time.Time
}

// NewRateLimiter creates a limiter allowing max requests per key per window.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		window:  window,
		max:     max,
		counts:  make(map[string]int),
		resetAt: time.Now().Add(window),
	}
}

// Allow records a request for key and reports whether it is within the
// limit. A non-positive max disables the limiter.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.max <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.After(rl.resetAt) {
		rl.counts = make(map[string]int)
		rl.resetAt = now.Add(rl.window)
	}

	rl.counts[key]++
	return rl.counts[key] <= rl.max
}

// Remaining returns how many requests key has left in the current window.
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Now().After(rl.resetAt) {
		return rl.max
	}
	left := rl.max - rl.counts[key]
	if left < 0 {
		return 0
	}
	return left
}
