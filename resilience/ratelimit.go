package resilience

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window count limiter. It admits exactly Limit
// calls per Window; older calls age out continuously rather than at fixed
// window boundaries.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	calls []time.Time
}

// NewRateLimiter creates a limiter admitting limit calls per window.
// A window of zero defaults to 60 seconds.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &RateLimiter{limit: limit, window: window}
}

// Allow reports whether another call is admitted now, recording it if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.prune(now)

	if len(r.calls) >= r.limit {
		return false
	}
	r.calls = append(r.calls, now)
	return true
}

// Remaining returns how many calls are still admitted in the current window.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return r.limit - len(r.calls)
}

// prune drops calls older than the window. Caller must hold the lock.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	keep := 0
	for _, ts := range r.calls {
		if ts.After(cutoff) {
			r.calls[keep] = ts
			keep++
		}
	}
	r.calls = r.calls[:keep]
}
