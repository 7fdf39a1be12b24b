package resilience

import (
	"testing"
	"time"
)

// TestLimiterAdmitsExactlyLimit verifies the boundary: exactly limit calls
// in a window, the limit+1st is rejected.
func TestLimiterAdmitsExactlyLimit(t *testing.T) {
	const limit = 10
	rl := NewRateLimiter(limit, time.Minute)

	for i := 0; i < limit; i++ {
		if !rl.Allow() {
			t.Fatalf("call %d rejected, want %d admitted", i+1, limit)
		}
	}
	if rl.Allow() {
		t.Fatalf("call %d admitted, want rejected", limit+1)
	}
	if got := rl.Remaining(); got != 0 {
		t.Fatalf("Remaining() = %d, want 0", got)
	}
}

func TestLimiterSlidingWindowRecovery(t *testing.T) {
	rl := NewRateLimiter(2, 100*time.Millisecond)

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("initial calls rejected")
	}
	if rl.Allow() {
		t.Fatal("over-limit call admitted")
	}

	time.Sleep(150 * time.Millisecond)
	if !rl.Allow() {
		t.Fatal("call rejected after window slid past old calls")
	}
}
