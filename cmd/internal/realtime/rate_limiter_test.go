package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("expected event %d to be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("expected event beyond limit to be denied")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatalf("expected initial events to be allowed")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("expected event inside window to be denied")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("expected event after window to be allowed")
	}
}

func TestRateLimiter_InvalidInputsFallBackToDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	now := time.Now()

	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("expected default limit to admit event %d", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("expected default limit to deny event %d", rateLimitEvents)
	}
}
