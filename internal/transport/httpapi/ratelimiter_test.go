package httpapi

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiterGatesDevMoveToBurst(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow("agent-1") || !limiter.Allow("agent-1") {
		t.Fatal("expected the first two dev move-to calls from agent-1 within the window to be admitted")
	}
	if limiter.Allow("agent-1") {
		t.Fatal("expected a third call from agent-1 in the same window to be denied")
	}

	now = now.Add(30 * time.Second)
	if limiter.Allow("agent-1") {
		t.Fatal("expected agent-1 to stay denied while still inside the window")
	}

	now = now.Add(31 * time.Second)
	if !limiter.Allow("agent-1") {
		t.Fatal("expected the limiter to admit agent-1 again once the window has elapsed")
	}
}

func TestSlidingWindowLimiterKeysAreIndependent(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(time.Minute, 1, func() time.Time { return now })

	if !limiter.Allow("agent-1") {
		t.Fatal("expected agent-1's first call to be admitted")
	}
	if limiter.Allow("agent-1") {
		t.Fatal("expected agent-1's second call in the same window to be denied")
	}
	if !limiter.Allow("agent-2") {
		t.Fatal("expected agent-2's own budget to be untouched by agent-1's calls")
	}
}

func TestSlidingWindowLimiterZeroConfigIsUnbounded(t *testing.T) {
	if !NewSlidingWindowLimiter(0, 0, nil).Allow("agent-1") {
		t.Fatal("a limiter built with a zero window or limit should never deny")
	}
}
