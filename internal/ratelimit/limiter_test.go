package ratelimit

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWait_NewEndpoint(t *testing.T) {
	limiter := NewLimiter(zap.NewNop())

	// A fresh endpoint must not block.
	start := time.Now()
	if err := limiter.Wait("/channels/1"); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("Wait() took too long for new endpoint: %v", d)
	}
}

func TestUpdateFromHeaders(t *testing.T) {
	limiter := NewLimiter(zap.NewNop())
	endpoint := "/guilds/1/channels"

	reset := float64(time.Now().Add(5*time.Second).UnixNano()) / float64(time.Second)
	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", "50")
	headers.Set("X-RateLimit-Remaining", "45")
	headers.Set("X-RateLimit-Reset", fmt.Sprintf("%.3f", reset))

	limiter.UpdateFromHeaders(endpoint, headers)

	remaining, limit, resetAt := limiter.Status(endpoint)
	if limit != 50 {
		t.Errorf("limit = %d, want 50", limit)
	}
	if remaining != 45 {
		t.Errorf("remaining = %d, want 45", remaining)
	}
	if until := time.Until(resetAt); until < 4*time.Second || until > 6*time.Second {
		t.Errorf("resetAt %v not ~5s away", until)
	}
}

func TestUpdateFromHeaders_IgnoresGarbage(t *testing.T) {
	limiter := NewLimiter(zap.NewNop())
	endpoint := "/channels/9"

	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", "not-a-number")
	headers.Set("X-RateLimit-Remaining", "")
	limiter.UpdateFromHeaders(endpoint, headers)

	remaining, limit, _ := limiter.Status(endpoint)
	if limit != 5 || remaining != 5 {
		t.Errorf("defaults should survive garbage headers, got remaining=%d limit=%d", remaining, limit)
	}
}

func TestHandleRateLimited_HonorsRetryAfter(t *testing.T) {
	limiter := NewLimiter(zap.NewNop())
	endpoint := "/channels/1/messages"

	headers := http.Header{}
	headers.Set("Retry-After", "2.5")
	limiter.HandleRateLimited(endpoint, headers)

	remaining, _, resetAt := limiter.Status(endpoint)
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0 after a 429", remaining)
	}
	if until := time.Until(resetAt); until < 2*time.Second || until > 3*time.Second {
		t.Errorf("resetAt %v not ~2.5s away", until)
	}
}

func TestHandleRateLimited_DefaultBackoff(t *testing.T) {
	limiter := NewLimiter(zap.NewNop())
	endpoint := "/channels/2/messages"

	limiter.HandleRateLimited(endpoint, http.Header{})

	_, _, resetAt := limiter.Status(endpoint)
	if until := time.Until(resetAt); until <= 0 || until > 1500*time.Millisecond {
		t.Errorf("resetAt %v should default to about a second", until)
	}
}

func TestWait_SleepsOutExhaustedWindow(t *testing.T) {
	limiter := NewLimiter(zap.NewNop())
	endpoint := "/channels/3/messages"

	reset := float64(time.Now().Add(150*time.Millisecond).UnixNano()) / float64(time.Second)
	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "0")
	headers.Set("X-RateLimit-Reset", fmt.Sprintf("%.3f", reset))
	limiter.UpdateFromHeaders(endpoint, headers)

	start := time.Now()
	if err := limiter.Wait(endpoint); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if d := time.Since(start); d < 100*time.Millisecond {
		t.Errorf("Wait() returned after %v, should have slept out the window", d)
	}
}

func TestReset(t *testing.T) {
	limiter := NewLimiter(zap.NewNop())
	limiter.HandleRateLimited("/channels/4", http.Header{})
	limiter.Reset()

	remaining, limit, _ := limiter.Status("/channels/4")
	if remaining != 5 || limit != 5 {
		t.Errorf("Reset() should restore defaults, got remaining=%d limit=%d", remaining, limit)
	}
}
