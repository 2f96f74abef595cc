// Package ratelimit implements Discord API rate limiting based on response headers.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// bucket tracks the rate-limit window for one API endpoint.
type bucket struct {
	remaining int
	limit     int
	resetAt   time.Time
	limiter   *rate.Limiter
	mu        sync.Mutex
}

// Limiter manages per-endpoint rate-limit buckets, updated from the
// X-RateLimit-* headers Discord attaches to every response.
type Limiter struct {
	buckets map[string]*bucket
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewLimiter creates an empty limiter.
func NewLimiter(logger *zap.Logger) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		logger:  logger,
	}
}

func (l *Limiter) getBucket(endpoint string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, exists := l.buckets[endpoint]; exists {
		return b
	}

	// Default to Discord's global limit of 5 requests per second until the
	// first response teaches us the per-route numbers.
	b := &bucket{
		remaining: 5,
		limit:     5,
		resetAt:   time.Now().Add(1 * time.Second),
		limiter:   rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
	l.buckets[endpoint] = b
	return b
}

// Wait blocks until a request to endpoint is allowed. When the advertised
// budget is exhausted it sleeps out the remainder of the window, so pages
// of a paginated fetch pause instead of tripping a 429.
func (l *Limiter) Wait(endpoint string) error {
	b := l.getBucket(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.remaining <= 0 && time.Now().Before(b.resetAt) {
		waitDuration := time.Until(b.resetAt)
		l.logger.Warn("rate limit exhausted, waiting",
			zap.String("endpoint", endpoint),
			zap.Duration("wait_duration", waitDuration),
		)
		time.Sleep(waitDuration)
	}

	if err := b.limiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return nil
}

// UpdateFromHeaders refreshes an endpoint's bucket from response headers.
func (l *Limiter) UpdateFromHeaders(endpoint string, headers http.Header) {
	b := l.getBucket(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	if v := headers.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.remaining = n
		}
	}
	if v := headers.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.limit = n
		}
	}
	// Discord sends the reset as a unix timestamp with fractional seconds.
	if v := headers.Get("X-RateLimit-Reset"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			sec := int64(f)
			nsec := int64((f - float64(sec)) * float64(time.Second))
			b.resetAt = time.Unix(sec, nsec)
		}
	}

	if b.limit > 0 {
		resetDuration := time.Until(b.resetAt)
		if resetDuration > 0 {
			tokensPerSecond := float64(b.limit) / resetDuration.Seconds()
			b.limiter = rate.NewLimiter(rate.Limit(tokensPerSecond), b.limit)
		}
	}
}

// HandleRateLimited marks an endpoint's budget as spent after a 429,
// honoring Retry-After when the server provides it.
func (l *Limiter) HandleRateLimited(endpoint string, headers http.Header) {
	b := l.getBucket(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	var retryAfter time.Duration
	if v := headers.Get("Retry-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = time.Duration(f * float64(time.Second))
		}
	}
	if retryAfter == 0 {
		if v := headers.Get("X-RateLimit-Reset"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				retryAfter = time.Until(time.Unix(int64(f), 0))
			}
		}
	}
	if retryAfter <= 0 {
		retryAfter = 1 * time.Second
	}

	b.remaining = 0
	b.resetAt = time.Now().Add(retryAfter)

	l.logger.Warn("rate limited by discord API",
		zap.String("endpoint", endpoint),
		zap.Duration("retry_after", retryAfter),
	)
}

// Status returns the current window for an endpoint.
func (l *Limiter) Status(endpoint string) (remaining, limit int, resetAt time.Time) {
	b := l.getBucket(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.remaining, b.limit, b.resetAt
}

// Reset clears every bucket (useful for testing).
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}
