package embed

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a token bucket for remote providers that also honours
// server-requested backoff (Retry-After on HTTP 429).
type rateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

// newRateLimiter returns nil for rps <= 0, which disables limiting.
func newRateLimiter(rps float64) *rateLimiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent.
func (r *rateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if wait := time.Until(retryAt); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return r.limiter.Wait(ctx)
}

// Backoff pushes the next allowed request at least d into the future.
func (r *rateLimiter) Backoff(d time.Duration) {
	if r == nil || d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if at := time.Now().Add(d); at.After(r.retryAt) {
		r.retryAt = at
	}
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}
