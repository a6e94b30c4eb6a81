package errors

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (not including initial attempt).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64

	// Jitter adds randomness to delay to prevent thundering herd.
	Jitter bool

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil retries every error. Errors it rejects are returned unchanged.
	ShouldRetry func(error) bool

	// OnRetry is called before each wait, with the 1-based retry number.
	OnRetry func(retry int, err error, delay time.Duration)
}

// DefaultRetryConfig returns sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// ProviderRetryConfig returns the backoff used for embedding provider calls:
// only transient errors are retried, doubling from one second up to a minute.
func ProviderRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		ShouldRetry:  IsTransient,
	}
}

// Retry executes a function with exponential backoff retry logic.
// It retries up to MaxRetries times if the function returns a retryable error.
// The delay between retries grows exponentially, capped at MaxDelay.
// If the context is cancelled, it returns the context error immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a value with retry logic.
// Similar to Retry but for functions that return both a result and an error.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return zero, err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		waitDelay := delay
		if cfg.Jitter {
			// delay * (0.5 + rand(0, 0.5))
			jitterFactor := 0.5 + rand.Float64()*0.5
			waitDelay = time.Duration(float64(delay) * jitterFactor)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, waitDelay)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(waitDelay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}
