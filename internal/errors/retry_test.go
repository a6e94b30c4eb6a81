package errors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(max int) RetryConfig {
	return RetryConfig{
		MaxRetries:   max,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientError(t *testing.T) {
	// Given: a function that fails twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(3), fn)

	// Then: succeeds after 3 attempts
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	// Given: a function that always fails
	attempts := 0
	fn := func() error {
		attempts++
		return errors.New("persistent error")
	}

	// When: retrying with limited retries
	err := Retry(context.Background(), fastRetry(2), fn)

	// Then: fails with wrapped error
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, attempts)
}

func TestRetry_ShouldRetryStopsOnPermanentError(t *testing.T) {
	// Given: a configuration error and a transient-only policy
	attempts := 0
	permanent := ConfigurationError("missing key", nil)
	cfg := fastRetry(5)
	cfg.ShouldRetry = IsTransient

	// When: retrying
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return permanent
	})

	// Then: one attempt, error returned unchanged
	assert.Equal(t, 1, attempts)
	assert.Same(t, permanent, err)
}

func TestRetryWithResult_RetriesTransientThenReturnsValue(t *testing.T) {
	// Given: a provider that is rate limited once
	var calls atomic.Int32
	var notified []int
	cfg := fastRetry(5)
	cfg.ShouldRetry = IsTransient
	cfg.OnRetry = func(retry int, _ error, _ time.Duration) { notified = append(notified, retry) }

	// When: retrying
	got, err := RetryWithResult(context.Background(), cfg, func() ([]float32, error) {
		if calls.Add(1) == 1 {
			return nil, TransientProviderError(ErrCodeRateLimited, "429", nil)
		}
		return []float32{1, 2}, nil
	})

	// Then: the value from the second attempt is returned
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)
	assert.Equal(t, []int{1}, notified)
}

func TestRetryWithResult_ExhaustionKeepsCauseInChain(t *testing.T) {
	cfg := fastRetry(1)
	cfg.ShouldRetry = IsTransient

	_, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		return 0, TransientProviderError(ErrCodeNetworkTimeout, "timeout", nil)
	})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, ErrCodeNetworkTimeout, GetCode(err))
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	// Given: a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, fastRetry(3), func() error {
		attempts++
		return errors.New("never")
	})

	// Then: no attempt is made
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestRetry_CancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, func() error { return errors.New("fail") })
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestProviderRetryConfig(t *testing.T) {
	cfg := ProviderRetryConfig(5)

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.MaxDelay)
	require.NotNil(t, cfg.ShouldRetry)
	assert.False(t, cfg.ShouldRetry(MalformedResponseError("bad")))
	assert.True(t, cfg.ShouldRetry(TransientProviderError(ErrCodeProviderServer, "503", nil)))
}
