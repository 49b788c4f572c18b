package provider

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls the exponential-backoff-with-jitter policy applied
// to rate-limited and overloaded provider responses (§4.5). Fatal 4xx
// errors are never retried.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Retryable reports whether err should be retried per the spine's
// retry policy: rate-limit and overload causes are transient, anything
// wrapping ErrFatal is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrOverloaded)
}

// Backoff computes the delay before attempt N (0-indexed), full jitter
// between 0 and the exponential cap.
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	cap := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cap > float64(cfg.MaxDelay) {
		cap = float64(cfg.MaxDelay)
	}
	return time.Duration(rand.Int63n(int64(cap) + 1))
}

// WithRetry calls attempt until it succeeds, a non-retryable error is
// returned, ctx is cancelled, or cfg.MaxAttempts is exhausted.
func WithRetry(ctx context.Context, cfg RetryConfig, attempt func(ctx context.Context) (ChunkStream, error)) (ChunkStream, error) {
	var lastErr error
	for i := 0; i < cfg.MaxAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(Backoff(cfg, i-1)):
			}
		}
		stream, err := attempt(ctx)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
