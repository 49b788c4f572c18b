package provider

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableDistinguishesTransientFromFatal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", fmt.Errorf("%w: slow down", ErrRateLimited), true},
		{"overloaded", fmt.Errorf("%w: at capacity", ErrOverloaded), true},
		{"fatal", fmt.Errorf("%w: bad request", ErrFatal), false},
		{"unrelated error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestBackoffStaysWithinConfiguredCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	for attempt := 0; attempt < 10; attempt++ {
		d := Backoff(cfg, attempt)
		if d < 0 || d > cfg.MaxDelay {
			t.Fatalf("Backoff(attempt=%d) = %v, want within [0, %v]", attempt, d, cfg.MaxDelay)
		}
	}
}
