package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for external operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	// A value of 0 or 1 means no retries.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is the factor by which the delay grows after each retry.
	// A value of 2.0 provides exponential backoff.
	Multiplier float64
	// Jitter is the fraction of randomness applied to each delay. A value of
	// 0.1 scales the delay by a uniform factor in [0.9, 1.1].
	Jitter float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// AttemptObserver is notified after each attempt.
type AttemptObserver func(attempt int, err error, delay time.Duration)

// Retry executes fn with retry logic. Only failures classified as transient
// (timeout, rate limit, 5xx-equivalent) are retried; all other failures
// propagate immediately. The delay for attempt n is
// BaseDelay × Multiplier^(n-1), scaled by a uniform jitter factor, capped at
// MaxDelay. The last error is returned once attempts are exhausted.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error, observers ...AttemptObserver) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			notify(observers, attempt, nil, 0)
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt >= cfg.MaxAttempts {
			notify(observers, attempt, err, 0)
			return lastErr
		}
		delay := backoffDelay(cfg, attempt)
		notify(observers, attempt, err, delay)
		select {
		case <-ctx.Done():
			return Classify(ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

func notify(observers []AttemptObserver, attempt int, err error, delay time.Duration) {
	for _, o := range observers {
		o(attempt, err, delay)
	}
}

// backoffDelay computes the delay before the retry following the given attempt.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		// Uniform factor in [1-jitter, 1+jitter]; crypto randomness is not
		// needed for backoff spreading.
		factor := 1 + cfg.Jitter*(rand.Float64()*2-1) //nolint:gosec
		delay *= factor
	}
	return time.Duration(delay)
}
