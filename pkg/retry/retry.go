// Package retry wraps an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Options controls the retry loop. MaxRetries is the number of retries after
// the first attempt, so the operation runs at most MaxRetries+1 times.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// ShouldRetry decides whether the loop continues after a failed attempt.
	// attempt is zero-based. A nil predicate retries every error.
	ShouldRetry func(err error, attempt int) bool
	// OnRetry, when set, is invoked before each sleep with the upcoming delay.
	OnRetry func(err error, attempt int, delay time.Duration)
}

const jitterCap = time.Second

// Do runs op until it succeeds, the retry budget is exhausted, ShouldRetry
// declines, or ctx is cancelled. The delay before retry n is
// min(BaseDelay·2^n + uniform(0,1s), MaxDelay).
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == opts.MaxRetries {
			break
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr, attempt) {
			break
		}

		delay := opts.BaseDelay << attempt
		delay += time.Duration(rand.Int63n(int64(jitterCap)))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if opts.OnRetry != nil {
			opts.OnRetry(lastErr, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
