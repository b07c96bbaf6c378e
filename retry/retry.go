// Package retry provides bounded retry with exponential backoff for
// transient ledger and network failures.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	// Attempts is the total number of attempts, including the first.
	Attempts int

	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Jitter adds up to this fraction of the delay as random noise, so
	// concurrent retries against the same endpoint spread out.
	Jitter float64
}

// Defaults matches the bounded retry policy used for blockhash fetches:
// three attempts with short backoff.
var Defaults = Config{
	Attempts:  3,
	BaseDelay: 200 * time.Millisecond,
	MaxDelay:  2 * time.Second,
	Jitter:    0.2,
}

// Retryable reports whether an error is transient and worth retrying.
type Retryable func(error) bool

// Do runs fn up to cfg.Attempts times, backing off between failures.
// It stops early when the error is not retryable or the context ends.
func Do[T any](ctx context.Context, cfg Config, retryable Retryable, fn func() (T, error)) (T, error) {
	var zero T

	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}

		if attempt == cfg.Attempts-1 {
			break
		}

		select {
		case <-time.After(delayFor(cfg, attempt)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("all %d attempts failed: %w", cfg.Attempts, lastErr)
}

func delayFor(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		delay += time.Duration(rand.Float64() * cfg.Jitter * float64(delay))
	}
	return delay
}
