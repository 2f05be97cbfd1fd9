package client

import (
	"context"
	"math/rand"
	"time"
)

// Read retries use bounded exponential backoff with jitter. Writes are never
// retried here: a retried write without an idempotency key can duplicate
// content, so ambiguous write failures surface to the caller instead.
type retryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxBackoff  time.Duration
	Jitter      float64
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		Jitter:      0.2,
	}
}

// retryRead runs fn until it succeeds, returns a non-retryable error, the
// attempt budget runs out, or ctx is done.
func retryRead(ctx context.Context, cfg retryConfig, fn func() error, retryOn func(error) bool) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryOn == nil || !retryOn(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c retryConfig) backoff(attempt int) time.Duration {
	delay := c.BaseDelay << (attempt - 1)
	if c.Jitter > 0 {
		delay += time.Duration(rand.Float64() * c.Jitter * float64(delay))
	}
	if delay > c.MaxBackoff {
		delay = c.MaxBackoff
	}
	return delay
}
