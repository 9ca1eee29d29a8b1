package crawler

import (
	"context"
	"errors"
	"time"
)

// FixedRetryPolicy retries transient candidate errors a fixed number of
// times with a constant pause between attempts.
type FixedRetryPolicy struct {
	maxRetries int
	delay      time.Duration
}

// NewFixedRetryPolicy builds a policy. maxRetries counts retries, so the
// total number of attempts is maxRetries+1.
func NewFixedRetryPolicy(maxRetries int, delay time.Duration) *FixedRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &FixedRetryPolicy{maxRetries: maxRetries, delay: delay}
}

// Attempts returns the total number of attempts allowed.
func (p *FixedRetryPolicy) Attempts() int { return p.maxRetries + 1 }

// ShouldRetry decides whether another attempt may follow the failed attempt
// number attempt (1-based).
func (p *FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt > p.maxRetries {
		return false
	}
	// request timeouts are transient, cancellation is not
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !Permanent(err)
}

// Backoff blocks for the retry delay or until ctx is done.
func (p *FixedRetryPolicy) Backoff(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
