package ratelimit

import (
	"context"
	"math"
	"time"
)

// RetryPolicy retries an operation with exponential backoff. Rate-limited
// errors back off one power harder than ordinary transient errors.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Retryable decides whether an error is worth another attempt.
	// nil means every error is retried until attempts run out.
	Retryable func(error) bool

	// RateLimited decides whether an error is a rate limit response.
	// nil falls back to message phrasing.
	RateLimited func(error) bool
}

// DefaultRetryPolicy returns the engine's standard retry behavior.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Do runs fn until it succeeds, a non-retryable error occurs, attempts run
// out, or the context is cancelled.
func (p *RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.backoffDelay(attempt, p.isRateLimited(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (p *RetryPolicy) isRateLimited(err error) bool {
	if p.RateLimited != nil {
		return p.RateLimited(err)
	}
	return looksRateLimited(err)
}

// backoffDelay is base^(attempt-1), or base^attempt when rate limited,
// capped at BackoffMax.
func (p *RetryPolicy) backoffDelay(attempt int, rateLimited bool) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := p.BackoffMax
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	exp := attempt - 1
	if rateLimited {
		exp = attempt
	}

	seconds := math.Pow(base.Seconds(), float64(exp))
	delay := time.Duration(seconds * float64(time.Second))
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay <= 0 {
		delay = base
	}
	return delay
}
