// Package ratelimit provides per-exchange request pacing and retry with
// backoff. Limiters are constructed and injected; there are no package-level
// instances.
package ratelimit

import (
	"context"
	"strings"

	"golang.org/x/time/rate"
)

// Limiter paces outbound API calls with a token bucket.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter creates a limiter allowing callsPerSecond sustained with the
// given burst.
func NewLimiter(callsPerSecond float64, burst int) *Limiter {
	if callsPerSecond <= 0 {
		callsPerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

// Wait blocks until a token is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a call may proceed immediately.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// looksRateLimited is the default rate-limit detector, matching the phrasing
// exchanges put in error payloads.
func looksRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"rate limit", "too many requests", "429", "throttle"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
