package exchange

import (
	"errors"
	"strings"
)

// Failure taxonomy shared across connectors, sizing, and monitoring. Callers
// classify with errors.Is; connectors wrap these with exchange detail.
var (
	ErrParseFailure          = errors.New("signal parse failure")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrBelowMinimumOrder     = errors.New("order below exchange minimum")
	ErrSymbolNotAvailable    = errors.New("symbol not available on exchange")
	ErrTickRejected          = errors.New("price rejected by tick size rules")
	ErrRateLimited           = errors.New("rate limited by exchange")
	ErrCredentialInvalid     = errors.New("invalid exchange credentials")
	ErrPositionNotFound      = errors.New("position not found")
	ErrNotificationDelivery  = errors.New("notification delivery failure")
)

// rate-limit phrasing seen across exchange error payloads
var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"429",
	"throttle",
}

// IsRateLimited reports whether the error is a rate limit response,
// either by sentinel or by message phrasing.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// IsCredentialInvalid reports whether the error indicates bad credentials
func IsCredentialInvalid(err error) bool {
	return errors.Is(err, ErrCredentialInvalid)
}

// IsRetryable reports whether an operation that returned this error is worth
// retrying. Parse, sizing, and credential failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrParseFailure),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrBelowMinimumOrder),
		errors.Is(err, ErrSymbolNotAvailable),
		errors.Is(err, ErrCredentialInvalid):
		return false
	}
	return true
}

// IsTickRejection reports whether an order was rejected over price tick
// rules, by sentinel or by the wording exchanges use.
func IsTickRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTickRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tick") || strings.Contains(msg, "divisible")
}
