package exchange

import (
	"fmt"

	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/ratelimit"
)

// Options configures connector construction.
type Options struct {
	Testnet bool
	Limiter *ratelimit.Limiter
	Logger  *logging.Logger

	// MockBalance seeds the mock connector, used for dry runs
	MockBalance float64
}

// New builds a connector for the given exchange kind.
func New(kind Kind, creds Credentials, opts Options) (Connector, error) {
	switch kind {
	case KindBinance:
		return NewBinanceConnector(creds, opts.Testnet, opts.Limiter, opts.Logger), nil
	case KindBybit:
		return NewBybitConnector(creds, opts.Testnet, opts.Limiter, opts.Logger), nil
	case KindHyperliquid:
		return NewHyperliquidConnector(creds, opts.Testnet, opts.Limiter, opts.Logger), nil
	case KindMock:
		balance := opts.MockBalance
		if balance == 0 {
			balance = 10000
		}
		return NewMockConnector(balance), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", kind)
}

// RetryPolicyFor returns the coordinator retry policy wired to the shared
// error taxonomy.
func RetryPolicyFor(policy *ratelimit.RetryPolicy) *ratelimit.RetryPolicy {
	if policy == nil {
		policy = ratelimit.DefaultRetryPolicy()
	}
	policy.Retryable = IsRetryable
	policy.RateLimited = IsRateLimited
	return policy
}
