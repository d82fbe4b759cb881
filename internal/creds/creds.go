// Package creds resolves exchange credentials from static configuration or
// HashiCorp Vault, and rotates between accounts when one keeps failing.
package creds

import (
	"context"
	"fmt"
	"sync"

	"copytrade-engine/internal/exchange"
)

// Resolver returns the credential set for an exchange.
type Resolver interface {
	Resolve(ctx context.Context, kind exchange.Kind) ([]exchange.Credentials, error)
}

// StaticResolver serves credentials straight from configuration.
type StaticResolver struct {
	byKind map[exchange.Kind][]exchange.Credentials
}

// NewStaticResolver creates a resolver over configured credentials.
func NewStaticResolver(byKind map[exchange.Kind][]exchange.Credentials) *StaticResolver {
	if byKind == nil {
		byKind = make(map[exchange.Kind][]exchange.Credentials)
	}
	return &StaticResolver{byKind: byKind}
}

// Resolve returns the configured credentials for an exchange
func (r *StaticResolver) Resolve(_ context.Context, kind exchange.Kind) ([]exchange.Credentials, error) {
	creds, ok := r.byKind[kind]
	if !ok || len(creds) == 0 {
		return nil, fmt.Errorf("no credentials configured for %s", kind)
	}
	return creds, nil
}

// RotationSet cycles through the accounts of one exchange. After the
// configured number of consecutive failures the active account advances
// round-robin; any success resets the counter.
type RotationSet struct {
	mu          sync.Mutex
	creds       []exchange.Credentials
	active      int
	failures    int
	maxFailures int
	rotations   int
}

// DefaultMaxFailures rotates after three consecutive failures.
const DefaultMaxFailures = 3

// NewRotationSet creates a rotation set over an ordered credential list.
func NewRotationSet(creds []exchange.Credentials, maxFailures int) *RotationSet {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &RotationSet{creds: creds, maxFailures: maxFailures}
}

// Current returns the active credentials
func (s *RotationSet) Current() exchange.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.creds) == 0 {
		return exchange.Credentials{}
	}
	return s.creds[s.active]
}

// RecordSuccess resets the failure counter
func (s *RotationSet) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

// RecordFailure counts a failure and rotates when the threshold is hit.
// It returns the new active credentials and whether a rotation happened.
func (s *RotationSet) RecordFailure() (exchange.Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	if s.failures < s.maxFailures || len(s.creds) < 2 {
		return s.creds[s.active], false
	}

	s.active = (s.active + 1) % len(s.creds)
	s.failures = 0
	s.rotations++
	return s.creds[s.active], true
}

// Size returns the number of accounts in the set
func (s *RotationSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creds)
}

// Rotations returns how many rotations have happened
func (s *RotationSet) Rotations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotations
}
