package creds

import (
	"context"
	"testing"

	"copytrade-engine/internal/exchange"
)

// TestStaticResolver verifies configured credentials resolve by kind
func TestStaticResolver(t *testing.T) {
	resolver := NewStaticResolver(map[exchange.Kind][]exchange.Credentials{
		exchange.KindBybit: {{Label: "main", APIKey: "k1", APISecret: "s1"}},
	})

	creds, err := resolver.Resolve(context.Background(), exchange.KindBybit)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(creds) != 1 || creds[0].Label != "main" {
		t.Errorf("unexpected credentials %+v", creds)
	}

	if _, err := resolver.Resolve(context.Background(), exchange.KindBinance); err == nil {
		t.Error("expected error for unconfigured exchange")
	}
}

// TestRotationAfterConsecutiveFailures verifies the round-robin threshold
func TestRotationAfterConsecutiveFailures(t *testing.T) {
	set := NewRotationSet([]exchange.Credentials{
		{Label: "a"}, {Label: "b"}, {Label: "c"},
	}, 3)

	if got := set.Current().Label; got != "a" {
		t.Fatalf("initial account = %q, want a", got)
	}

	for i := 0; i < 2; i++ {
		if _, rotated := set.RecordFailure(); rotated {
			t.Fatalf("rotated after %d failures, threshold is 3", i+1)
		}
	}
	active, rotated := set.RecordFailure()
	if !rotated {
		t.Fatal("expected rotation on third consecutive failure")
	}
	if active.Label != "b" {
		t.Errorf("active after rotation = %q, want b", active.Label)
	}
	if set.Rotations() != 1 {
		t.Errorf("rotations = %d, want 1", set.Rotations())
	}
}

// TestSuccessResetsFailureCount verifies a success clears the streak
func TestSuccessResetsFailureCount(t *testing.T) {
	set := NewRotationSet([]exchange.Credentials{{Label: "a"}, {Label: "b"}}, 3)

	set.RecordFailure()
	set.RecordFailure()
	set.RecordSuccess()
	set.RecordFailure()
	set.RecordFailure()
	if _, rotated := set.RecordFailure(); !rotated {
		t.Error("expected rotation after three failures following the reset")
	}
}

// TestRotationWrapsAround verifies round-robin wraps to the first account
func TestRotationWrapsAround(t *testing.T) {
	set := NewRotationSet([]exchange.Credentials{{Label: "a"}, {Label: "b"}}, 1)

	set.RecordFailure()
	if got := set.Current().Label; got != "b" {
		t.Fatalf("active = %q, want b", got)
	}
	set.RecordFailure()
	if got := set.Current().Label; got != "a" {
		t.Errorf("active = %q, want a after wrap", got)
	}
}

// TestSingleAccountNeverRotates verifies rotation needs an alternative
func TestSingleAccountNeverRotates(t *testing.T) {
	set := NewRotationSet([]exchange.Credentials{{Label: "only"}}, 1)
	for i := 0; i < 5; i++ {
		if _, rotated := set.RecordFailure(); rotated {
			t.Fatal("single account set must never rotate")
		}
	}
}
