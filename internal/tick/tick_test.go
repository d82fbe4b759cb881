package tick

import (
	"context"
	"testing"
)

func TestResolveKnownSymbol(t *testing.T) {
	r := NewResolver(nil)

	if got := r.Resolve("BTC", 45000); got != 0.5 {
		t.Errorf("BTC tick = %f, want 0.5", got)
	}
	if got := r.Resolve("ETH", 3000); got != 0.05 {
		t.Errorf("ETH tick = %f, want 0.05", got)
	}
}

func TestResolveHeuristic(t *testing.T) {
	r := NewResolver(nil)

	cases := []struct {
		price float64
		want  float64
	}{
		{45000, 0.5},
		{3000, 0.1},
		{150, 0.01},
		{15, 0.001},
		{1.5, 0.0001},
		{0.05, 0.00001},
	}
	for _, c := range cases {
		if got := r.Resolve("UNLISTED", c.price); got != c.want {
			t.Errorf("Heuristic tick at price %f = %f, want %f", c.price, got, c.want)
		}
	}
}

func TestRememberOverridesHeuristic(t *testing.T) {
	r := NewResolver(nil)

	r.Remember(context.Background(), "WIF", 0.0001)
	if got := r.Resolve("WIF", 2.5); got != 0.0001 {
		t.Errorf("Discovered tick = %f, want 0.0001", got)
	}
}

func TestCandidatesOrderAndUniqueness(t *testing.T) {
	r := NewResolver(nil)
	r.Remember(context.Background(), "BTC", 0.5)

	candidates := r.Candidates("BTC", 45000, 1)
	if candidates[0] != 0.5 {
		t.Errorf("First candidate should be the lookup tick, got %f", candidates[0])
	}

	seen := make(map[float64]bool)
	for _, c := range candidates {
		if seen[c] {
			t.Errorf("Duplicate candidate %f", c)
		}
		seen[c] = true
	}
}

func TestCandidatesDecimalsDerived(t *testing.T) {
	r := NewResolver(nil)

	candidates := r.Candidates("NEWCOIN", 0, 3)
	if candidates[0] != 0.001 {
		t.Errorf("Expected decimals-derived 0.001 first, got %f", candidates[0])
	}
}

func TestSnapDirection(t *testing.T) {
	// Buys round up, sells round down.
	if got := Snap(45000.3, 0.5, "buy"); got != 45000.5 {
		t.Errorf("Buy snap = %f, want 45000.5", got)
	}
	if got := Snap(45000.3, 0.5, "sell"); got != 45000.0 {
		t.Errorf("Sell snap = %f, want 45000.0", got)
	}
}

func TestSnapSmallTicks(t *testing.T) {
	if got := Snap(0.123456, 0.00001, "sell"); got != 0.12345 {
		t.Errorf("Sell snap = %f, want 0.12345", got)
	}
	if got := Snap(0.123451, 0.00001, "buy"); got != 0.12346 {
		t.Errorf("Buy snap = %f, want 0.12346", got)
	}
}

func TestSnapIdempotent(t *testing.T) {
	first := Snap(3001.234, 0.1, "buy")
	second := Snap(first, 0.1, "buy")
	if first != second {
		t.Errorf("Snap not idempotent: %f then %f", first, second)
	}
}

func TestSnapZeroTick(t *testing.T) {
	if got := Snap(100, 0, "buy"); got != 100 {
		t.Errorf("Zero tick should leave price unchanged, got %f", got)
	}
}
