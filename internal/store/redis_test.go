package store

import (
	"context"
	"fmt"
	"testing"
)

// TestDedupClaimOnce verifies a key claims exactly once in fallback mode
func TestDedupClaimOnce(t *testing.T) {
	ctx := context.Background()
	s := NewDedupStore(nil, 0, nil)

	ok, err := s.Claim(ctx, "BTC_buy_TP1_46000_channel-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Fatal("first claim must succeed")
	}

	ok, err = s.Claim(ctx, "BTC_buy_TP1_46000_channel-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Error("second claim must be rejected")
	}
}

// TestDedupDistinctKeys verifies independent keys do not interfere
func TestDedupDistinctKeys(t *testing.T) {
	ctx := context.Background()
	s := NewDedupStore(nil, 0, nil)

	keys := []string{
		"BTC_buy_TP1_46000_channel-a",
		"BTC_buy_TP2_47000_channel-a",
		"BTC_buy_TP1_46000_channel-b",
		"BTC_buy_SL_44000_channel-a",
	}
	for _, key := range keys {
		ok, err := s.Claim(ctx, key)
		if err != nil {
			t.Fatalf("Claim(%s): %v", key, err)
		}
		if !ok {
			t.Errorf("expected fresh key %s to claim", key)
		}
	}
}

// TestDedupPreload verifies preloaded keys are treated as already sent
func TestDedupPreload(t *testing.T) {
	ctx := context.Background()
	s := NewDedupStore(nil, 0, nil)

	s.Preload(ctx, []string{"ETH_sell_TP1_2900_channel-a"})

	seen, err := s.Seen(ctx, "ETH_sell_TP1_2900_channel-a")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if !seen {
		t.Error("expected preloaded key to be seen")
	}
	ok, _ := s.Claim(ctx, "ETH_sell_TP1_2900_channel-a")
	if ok {
		t.Error("expected preloaded key to reject a claim")
	}
}

// TestDedupFallbackEvictsOldest verifies the in-memory set stays bounded
// by dropping the oldest claims first
func TestDedupFallbackEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewDedupStore(nil, 0, nil)

	for i := 0; i < maxFallbackKeys+1; i++ {
		if ok, _ := s.Claim(ctx, fmt.Sprintf("key-%d", i)); !ok {
			t.Fatalf("fresh key %d must claim", i)
		}
	}

	if len(s.seen) > maxFallbackKeys {
		t.Fatalf("fallback set holds %d keys, cap is %d", len(s.seen), maxFallbackKeys)
	}

	// The oldest key was evicted and can claim again; a recent one cannot.
	if ok, _ := s.Claim(ctx, "key-0"); !ok {
		t.Error("evicted oldest key should claim again")
	}
	if ok, _ := s.Claim(ctx, fmt.Sprintf("key-%d", maxFallbackKeys)); ok {
		t.Error("recent key must stay claimed")
	}
}
