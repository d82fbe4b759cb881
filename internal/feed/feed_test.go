package feed

import (
	"context"
	"testing"
	"time"
)

// TestHandleMessageUpdatesCache verifies mids frames populate the cache
func TestHandleMessageUpdatesCache(t *testing.T) {
	f := NewPriceFeed(false, 0, nil)

	f.handleMessage([]byte(`{"channel":"allMids","data":{"mids":{"BTC":"45000.5","ETH":"3000.25"}}}`))

	price, err := f.Price(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if price != 45000.5 {
		t.Errorf("BTC price = %v, want 45000.5", price)
	}
	if len(f.Symbols()) != 2 {
		t.Errorf("symbols = %d, want 2", len(f.Symbols()))
	}
}

// TestHandleMessageIgnoresOtherChannels verifies non-mids frames are
// dropped
func TestHandleMessageIgnoresOtherChannels(t *testing.T) {
	f := NewPriceFeed(false, 0, nil)

	f.handleMessage([]byte(`{"channel":"subscriptionResponse","data":{}}`))
	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"channel":"allMids","data":{"mids":{"BTC":"garbage"}}}`))

	if _, err := f.Price(context.Background(), "BTC"); err == nil {
		t.Error("expected no cached price after junk frames")
	}
}

// TestStalePriceRejected verifies the freshness bound
func TestStalePriceRejected(t *testing.T) {
	f := NewPriceFeed(false, 10*time.Millisecond, nil)

	f.handleMessage([]byte(`{"channel":"allMids","data":{"mids":{"SOL":"100"}}}`))
	if _, err := f.Price(context.Background(), "SOL"); err != nil {
		t.Fatalf("fresh price rejected: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := f.Price(context.Background(), "SOL"); err == nil {
		t.Error("expected stale price to be rejected")
	}
}
