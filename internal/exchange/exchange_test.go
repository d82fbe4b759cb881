package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// TestKindValid verifies the supported exchange kinds
func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindBinance, KindBybit, KindHyperliquid, KindMock} {
		if !k.Valid() {
			t.Errorf("expected %q to be valid", k)
		}
	}
	if Kind("kraken").Valid() {
		t.Error("expected unknown kind to be invalid")
	}
}

// TestOppositeSide verifies side flipping for exits
func TestOppositeSide(t *testing.T) {
	if got := OppositeSide("buy"); got != "sell" {
		t.Errorf("OppositeSide(buy) = %q, want sell", got)
	}
	if got := OppositeSide("sell"); got != "buy" {
		t.Errorf("OppositeSide(sell) = %q, want buy", got)
	}
}

// TestErrorClassification verifies the taxonomy helpers
func TestErrorClassification(t *testing.T) {
	if !IsRateLimited(errors.New("binance 429 too many requests")) {
		t.Error("expected 429 message to classify as rate limited")
	}
	wrapped := errors.Join(errors.New("request failed"), ErrRateLimited)
	if !IsRateLimited(wrapped) {
		t.Error("expected wrapped sentinel to classify as rate limited")
	}
	if IsRetryable(ErrCredentialInvalid) {
		t.Error("credential errors must never be retried")
	}
	if IsRetryable(ErrBelowMinimumOrder) {
		t.Error("minimum order errors must never be retried")
	}
	if !IsRetryable(errors.New("connection reset by peer")) {
		t.Error("expected transient network error to be retryable")
	}
	if !IsTickRejection(errors.New("Price is not divisible by tick size")) {
		t.Error("expected tick size message to classify as tick rejection")
	}
}

// TestPairSymbol verifies base-to-pair mapping for the CEX connectors
func TestPairSymbol(t *testing.T) {
	if got := pairSymbol("btc"); got != "BTCUSDT" {
		t.Errorf("pairSymbol(btc) = %q, want BTCUSDT", got)
	}
}

// TestBinanceSigning verifies HMAC signature generation over the query
func TestBinanceSigning(t *testing.T) {
	c := NewBinanceConnector(Credentials{APIKey: " key ", APISecret: "secret"}, false, nil, nil)
	if c.apiKey != "key" {
		t.Errorf("expected key whitespace trimmed, got %q", c.apiKey)
	}

	sig := c.sign("symbol=BTCUSDT&timestamp=1000")
	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	if sig != c.sign("symbol=BTCUSDT&timestamp=1000") {
		t.Error("signature must be deterministic for the same query")
	}

	signed := c.signParams(map[string]string{"symbol": "BTCUSDT"})
	if want := "symbol=BTCUSDT&signature="; len(signed) != len(want)+64 {
		t.Errorf("unexpected signed query %q", signed)
	}
}

// TestBybitSigning verifies the v5 signing payload composition
func TestBybitSigning(t *testing.T) {
	c := NewBybitConnector(Credentials{APIKey: "key", APISecret: "secret"}, false, nil, nil)

	sig := c.signPayload("1700000000000", "accountType=UNIFIED")
	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	if sig == c.signPayload("1700000000001", "accountType=UNIFIED") {
		t.Error("different timestamps must produce different signatures")
	}
}

// TestHyperliquidPriceFormatting verifies significant figure and decimal
// limits on rendered prices
func TestHyperliquidPriceFormatting(t *testing.T) {
	tests := []struct {
		price      float64
		szDecimals int
		want       string
	}{
		{45123.456, 5, "45123"},
		{1234.5678, 4, "1234.6"},
		{0.123456, 0, "0.12346"},
		{1.23456789, 2, "1.2346"},
		{19, 5, "19"},
	}
	for _, tt := range tests {
		if got := hlFormatPrice(tt.price, tt.szDecimals); got != tt.want {
			t.Errorf("hlFormatPrice(%v, %d) = %q, want %q", tt.price, tt.szDecimals, got, tt.want)
		}
	}
}

// TestHyperliquidSizeFormatting verifies sizes truncate to szDecimals
func TestHyperliquidSizeFormatting(t *testing.T) {
	if got := hlFormatSize(0.12999, 3); got != "0.129" {
		t.Errorf("hlFormatSize = %q, want 0.129", got)
	}
	if got := hlFormatSize(5, 0); got != "5" {
		t.Errorf("hlFormatSize = %q, want 5", got)
	}
}

// TestHyperliquidResponseParsing verifies status extraction including the
// in-band error case on HTTP 200
func TestHyperliquidResponseParsing(t *testing.T) {
	filled := []byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"oid":77,"totalSz":"0.5","avgPx":"45000.5"}}]}}}`)
	status, err := parseHLResponse(filled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.orderID != "77" || status.state != "FILLED" || status.avgPrice != 45000.5 {
		t.Errorf("unexpected status %+v", status)
	}

	resting := []byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":12}}]}}}`)
	status, err = parseHLResponse(resting)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.orderID != "12" || status.state != "NEW" {
		t.Errorf("unexpected status %+v", status)
	}

	rejected := []byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Order must have minimum value of $10"}]}}}`)
	if _, err = parseHLResponse(rejected); !errors.Is(err, ErrBelowMinimumOrder) {
		t.Errorf("expected minimum order error, got %v", err)
	}
}

// TestHyperliquidSignAction verifies deterministic local signing
func TestHyperliquidSignAction(t *testing.T) {
	c := NewHyperliquidConnector(Credentials{
		WalletAddress: "0x0000000000000000000000000000000000000001",
		PrivateKey:    "0x0123456789012345678901234567890123456789012345678901234567890123",
	}, false, nil, nil)

	action := hlCancelAction{Type: "cancel", Cancels: []hlCancel{{Asset: 0, Oid: 1}}}
	sig1, err := c.signAction(action, 1700000000000)
	if err != nil {
		t.Fatalf("signAction: %v", err)
	}
	sig2, err := c.signAction(action, 1700000000000)
	if err != nil {
		t.Fatalf("signAction: %v", err)
	}
	if sig1["r"] != sig2["r"] || sig1["s"] != sig2["s"] {
		t.Error("signature must be deterministic for identical action and nonce")
	}

	sig3, _ := c.signAction(action, 1700000000001)
	if sig1["r"] == sig3["r"] && sig1["s"] == sig3["s"] {
		t.Error("different nonces must produce different signatures")
	}
}

// TestMockMarketFillOpensPosition verifies immediate fills update positions
func TestMockMarketFillOpensPosition(t *testing.T) {
	ctx := context.Background()
	mock := NewMockConnector(1000)
	mock.SetPrice("BTC", 45000)

	order, err := mock.PlaceOrder(ctx, &OrderRequest{
		Symbol: "BTC", Side: "buy", Size: 0.01, OrderType: "market", Leverage: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != "FILLED" || order.AvgFillPrice != 45000 {
		t.Errorf("unexpected order %+v", order)
	}

	pos, err := mock.Position(ctx, "BTC")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos.Size != 0.01 || pos.Side != "buy" || pos.EntryPrice != 45000 {
		t.Errorf("unexpected position %+v", pos)
	}
}

// TestMockReduceOnlyClosesPosition verifies reduce-only fills shrink and
// remove positions
func TestMockReduceOnlyClosesPosition(t *testing.T) {
	ctx := context.Background()
	mock := NewMockConnector(1000)
	mock.SetPrice("ETH", 3000)
	mock.SetPosition(&Position{Symbol: "ETH", Side: "buy", Size: 1, EntryPrice: 2900})

	_, err := mock.PlaceOrder(ctx, &OrderRequest{
		Symbol: "ETH", Side: "sell", Size: 1, OrderType: "market", ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if _, err := mock.Position(ctx, "ETH"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected closed position, got %v", err)
	}
}

// TestMockLimitOrdersRestAndCancel verifies limit orders stay open until
// canceled
func TestMockLimitOrdersRestAndCancel(t *testing.T) {
	ctx := context.Background()
	mock := NewMockConnector(1000)
	mock.SetPrice("SOL", 100)

	order, err := mock.PlaceOrder(ctx, &OrderRequest{
		Symbol: "SOL", Side: "buy", Size: 1, Price: 95, OrderType: "limit",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	open, err := mock.OpenOrders(ctx, "SOL")
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open order, got %d (%v)", len(open), err)
	}

	if err := mock.CancelOrder(ctx, "SOL", order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	open, _ = mock.OpenOrders(ctx, "SOL")
	if len(open) != 0 {
		t.Errorf("expected no open orders after cancel, got %d", len(open))
	}
}

// TestMockFailureInjection verifies configured errors surface and clear
func TestMockFailureInjection(t *testing.T) {
	ctx := context.Background()
	mock := NewMockConnector(1000)
	mock.SetPrice("BTC", 45000)
	mock.PlaceErr = ErrRateLimited
	mock.FailCount = 2

	req := &OrderRequest{Symbol: "BTC", Side: "buy", Size: 0.01, OrderType: "market"}
	for i := 0; i < 2; i++ {
		if _, err := mock.PlaceOrder(ctx, req); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("attempt %d: expected rate limit error, got %v", i+1, err)
		}
	}
	if _, err := mock.PlaceOrder(ctx, req); err != nil {
		t.Fatalf("expected success after failures cleared, got %v", err)
	}
}

// TestFactoryDispatch verifies kind-based construction
func TestFactoryDispatch(t *testing.T) {
	for _, kind := range []Kind{KindBinance, KindBybit, KindHyperliquid, KindMock} {
		conn, err := New(kind, Credentials{APIKey: "k", APISecret: "s"}, Options{})
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		if conn.Kind() != kind {
			t.Errorf("New(%s).Kind() = %s", kind, conn.Kind())
		}
	}
	if _, err := New(Kind("kraken"), Credentials{}, Options{}); err == nil {
		t.Error("expected error for unsupported kind")
	}
}

// TestCloidValidation verifies only 0x-prefixed 16-byte hex ids pass
func TestCloidValidation(t *testing.T) {
	if id := newCloid(); !validCloid(id) {
		t.Errorf("generated cloid %q must validate", id)
	}
	for _, id := range []string{
		"",
		"ct-sig-1-entry",
		"0x1234",
		"0xzz34567890abcdef1234567890abcdef",
		"1234567890abcdef1234567890abcdef",
	} {
		if validCloid(id) {
			t.Errorf("cloid %q must not validate", id)
		}
	}
}

// TestBinanceFilterCacheConcurrency exercises the filter cache from many
// goroutines; run with the race detector
func TestBinanceFilterCacheConcurrency(t *testing.T) {
	c := NewBinanceConnector(Credentials{APIKey: "k", APISecret: "s"}, true, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair := fmt.Sprintf("SYM%dUSDT", i%4)
			c.storeFilters(pair, &SymbolFilters{Symbol: pair, TickSize: 0.01})
			if f, ok := c.cachedFilters(pair); !ok || f == nil {
				t.Errorf("filters for %s missing after store", pair)
			}
		}(i)
	}
	wg.Wait()
}

// TestBybitFilterCacheConcurrency exercises the filter cache from many
// goroutines; run with the race detector
func TestBybitFilterCacheConcurrency(t *testing.T) {
	c := NewBybitConnector(Credentials{APIKey: "k", APISecret: "s"}, true, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair := fmt.Sprintf("SYM%dUSDT", i%4)
			c.storeFilters(pair, &SymbolFilters{Symbol: pair, QtyStep: 0.001})
			if f, ok := c.cachedFilters(pair); !ok || f == nil {
				t.Errorf("filters for %s missing after store", pair)
			}
		}(i)
	}
	wg.Wait()
}
