package coordinator

import (
	"context"
	"errors"
	"testing"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/parser"
	"copytrade-engine/internal/ratelimit"
	"copytrade-engine/internal/risk"
	"copytrade-engine/internal/tick"
)

func testSignal() *parser.Signal {
	return &parser.Signal{
		ID:          "sig-1",
		Channel:     "channel-a",
		Symbol:      "BTC",
		Side:        "buy",
		Entries:     []float64{45000},
		TakeProfits: []float64{46000, 47000, 48000},
		StopLoss:    44000,
		Leverage:    10,
	}
}

func testCoordinator(mock *exchange.MockConnector) *Coordinator {
	settings := risk.DefaultSettings()
	settings.Mode = risk.ModeFixed
	settings.FixedAmount = 100
	riskEng := risk.NewEngine(settings, nil)
	retry := &ratelimit.RetryPolicy{MaxAttempts: 1}
	return New(mock, riskEng, tick.NewResolver(nil), exchange.RetryPolicyFor(retry), events.NewEventBus(), nil)
}

// TestExecutePlacesEntryStopAndSplitTPs verifies the full order set for a
// single-entry signal
func TestExecutePlacesEntryStopAndSplitTPs(t *testing.T) {
	mock := exchange.NewMockConnector(10000)
	mock.SetPrice("BTC", 45000)
	coord := testCoordinator(mock)

	result, err := coord.Execute(context.Background(), testSignal())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.EntryOrder == nil || result.EntryOrder.Status != "FILLED" {
		t.Fatalf("expected filled entry order, got %+v", result.EntryOrder)
	}
	if result.StopOrder == nil {
		t.Fatal("expected stop order")
	}
	if len(result.TPOrders) != 3 {
		t.Fatalf("expected 3 TP orders, got %d", len(result.TPOrders))
	}
	for _, tp := range result.TPOrders {
		if !tp.ReduceOnly {
			t.Errorf("TP order at %v must be reduce-only", tp.Price)
		}
		if tp.Side != "sell" {
			t.Errorf("TP side = %q, want sell", tp.Side)
		}
	}

	var tpTotal float64
	for _, tp := range result.TPOrders {
		tpTotal += tp.Size
	}
	if diff := tpTotal - result.Size; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TP legs sum to %v, position size is %v", tpTotal, result.Size)
	}
}

// TestExecutePlacesDCALegs verifies additional entries become resting
// limit orders
func TestExecutePlacesDCALegs(t *testing.T) {
	mock := exchange.NewMockConnector(10000)
	mock.SetPrice("BTC", 45000)
	coord := testCoordinator(mock)

	signal := testSignal()
	signal.Entries = []float64{45000, 44500, 44000}

	result, err := coord.Execute(context.Background(), signal)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.DCAOrders) != 2 {
		t.Fatalf("expected 2 DCA orders, got %d", len(result.DCAOrders))
	}
	for _, dca := range result.DCAOrders {
		if dca.Status != "NEW" {
			t.Errorf("DCA order should rest, got status %q", dca.Status)
		}
		if dca.Side != "buy" {
			t.Errorf("DCA side = %q, want buy", dca.Side)
		}
	}
}

// TestExecuteMarketSignalWithoutEntry verifies a signal with no entry
// prices sizes at the live price and places a market entry
func TestExecuteMarketSignalWithoutEntry(t *testing.T) {
	mock := exchange.NewMockConnector(10000)
	mock.SetPrice("BTC", 45000)
	coord := testCoordinator(mock)

	signal := testSignal()
	signal.Entries = nil

	result, err := coord.Execute(context.Background(), signal)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.EntryOrder == nil || result.EntryOrder.Status != "FILLED" {
		t.Fatalf("expected filled market entry, got %+v", result.EntryOrder)
	}
	if result.ActualEntry != 45000 {
		t.Errorf("actual entry = %v, want market price 45000", result.ActualEntry)
	}
	if result.Size <= 0 {
		t.Errorf("size = %v, want > 0", result.Size)
	}
	if len(result.DCAOrders) != 0 {
		t.Errorf("market signal placed %d DCA legs, want 0", len(result.DCAOrders))
	}
}

// TestExecuteRejectsZeroBalance verifies the balance gate
func TestExecuteRejectsZeroBalance(t *testing.T) {
	mock := exchange.NewMockConnector(0)
	mock.SetPrice("BTC", 45000)
	coord := testCoordinator(mock)

	if _, err := coord.Execute(context.Background(), testSignal()); !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Errorf("expected insufficient balance, got %v", err)
	}
}

// TestExecuteRejectsUnknownSymbol verifies symbol validation with
// suggestions
func TestExecuteRejectsUnknownSymbol(t *testing.T) {
	mock := exchange.NewMockConnector(10000)
	mock.SetPrice("BTC", 45000)
	coord := testCoordinator(mock)

	signal := testSignal()
	signal.Symbol = "BT"

	_, err := coord.Execute(context.Background(), signal)
	if !errors.Is(err, exchange.ErrSymbolNotAvailable) {
		t.Fatalf("expected symbol error, got %v", err)
	}
}

// TestExecuteScalesUpToMinimum verifies below-minimum orders are raised to
// the exchange floor
func TestExecuteScalesUpToMinimum(t *testing.T) {
	mock := exchange.NewMockConnector(10000)
	mock.SetPrice("DOGE", 0.1)
	mock.SetFilters("DOGE", &exchange.SymbolFilters{
		Symbol: "DOGE", TickSize: 0.00001, QtyStep: 1, MinNotional: 5,
	})
	coord := testCoordinator(mock)

	signal := testSignal()
	signal.Symbol = "DOGE"
	signal.Entries = []float64{0.1}
	signal.TakeProfits = []float64{0.12}
	signal.StopLoss = 0.09

	// Fixed margin of 0.001 produces a notional far below $5
	settings := risk.DefaultSettings()
	settings.FixedAmount = 0.0001
	settings.DefaultLeverage = 1
	settings.MinOrderSize = 0
	coord.riskEng = risk.NewEngine(settings, nil)

	result, err := coord.Execute(context.Background(), signal)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if notional := result.Size * 0.1; notional < 5 {
		t.Errorf("scaled notional %.4f still below minimum", notional)
	}
}

// TestExecuteRetriesTransientFailure verifies the retry policy recovers
// from a transient error
func TestExecuteRetriesTransientFailure(t *testing.T) {
	mock := exchange.NewMockConnector(10000)
	mock.SetPrice("BTC", 45000)

	settings := risk.DefaultSettings()
	riskEng := risk.NewEngine(settings, nil)
	retry := exchange.RetryPolicyFor(&ratelimit.RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 1, // nanoseconds, keeps the test fast
		BackoffMax:  1,
	})
	coord := New(mock, riskEng, tick.NewResolver(nil), retry, events.NewEventBus(), nil)

	mock.PlaceErr = errors.New("connection reset by peer")
	mock.FailCount = 1

	result, err := coord.Execute(context.Background(), testSignal())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.EntryOrder == nil {
		t.Fatal("expected entry order after retry")
	}
}

// TestExecuteAbortsOnCredentialError verifies non-retryable errors fail
// without placing anything
func TestExecuteAbortsOnCredentialError(t *testing.T) {
	mock := exchange.NewMockConnector(10000)
	mock.SetPrice("BTC", 45000)
	coord := testCoordinator(mock)

	mock.PlaceErr = exchange.ErrCredentialInvalid

	if _, err := coord.Execute(context.Background(), testSignal()); !errors.Is(err, exchange.ErrCredentialInvalid) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if len(mock.PlacedOrders) != 0 {
		t.Errorf("expected no orders placed, got %d", len(mock.PlacedOrders))
	}
}

// TestSuggestSymbols verifies near-miss symbol suggestions
func TestSuggestSymbols(t *testing.T) {
	out := suggestSymbols("BT", []string{"BTC", "BNB", "ETH", "BTT"})
	if len(out) == 0 {
		t.Fatal("expected suggestions for BT")
	}
	for _, s := range out {
		if s == "ETH" {
			t.Error("ETH should not be suggested for BT")
		}
	}
}

// TestTakeProfitSplitRemainder verifies the last leg absorbs rounding
func TestTakeProfitSplitRemainder(t *testing.T) {
	mock := exchange.NewMockConnector(10000)
	mock.SetPrice("ETH", 3000)
	mock.SetFilters("ETH", &exchange.SymbolFilters{
		Symbol: "ETH", TickSize: 0.05, QtyStep: 0.01, MinNotional: 5,
	})
	coord := testCoordinator(mock)

	signal := testSignal()
	signal.Symbol = "ETH"
	signal.Entries = []float64{3000}
	signal.TakeProfits = []float64{3100, 3200, 3300}
	signal.StopLoss = 2900

	result, err := coord.Execute(context.Background(), signal)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var total float64
	for _, tp := range result.TPOrders {
		total += tp.Size
	}
	if diff := total - result.Size; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TP legs sum %v != position %v", total, result.Size)
	}
	last := result.TPOrders[len(result.TPOrders)-1]
	first := result.TPOrders[0]
	if last.Size < first.Size {
		t.Errorf("last leg %v smaller than first %v", last.Size, first.Size)
	}
}
