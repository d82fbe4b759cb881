package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"copytrade-engine/internal/creds"
	"copytrade-engine/internal/events"
	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/notification"
	"copytrade-engine/internal/parser"
	"copytrade-engine/internal/store"
)

// memStore is an in-memory SignalStore for tests
type memStore struct {
	mu      sync.Mutex
	records map[string]store.SignalRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]store.SignalRecord)}
}

func (m *memStore) Save(_ context.Context, record store.SignalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key] = record
	return nil
}

func (m *memStore) LoadActive(_ context.Context) ([]store.SignalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SignalRecord
	for _, record := range m.records {
		if record.State != string(StateCompleted) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// countingNotifier tallies notifications by type
type countingNotifier struct {
	mu   sync.Mutex
	sent map[notification.Type]int
}

func newCountingNotifier() *countingNotifier {
	return &countingNotifier{sent: make(map[notification.Type]int)}
}

func (c *countingNotifier) Send(_ context.Context, n *notification.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[n.Type]++
	return nil
}
func (c *countingNotifier) Name() string    { return "counting" }
func (c *countingNotifier) IsEnabled() bool { return true }

func (c *countingNotifier) count(t notification.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[t]
}

func testSignal() *MonitoredSignal {
	return NewMonitoredSignal(&parser.Signal{
		ID:          "sig-1",
		Channel:     "channel-a",
		MessageID:   "msg-1",
		Symbol:      "BTC",
		Side:        "buy",
		Entries:     []float64{45000},
		TakeProfits: []float64{46000, 47000},
		StopLoss:    44000,
		Leverage:    10,
	}, exchange.KindMock)
}

type testHarness struct {
	engine   *Engine
	notifier *countingNotifier
	mock     *exchange.MockConnector
	repo     *memStore
}

func newHarness(strategy Strategy) *testHarness {
	notifier := newCountingNotifier()
	manager := notification.NewManager(nil)
	manager.AddNotifier(notifier)
	bus := events.NewEventBus()
	gate := notification.NewGate(manager, store.NewDedupStore(nil, 0, nil), bus, nil)
	mock := exchange.NewMockConnector(10000)
	repo := newMemStore()

	engine := NewEngine(Config{
		Strategy:  strategy,
		Connector: mock,
		Gate:      gate,
		Tracker:   NewTracker(repo, zerolog.Nop()),
		Bus:       bus,
	})
	return &testHarness{engine: engine, notifier: notifier, mock: mock, repo: repo}
}

// TestEntryFillOnPriceTouch verifies a buy fills when price drops to entry
func TestEntryFillOnPriceTouch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)
	signal := testSignal()
	h.engine.Track(ctx, signal)

	h.engine.evaluate(ctx, signal, 45100)
	if signal.State != StateWaitingEntry {
		t.Fatalf("price above entry must not fill, state %s", signal.State)
	}

	h.engine.evaluate(ctx, signal, 45000)
	if signal.State != StateActive {
		t.Fatalf("state = %s, want active", signal.State)
	}
	if signal.ActualEntryPrice != 45000 {
		t.Errorf("actual entry = %v, want 45000", signal.ActualEntryPrice)
	}
	if h.notifier.count(notification.NotifyEntryFilled) != 1 {
		t.Errorf("entry notifications = %d, want 1", h.notifier.count(notification.NotifyEntryFilled))
	}
}

// TestStopLossCompletesSignal verifies SL hit terminates an active signal
func TestStopLossCompletesSignal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)
	signal := testSignal()
	h.engine.Track(ctx, signal)

	h.engine.evaluate(ctx, signal, 45000) // entry
	h.engine.evaluate(ctx, signal, 43900) // below stop

	if signal.State != StateCompleted {
		t.Fatalf("state = %s, want completed", signal.State)
	}
	if h.notifier.count(notification.NotifyStopLoss) != 1 {
		t.Errorf("SL notifications = %d, want 1", h.notifier.count(notification.NotifyStopLoss))
	}
}

// TestFirstTPMovesStopToBreakeven verifies the one-time break-even move
func TestFirstTPMovesStopToBreakeven(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)
	signal := testSignal()
	h.engine.Track(ctx, signal)

	h.engine.evaluate(ctx, signal, 45000) // entry
	h.engine.evaluate(ctx, signal, 46050) // TP1

	if !signal.TargetHit(1) {
		t.Fatal("TP1 not recorded")
	}
	if !signal.SLMovedToBreakeven {
		t.Fatal("stop not moved to break-even after TP1")
	}
	if stop := signal.EffectiveStop(); stop != 45000 {
		t.Errorf("effective stop = %v, want entry 45000", stop)
	}

	// Price retraces to entry: break-even stop fires and completes
	h.engine.evaluate(ctx, signal, 45000)
	if signal.State != StateCompleted {
		t.Errorf("state = %s, want completed after break-even stop", signal.State)
	}
	if h.notifier.count(notification.NotifyBreakeven) != 1 {
		t.Errorf("breakeven notifications = %d, want 1", h.notifier.count(notification.NotifyBreakeven))
	}
}

// TestAllTargetsCompleteAndCancelDCA verifies completion cancels resting
// DCA legs
func TestAllTargetsCompleteAndCancelDCA(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)
	h.mock.SetPrice("BTC", 44500)

	dca, err := h.mock.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol: "BTC", Side: "buy", Size: 0.01, Price: 44500, OrderType: "limit",
	})
	if err != nil {
		t.Fatalf("placing DCA order: %v", err)
	}

	signal := testSignal()
	signal.DCAOrderIDs = []string{dca.ID}
	h.engine.Track(ctx, signal)

	h.engine.evaluate(ctx, signal, 45000) // entry
	h.engine.evaluate(ctx, signal, 47100) // clears both TPs

	if signal.State != StateCompleted {
		t.Fatalf("state = %s, want completed", signal.State)
	}
	if len(signal.TargetsHit) != 2 {
		t.Errorf("targets hit = %v, want both", signal.TargetsHit)
	}
	if len(h.mock.CanceledOrders) != 1 {
		t.Errorf("cancelled orders = %d, want 1", len(h.mock.CanceledOrders))
	}
	if h.notifier.count(notification.NotifyDCACancelled) != 1 {
		t.Errorf("DCA cancel notifications = %d, want 1", h.notifier.count(notification.NotifyDCACancelled))
	}
}

// TestRepeatedTicksNotifyOnce verifies the gate suppresses replays of the
// same crossing
func TestRepeatedTicksNotifyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)
	signal := testSignal()
	h.engine.Track(ctx, signal)

	h.engine.evaluate(ctx, signal, 45000)
	h.engine.evaluate(ctx, signal, 46050)
	h.engine.evaluate(ctx, signal, 46060)
	h.engine.evaluate(ctx, signal, 46070)

	if got := h.notifier.count(notification.NotifyTakeProfit); got != 1 {
		t.Errorf("TP notifications = %d, want 1", got)
	}
}

// TestTrackGroupsIdenticalSignals verifies the same key monitors once
func TestTrackGroupsIdenticalSignals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)

	h.engine.Track(ctx, testSignal())
	h.engine.Track(ctx, testSignal())

	if stats := h.engine.Stats(); stats.Total != 1 {
		t.Errorf("monitored signals = %d, want 1", stats.Total)
	}
}

// TestSellSideDirections verifies inverted entry, TP and SL checks
func TestSellSideDirections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)
	signal := NewMonitoredSignal(&parser.Signal{
		ID: "sig-2", Channel: "channel-a", MessageID: "msg-2",
		Symbol: "ETH", Side: "sell",
		Entries:     []float64{3000},
		TakeProfits: []float64{2900, 2800},
		StopLoss:    3100,
	}, exchange.KindMock)
	h.engine.Track(ctx, signal)

	h.engine.evaluate(ctx, signal, 2990)
	if signal.State != StateWaitingEntry {
		t.Fatal("sell must not fill below entry")
	}
	h.engine.evaluate(ctx, signal, 3005)
	if signal.State != StateActive {
		t.Fatal("sell entry at or above entry price must fill")
	}
	h.engine.evaluate(ctx, signal, 2895)
	if !signal.TargetHit(1) {
		t.Error("sell TP1 must hit when price drops to target")
	}
	if signal.TargetHit(2) {
		t.Error("TP2 must not hit at 2895")
	}
}

// TestAPIStrategyAdoptsRealFill verifies first position sighting sets the
// actual entry and size
func TestAPIStrategyAdoptsRealFill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyAPI)
	signal := testSignal()
	h.engine.Track(ctx, signal)

	h.mock.SetPosition(&exchange.Position{
		Symbol: "BTC", Side: "buy", Size: 0.02, EntryPrice: 44980,
	})
	h.engine.tick(ctx)

	if signal.State != StateActive {
		t.Fatalf("state = %s, want active", signal.State)
	}
	if signal.ActualEntryPrice != 44980 || signal.PositionSize != 0.02 {
		t.Errorf("actual entry %v size %v, want 44980/0.02", signal.ActualEntryPrice, signal.PositionSize)
	}
}

// TestAPIStrategyDetectsExternalClose verifies a vanished position
// completes the signal
func TestAPIStrategyDetectsExternalClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyAPI)
	signal := testSignal()
	h.engine.Track(ctx, signal)

	h.mock.SetPosition(&exchange.Position{Symbol: "BTC", Side: "buy", Size: 0.02, EntryPrice: 45000})
	h.engine.tick(ctx)
	if signal.State != StateActive {
		t.Fatalf("state = %s, want active", signal.State)
	}

	h.mock.RemovePosition("BTC")
	h.engine.tick(ctx)
	if signal.State != StateCompleted {
		t.Fatalf("state = %s, want completed after external close", signal.State)
	}
	if h.notifier.count(notification.NotifySignalClosed) != 1 {
		t.Errorf("closed notifications = %d, want 1", h.notifier.count(notification.NotifySignalClosed))
	}
}

// failingConnector wraps the mock and fails position lookups
type failingConnector struct {
	*exchange.MockConnector
	err error
}

func (f *failingConnector) Position(context.Context, string) (*exchange.Position, error) {
	return nil, f.err
}

// TestCredentialRotationAfterFailures verifies round-robin rotation on the
// third consecutive failure
func TestCredentialRotationAfterFailures(t *testing.T) {
	ctx := context.Background()
	notifier := newCountingNotifier()
	manager := notification.NewManager(nil)
	manager.AddNotifier(notifier)
	bus := events.NewEventBus()
	gate := notification.NewGate(manager, store.NewDedupStore(nil, 0, nil), bus, nil)

	rotation := creds.NewRotationSet([]exchange.Credentials{
		{Label: "primary"}, {Label: "secondary"},
	}, 3)
	failing := &failingConnector{
		MockConnector: exchange.NewMockConnector(10000),
		err:           errors.New("binance API error 500: internal error"),
	}

	rebuilt := 0
	engine := NewEngine(Config{
		Strategy:  StrategyAPI,
		Connector: failing,
		Rotation:  rotation,
		Factory: func(c exchange.Credentials) (exchange.Connector, error) {
			rebuilt++
			return exchange.NewMockConnector(10000), nil
		},
		Gate: gate,
		Bus:  bus,
	})
	engine.Track(ctx, testSignal())

	for i := 0; i < 3; i++ {
		engine.tick(ctx)
	}

	if rebuilt != 1 {
		t.Fatalf("connector rebuilds = %d, want 1", rebuilt)
	}
	if got := rotation.Current().Label; got != "secondary" {
		t.Errorf("active credentials = %q, want secondary", got)
	}
}

// TestRestoreReplaysHitTargets verifies restarts never re-notify targets
// that fired before the restart
func TestRestoreReplaysHitTargets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)

	signal := testSignal()
	signal.State = StateActive
	signal.ActualEntryPrice = 45000
	signal.TargetsHit = []int{1}
	signal.SLMovedToBreakeven = true
	h.engine.tracker.Persist(ctx, signal)

	// Fresh engine over the same store, as after a restart
	h2 := newHarness(StrategyPrice)
	h2.engine.tracker = NewTracker(h.repo, zerolog.Nop())
	if err := h2.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if stats := h2.engine.Stats(); stats.Active != 1 {
		t.Fatalf("restored active signals = %d, want 1", stats.Active)
	}

	restored := h2.engine.Signals()[0]
	h2.engine.evaluate(ctx, restored, 46050) // TP1 again
	if got := h2.notifier.count(notification.NotifyTakeProfit); got != 0 {
		t.Errorf("TP notifications after restore = %d, want 0", got)
	}

	h2.engine.evaluate(ctx, restored, 47100) // TP2 is new
	if got := h2.notifier.count(notification.NotifyTakeProfit); got != 1 {
		t.Errorf("TP2 notifications = %d, want 1", got)
	}
}

// TestMarketOrderFillsImmediately verifies signals without entry prices
// go active at the first observed price on both sides
func TestMarketOrderFillsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)

	buy := NewMonitoredSignal(&parser.Signal{
		ID: "sig-m1", Channel: "channel-a", MessageID: "msg-m1",
		Symbol: "BTC", Side: "buy",
		TakeProfits: []float64{46000},
		StopLoss:    43000,
	}, exchange.KindMock)
	h.engine.Track(ctx, buy)

	h.engine.evaluate(ctx, buy, 45000)
	if buy.State != StateActive {
		t.Fatalf("buy market signal state = %s, want active on first tick", buy.State)
	}
	if buy.ActualEntryPrice != 45000 {
		t.Errorf("buy actual entry = %v, want tick price 45000", buy.ActualEntryPrice)
	}

	sell := NewMonitoredSignal(&parser.Signal{
		ID: "sig-m2", Channel: "channel-a", MessageID: "msg-m2",
		Symbol: "ETH", Side: "sell",
		TakeProfits: []float64{2900},
		StopLoss:    3200,
	}, exchange.KindMock)
	h.engine.Track(ctx, sell)

	h.engine.evaluate(ctx, sell, 3000)
	if sell.State != StateActive {
		t.Fatalf("sell market signal state = %s, want active on first tick", sell.State)
	}
	if sell.ActualEntryPrice != 3000 {
		t.Errorf("sell actual entry = %v, want tick price 3000, never 0", sell.ActualEntryPrice)
	}

	// The recorded fill feeds the break-even move on TP1
	h.engine.evaluate(ctx, sell, 2890)
	if !sell.SLMovedToBreakeven {
		t.Error("TP1 on a market sell must still move the stop to entry")
	}
	if stop := sell.EffectiveStop(); stop != 3000 {
		t.Errorf("effective stop = %v, want entry 3000", stop)
	}
}

// TestCompleteCancelsOnSignalExchange verifies DCA cancels go to the
// signal's own venue, not the monitor's primary connector
func TestCompleteCancelsOnSignalExchange(t *testing.T) {
	ctx := context.Background()
	notifier := newCountingNotifier()
	manager := notification.NewManager(nil)
	manager.AddNotifier(notifier)
	bus := events.NewEventBus()
	gate := notification.NewGate(manager, store.NewDedupStore(nil, 0, nil), bus, nil)

	primary := exchange.NewMockConnector(10000)
	venue := exchange.NewMockConnector(10000)
	venue.SetPrice("BTC", 44500)

	dca, err := venue.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol: "BTC", Side: "buy", Size: 0.01, Price: 44500, OrderType: "limit",
	})
	if err != nil {
		t.Fatalf("placing DCA order: %v", err)
	}

	engine := NewEngine(Config{
		Strategy:   StrategyPrice,
		Connector:  primary,
		Connectors: map[exchange.Kind]exchange.Connector{exchange.KindMock: venue},
		Gate:       gate,
		Bus:        bus,
	})

	signal := testSignal()
	signal.DCAOrderIDs = []string{dca.ID}
	engine.Track(ctx, signal)

	engine.evaluate(ctx, signal, 45000) // entry
	engine.evaluate(ctx, signal, 43900) // stop

	if signal.State != StateCompleted {
		t.Fatalf("state = %s, want completed", signal.State)
	}
	if len(venue.CanceledOrders) != 1 {
		t.Errorf("venue cancels = %d, want 1", len(venue.CanceledOrders))
	}
	if len(primary.CanceledOrders) != 0 {
		t.Errorf("primary cancels = %d, want 0", len(primary.CanceledOrders))
	}
}

// TestManyFailingSignalsCountOneFailurePerTick verifies a tick with many
// failing lookups advances the rotation counter by one, not one per signal
func TestManyFailingSignalsCountOneFailurePerTick(t *testing.T) {
	ctx := context.Background()
	rotation := creds.NewRotationSet([]exchange.Credentials{
		{Label: "primary"}, {Label: "secondary"},
	}, 3)
	failing := &failingConnector{
		MockConnector: exchange.NewMockConnector(10000),
		err:           errors.New("binance API error 500: internal error"),
	}

	rebuilt := 0
	engine := NewEngine(Config{
		Strategy:  StrategyAPI,
		Connector: failing,
		Rotation:  rotation,
		Factory: func(c exchange.Credentials) (exchange.Connector, error) {
			rebuilt++
			return exchange.NewMockConnector(10000), nil
		},
	})
	for i, symbol := range []string{"BTC", "ETH", "SOL"} {
		engine.Track(ctx, NewMonitoredSignal(&parser.Signal{
			ID: "sig-" + symbol, Channel: "channel-a", MessageID: "msg-" + symbol,
			Symbol: symbol, Side: "buy",
			Entries: []float64{float64(1000 * (i + 1))},
		}, exchange.KindMock))
	}

	engine.tick(ctx)
	if rebuilt != 0 || rotation.Rotations() != 0 {
		t.Fatalf("one failing tick rotated (rebuilt=%d rotations=%d), threshold is 3 ticks", rebuilt, rotation.Rotations())
	}

	engine.tick(ctx)
	engine.tick(ctx)
	if rebuilt != 1 || rotation.Current().Label != "secondary" {
		t.Fatalf("three failing ticks must rotate once, rebuilt=%d active=%q", rebuilt, rotation.Current().Label)
	}
}

// symbolFailConnector fails position lookups for one symbol only
type symbolFailConnector struct {
	*exchange.MockConnector
	failSymbol string
	err        error
}

func (f *symbolFailConnector) Position(ctx context.Context, symbol string) (*exchange.Position, error) {
	if symbol == f.failSymbol {
		return nil, f.err
	}
	return f.MockConnector.Position(ctx, symbol)
}

// TestHealthyLookupKeepsCredential verifies a tick with any successful
// lookup never counts toward rotation
func TestHealthyLookupKeepsCredential(t *testing.T) {
	ctx := context.Background()
	rotation := creds.NewRotationSet([]exchange.Credentials{
		{Label: "primary"}, {Label: "secondary"},
	}, 3)
	connector := &symbolFailConnector{
		MockConnector: exchange.NewMockConnector(10000),
		failSymbol:    "BTC",
		err:           errors.New("binance API error 500: internal error"),
	}
	connector.SetPosition(&exchange.Position{Symbol: "ETH", Side: "buy", Size: 1, EntryPrice: 3000})

	engine := NewEngine(Config{
		Strategy:  StrategyAPI,
		Connector: connector,
		Rotation:  rotation,
		Factory: func(c exchange.Credentials) (exchange.Connector, error) {
			t.Fatal("connector must not rebuild while a lookup succeeds")
			return nil, nil
		},
	})
	engine.Track(ctx, testSignal())
	engine.Track(ctx, NewMonitoredSignal(&parser.Signal{
		ID: "sig-eth", Channel: "channel-a", MessageID: "msg-eth",
		Symbol: "ETH", Side: "buy",
		Entries: []float64{3000},
	}, exchange.KindMock))

	for i := 0; i < 5; i++ {
		engine.tick(ctx)
	}
	if rotation.Rotations() != 0 {
		t.Errorf("rotations = %d, want 0 while one symbol stays healthy", rotation.Rotations())
	}
}

// TestTrackMergesSubscriberTrades verifies re-tracking the same key folds
// new subscriber trades into the one monitored signal
func TestTrackMergesSubscriberTrades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(StrategyPrice)

	first := testSignal()
	first.Trades = []TradeRef{{Subscriber: "alice", OrderID: "o-1", Size: 0.01}}
	h.engine.Track(ctx, first)

	second := testSignal()
	second.Trades = []TradeRef{
		{Subscriber: "alice", OrderID: "o-1", Size: 0.01},
		{Subscriber: "bob", OrderID: "o-2", Size: 0.02},
	}
	h.engine.Track(ctx, second)

	if stats := h.engine.Stats(); stats.Total != 1 {
		t.Fatalf("monitored signals = %d, want 1", stats.Total)
	}
	if len(first.Trades) != 2 {
		t.Fatalf("trades = %v, want alice and bob on the grouped signal", first.Trades)
	}
}
