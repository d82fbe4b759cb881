package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"copytrade-engine/internal/creds"
	"copytrade-engine/internal/events"
	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/notification"
)

// Strategy selects how the engine observes the market
type Strategy string

const (
	// StrategyPrice infers fills and target hits from price crossings
	StrategyPrice Strategy = "price"
	// StrategyAPI reads real positions from the exchange account
	StrategyAPI Strategy = "api"
)

// DefaultInterval is the default monitoring tick
const DefaultInterval = 30 * time.Second

// PriceSource serves current prices, typically the websocket feed with the
// connector's REST price as fallback.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// ConnectorFactory rebuilds a connector after a credential rotation
type ConnectorFactory func(creds exchange.Credentials) (exchange.Connector, error)

// Config wires an Engine. Connector is the primary monitoring account;
// Connectors routes per-signal lookups to the signal's own exchange.
type Config struct {
	Strategy   Strategy
	Interval   time.Duration
	Connector  exchange.Connector
	Connectors map[exchange.Kind]exchange.Connector
	Factory    ConnectorFactory
	Rotation   *creds.RotationSet
	Prices     PriceSource
	Gate       *notification.Gate
	Tracker    *Tracker
	Bus        *events.EventBus
	Logger     *logging.Logger
}

// Engine watches monitored signals until they complete.
type Engine struct {
	mu      sync.RWMutex
	signals map[string]*MonitoredSignal

	strategy   Strategy
	interval   time.Duration
	connector  exchange.Connector
	connectors map[exchange.Kind]exchange.Connector
	factory    ConnectorFactory
	rotation   *creds.RotationSet
	failures   int
	prices     PriceSource
	gate       *notification.Gate
	tracker    *Tracker
	bus        *events.EventBus
	logger     *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a monitoring engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPrice
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Engine{
		signals:    make(map[string]*MonitoredSignal),
		strategy:   cfg.Strategy,
		interval:   cfg.Interval,
		connector:  cfg.Connector,
		connectors: cfg.Connectors,
		factory:    cfg.Factory,
		rotation:   cfg.Rotation,
		prices:     cfg.Prices,
		gate:       cfg.Gate,
		tracker:    cfg.Tracker,
		bus:        cfg.Bus,
		logger:     cfg.Logger.WithComponent("monitor"),
	}
}

// connectorFor routes a per-signal exchange call to the signal's own
// venue, falling back to the primary monitoring connector.
func (e *Engine) connectorFor(kind exchange.Kind) exchange.Connector {
	if c, ok := e.connectors[kind]; ok && c != nil {
		return c
	}
	return e.connector
}

// Track adds a signal to monitoring. Signals with the same key are
// grouped: re-tracking merges the new subscriber trade references into
// the existing signal instead of monitoring it twice.
func (e *Engine) Track(ctx context.Context, signal *MonitoredSignal) {
	key := signal.Key.String()

	e.mu.Lock()
	if existing, exists := e.signals[key]; exists {
		added := existing.AddTrades(signal.Trades)
		if added > 0 {
			existing.UpdatedAt = time.Now().UTC()
		}
		e.mu.Unlock()
		e.logger.Debug("Signal already monitored", "key", key, "new_trades", added)
		if added > 0 && e.tracker != nil {
			e.tracker.Persist(ctx, existing)
		}
		return
	}
	e.signals[key] = signal
	e.mu.Unlock()

	e.logger.Info("Monitoring signal",
		"channel", signal.Channel, "symbol", signal.Symbol, "side", signal.Side,
		"entries", len(signal.Entries), "tps", len(signal.TakeProfits), "trades", len(signal.Trades))
	if e.tracker != nil {
		e.tracker.Persist(ctx, signal)
	}
}

// Restore reloads persisted signals and replays their notification keys
// into the gate so nothing already announced fires again.
func (e *Engine) Restore(ctx context.Context) error {
	if e.tracker == nil {
		return nil
	}
	signals, err := e.tracker.Restore(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, signal := range signals {
		e.signals[signal.Key.String()] = signal
		if e.gate != nil {
			e.gate.Preload(ctx, signal.DedupKeys())
		}
	}
	e.mu.Unlock()
	return nil
}

// Start runs the monitoring loop until the context is cancelled.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.logger.Info("Monitoring started",
			"strategy", string(e.strategy), "interval", e.interval.String())
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("Monitoring stopped")
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Stats summarizes the monitored set
type Stats struct {
	Total        int `json:"total"`
	WaitingEntry int `json:"waiting_entry"`
	Active       int `json:"active"`
	Completed    int `json:"completed"`
}

// Stats returns lifecycle counts
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var stats Stats
	for _, signal := range e.signals {
		stats.Total++
		switch signal.State {
		case StateWaitingEntry:
			stats.WaitingEntry++
		case StateActive:
			stats.Active++
		case StateCompleted:
			stats.Completed++
		}
	}
	return stats
}

// Signals returns a snapshot of all monitored signals
func (e *Engine) Signals() []*MonitoredSignal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*MonitoredSignal, 0, len(e.signals))
	for _, signal := range e.signals {
		copied := *signal
		out = append(out, &copied)
	}
	return out
}

// Remove drops a signal from monitoring by its key string
func (e *Engine) Remove(ctx context.Context, key string) bool {
	e.mu.Lock()
	_, exists := e.signals[key]
	delete(e.signals, key)
	e.mu.Unlock()

	if exists && e.tracker != nil && e.tracker.repo != nil {
		if err := e.tracker.repo.Delete(ctx, key); err != nil {
			e.logger.Warn("Failed to delete persisted signal", "key", key, "error", err)
		}
	}
	return exists
}

// tick runs one evaluation pass over every live signal
func (e *Engine) tick(ctx context.Context) {
	live := e.liveSignals()
	if len(live) == 0 {
		return
	}

	switch e.strategy {
	case StrategyAPI:
		e.tickAPI(ctx, live)
	default:
		e.tickPrice(ctx, live)
	}
}

func (e *Engine) liveSignals() []*MonitoredSignal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var live []*MonitoredSignal
	for _, signal := range e.signals {
		if signal.State != StateCompleted {
			live = append(live, signal)
		}
	}
	return live
}

// tickPrice fetches each unique symbol's price once and evaluates every
// signal on it.
func (e *Engine) tickPrice(ctx context.Context, live []*MonitoredSignal) {
	bySymbol := make(map[string][]*MonitoredSignal)
	for _, signal := range live {
		bySymbol[signal.Symbol] = append(bySymbol[signal.Symbol], signal)
	}

	for symbol, group := range bySymbol {
		price, err := e.fetchPrice(ctx, symbol)
		if err != nil {
			e.logger.Warn("Price fetch failed", "symbol", symbol, "error", err)
			continue
		}
		if e.bus != nil {
			e.bus.PublishPriceUpdate(symbol, price)
		}
		for _, signal := range group {
			e.evaluate(ctx, signal, price)
		}
	}
}

// fetchPrice prefers the feed and falls back to the connector's REST price
func (e *Engine) fetchPrice(ctx context.Context, symbol string) (float64, error) {
	if e.prices != nil {
		if price, err := e.prices.Price(ctx, symbol); err == nil && price > 0 {
			return price, nil
		}
	}
	if e.connector == nil {
		return 0, errors.New("no price source configured")
	}
	return e.connector.Price(ctx, symbol)
}

// stepKind identifies one state transition taken during a tick
type stepKind int

const (
	stepEntryFilled stepKind = iota
	stepStopLoss
	stepTargetHit
	stepBreakeven
	stepCompleted
)

// step records a transition so its side effects can run after the
// engine lock is released
type step struct {
	kind   stepKind
	index  int     // 1-based TP index for stepTargetHit
	level  float64 // price level that fired
	reason string  // completion reason for stepCompleted
}

// evaluate advances one signal against the current price. State changes
// happen under the lock; cancels and notifications happen after it is
// released so slow network calls never stall snapshot readers.
func (e *Engine) evaluate(ctx context.Context, signal *MonitoredSignal, price float64) {
	e.mu.Lock()
	steps, dcaIDs := e.advance(signal, price)
	e.mu.Unlock()

	if len(steps) > 0 {
		e.announce(ctx, signal, steps, dcaIDs, price)
	}
}

// advance mutates the signal's state for one price observation and
// returns the transitions taken. Caller holds the lock.
func (e *Engine) advance(signal *MonitoredSignal, price float64) ([]step, []string) {
	var steps []step

	switch signal.State {
	case StateWaitingEntry:
		// No entry price means a market order, filled immediately at
		// the first observed price.
		market := len(signal.Entries) == 0
		if !market && !entryTouched(signal.Side, signal.FirstEntry, price) {
			return nil, nil
		}
		signal.State = StateActive
		if signal.ActualEntryPrice == 0 {
			signal.ActualEntryPrice = signal.FirstEntry
			if signal.ActualEntryPrice <= 0 {
				signal.ActualEntryPrice = price
			}
		}
		signal.UpdatedAt = time.Now().UTC()
		return []step{{kind: stepEntryFilled}}, nil

	case StateActive:
		// Stop loss takes precedence over take profits on the same tick
		stop := signal.EffectiveStop()
		if stop > 0 && stopTouched(signal.Side, stop, price) {
			steps = append(steps, step{kind: stepStopLoss, level: stop})
			return append(steps, e.completeLocked(signal, "stop loss hit")), e.dcaSnapshot(signal)
		}

		for i, tp := range signal.TakeProfits {
			index := i + 1
			if signal.TargetHit(index) || !targetTouched(signal.Side, tp, price) {
				continue
			}
			signal.TargetsHit = append(signal.TargetsHit, index)
			signal.UpdatedAt = time.Now().UTC()
			steps = append(steps, step{kind: stepTargetHit, index: index, level: tp})

			// First TP moves the stop to entry, exactly once
			if index == 1 && !signal.SLMovedToBreakeven && signal.ActualEntryPrice > 0 {
				signal.SLMovedToBreakeven = true
				steps = append(steps, step{kind: stepBreakeven, level: signal.ActualEntryPrice})
			}
		}

		if signal.AllTargetsHit() {
			return append(steps, e.completeLocked(signal, "all targets hit")), e.dcaSnapshot(signal)
		}
	}
	return steps, nil
}

// completeLocked flips the signal terminal. Caller holds the lock.
func (e *Engine) completeLocked(signal *MonitoredSignal, reason string) step {
	signal.State = StateCompleted
	signal.UpdatedAt = time.Now().UTC()
	return step{kind: stepCompleted, reason: reason}
}

func (e *Engine) dcaSnapshot(signal *MonitoredSignal) []string {
	return append([]string(nil), signal.DCAOrderIDs...)
}

// announce runs the side effects of the transitions taken in one tick:
// order cancels on the signal's exchange, event publication, gate
// notifications, persistence. Runs without the engine lock.
func (e *Engine) announce(ctx context.Context, signal *MonitoredSignal, steps []step, dcaIDs []string, price float64) {
	for _, s := range steps {
		switch s.kind {
		case stepEntryFilled:
			if e.bus != nil {
				e.bus.PublishEntryFilled(signal.Channel, signal.Symbol, signal.Side, signal.ActualEntryPrice, signal.PositionSize)
			}
			if e.gate != nil {
				_ = e.gate.NotifyEntryFilled(ctx, signal.Channel, signal.Symbol, signal.Side, signal.ActualEntryPrice, signal.PositionSize)
			}
			if e.tracker != nil {
				e.tracker.OnEntryFilled(ctx, signal, signal.ActualEntryPrice)
			}

		case stepStopLoss:
			if e.bus != nil {
				e.bus.PublishStopLossHit(signal.Channel, signal.Symbol, signal.Side, s.level, price)
			}
			if e.gate != nil {
				_, _ = e.gate.NotifyStopLoss(ctx, signal.Channel, signal.Symbol, signal.Side, s.level, price)
			}
			if e.tracker != nil {
				e.tracker.OnStopLoss(ctx, signal, price)
			}

		case stepTargetHit:
			if e.bus != nil {
				e.bus.PublishTakeProfitHit(signal.Channel, signal.Symbol, signal.Side, s.index, s.level, price)
			}
			if e.gate != nil {
				_, _ = e.gate.NotifyTakeProfit(ctx, signal.Channel, signal.Symbol, signal.Side, s.index, s.level, price)
			}
			if e.tracker != nil {
				e.tracker.OnTargetHit(ctx, signal, s.index, s.level)
			}

		case stepBreakeven:
			if e.bus != nil {
				e.bus.Publish(events.Event{
					Type: events.EventStopMovedBreakeven,
					Data: map[string]interface{}{
						"symbol":  signal.Symbol,
						"channel": signal.Channel,
						"stop":    s.level,
					},
				})
			}
			if e.gate != nil {
				_ = e.gate.NotifyBreakeven(ctx, signal.Channel, signal.Symbol, signal.Side, s.level)
			}
			if e.tracker != nil {
				e.tracker.OnBreakeven(ctx, signal)
			}

		case stepCompleted:
			e.finish(ctx, signal, s.reason, dcaIDs)
		}
	}
}

// finish cancels still-open DCA legs on the signal's exchange and
// announces the close
func (e *Engine) finish(ctx context.Context, signal *MonitoredSignal, reason string, dcaIDs []string) {
	cancelled := 0
	if connector := e.connectorFor(signal.Exchange); connector != nil {
		for _, orderID := range dcaIDs {
			if err := connector.CancelOrder(ctx, signal.Symbol, orderID); err != nil {
				e.logger.Warn("Failed to cancel DCA order",
					"symbol", signal.Symbol, "order_id", orderID, "error", err)
				continue
			}
			cancelled++
		}
	}
	if cancelled > 0 {
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type: events.EventDCACancelled,
				Data: map[string]interface{}{
					"signal_id": signal.SignalID,
					"symbol":    signal.Symbol,
					"cancelled": cancelled,
				},
			})
		}
		if e.gate != nil {
			_, _ = e.gate.NotifyDCACancelled(ctx, signal.SignalID, signal.Channel, signal.Symbol, signal.Side, cancelled)
		}
	}

	if e.bus != nil {
		e.bus.PublishSignalCompleted(signal.Channel, signal.Symbol, signal.Side, reason)
	}
	if e.tracker != nil {
		e.tracker.OnCompleted(ctx, signal, reason)
	}
}

// tickAPI evaluates signals against real exchange positions. Credential
// health is judged once per tick: any successful lookup on the primary
// monitoring connector counts the tick as healthy, and only a tick with
// no primary success at all counts one failure toward rotation.
func (e *Engine) tickAPI(ctx context.Context, live []*MonitoredSignal) {
	primaryHealthy := false
	primaryFailed := false
	var lastErr error

	for _, signal := range live {
		connector := e.connectorFor(signal.Exchange)
		if connector == nil {
			continue
		}
		isPrimary := connector == e.connector

		position, err := connector.Position(ctx, signal.Symbol)
		switch {
		case errors.Is(err, exchange.ErrPositionNotFound):
			if isPrimary {
				primaryHealthy = true
			}
			e.handleAbsentPosition(ctx, signal)
		case err != nil:
			if isPrimary {
				primaryFailed = true
				lastErr = err
			}
			e.logger.Warn("Position lookup failed",
				"symbol", signal.Symbol, "exchange", string(signal.Exchange), "error", err)
		default:
			if isPrimary {
				primaryHealthy = true
			}
			e.handlePosition(ctx, signal, position)
		}
	}

	if primaryHealthy {
		e.recordSuccess()
	} else if primaryFailed {
		e.recordFailure(lastErr)
	}
}

// handleAbsentPosition treats a missing position as closed when the signal
// was active
func (e *Engine) handleAbsentPosition(ctx context.Context, signal *MonitoredSignal) {
	e.mu.Lock()
	if signal.State != StateActive {
		e.mu.Unlock()
		return
	}
	finalStep := e.completeLocked(signal, "position closed")
	dcaIDs := e.dcaSnapshot(signal)
	e.mu.Unlock()

	if e.gate != nil {
		_, _ = e.gate.NotifyClosed(ctx, signal.Channel, signal.Symbol, signal.Side, "position closed on exchange")
	}
	e.announce(ctx, signal, []step{finalStep}, dcaIDs, 0)
}

// handlePosition updates the signal from a live position and evaluates
// targets on its implied price
func (e *Engine) handlePosition(ctx context.Context, signal *MonitoredSignal, position *exchange.Position) {
	e.mu.Lock()
	adopted := false
	if signal.State == StateWaitingEntry || signal.ActualEntryPrice == 0 {
		signal.ActualEntryPrice = position.EntryPrice
		signal.PositionSize = position.Size
		signal.State = StateActive
		signal.UpdatedAt = time.Now().UTC()
		adopted = true
	}
	e.mu.Unlock()

	if adopted {
		e.announce(ctx, signal, []step{{kind: stepEntryFilled}}, nil, position.EntryPrice)
	}

	price := impliedPrice(signal.Side, position)
	if price > 0 {
		e.evaluate(ctx, signal, price)
	}
}

// impliedPrice approximates the mark from entry and unrealized pnl when
// the position payload lacks a mark price
func impliedPrice(side string, position *exchange.Position) float64 {
	if position.MarkPrice > 0 {
		return position.MarkPrice
	}
	if position.Size <= 0 || position.EntryPrice <= 0 {
		return 0
	}
	delta := position.UnrealizedPnL / position.Size
	if side == "sell" {
		return position.EntryPrice - delta
	}
	return position.EntryPrice + delta
}

// recordFailure counts a consecutive failing tick; the rotation set
// decides when the threshold is crossed
func (e *Engine) recordFailure(err error) {
	e.failures++
	e.logger.Warn("Monitoring tick failed", "failures", e.failures, "error", err)

	if e.rotation == nil || e.factory == nil {
		return
	}

	from := e.rotation.Current().Label
	next, rotated := e.rotation.RecordFailure()
	if !rotated {
		return
	}
	e.failures = 0

	connector, buildErr := e.factory(next)
	if buildErr != nil {
		e.logger.Error("Failed to rebuild connector after rotation", "error", buildErr)
		return
	}
	e.connector = connector
	if e.connectors != nil {
		e.connectors[connector.Kind()] = connector
	}
	e.logger.Info("Rotated credentials", "from", from, "to", next.Label)
	if e.bus != nil {
		e.bus.PublishCredentialRotated(string(e.connector.Kind()), from, next.Label, creds.DefaultMaxFailures)
	}
}

func (e *Engine) recordSuccess() {
	e.failures = 0
	if e.rotation != nil {
		e.rotation.RecordSuccess()
	}
}

// entryTouched reports whether the price reached the entry level
func entryTouched(side string, entry, price float64) bool {
	if side == "sell" {
		return price >= entry
	}
	return price <= entry
}

// stopTouched reports whether the price crossed the stop
func stopTouched(side string, stop, price float64) bool {
	if side == "sell" {
		return price >= stop
	}
	return price <= stop
}

// targetTouched reports whether the price reached a TP level
func targetTouched(side string, target, price float64) bool {
	if side == "sell" {
		return price <= target
	}
	return price >= target
}
