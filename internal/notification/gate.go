package notification

import (
	"context"
	"fmt"
	"strconv"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/store"
)

// Dedup key builders. The key identifies the event, not the message, so a
// restart or a repeated price crossing can never notify twice.

// TPKey identifies one take profit hit for one channel's signal
func TPKey(symbol, side string, index int, price float64, channel string) string {
	return fmt.Sprintf("%s_%s_TP%d_%s_%s", symbol, side, index, formatPrice(price), channel)
}

// SLKey identifies a stop loss hit for one channel's signal
func SLKey(symbol, side string, price float64, channel string) string {
	return fmt.Sprintf("%s_%s_SL_%s_%s", symbol, side, formatPrice(price), channel)
}

// ClosedKey identifies a position close for one channel's signal
func ClosedKey(symbol, side, channel string) string {
	return fmt.Sprintf("%s_%s_CLOSED_%s", symbol, side, channel)
}

// DCACancelKey identifies the DCA cleanup of one signal
func DCACancelKey(signalID string) string {
	return fmt.Sprintf("%s_DCA_CANCEL", signalID)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

// Gate sends alerts at most once per dedup key. Claims go through the
// dedup store first; only a successful claim reaches the providers.
type Gate struct {
	manager *Manager
	dedup   *store.DedupStore
	bus     *events.EventBus
	logger  *logging.Logger
}

// NewGate creates a notification gate.
func NewGate(manager *Manager, dedup *store.DedupStore, bus *events.EventBus, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{
		manager: manager,
		dedup:   dedup,
		bus:     bus,
		logger:  logger.WithComponent("gate"),
	}
}

// send claims the key and delivers on first claim. Delivery failure does
// not release the claim; an alert is either new or it is not.
func (g *Gate) send(ctx context.Context, key string, notification *Notification) (bool, error) {
	fresh, err := g.dedup.Claim(ctx, key)
	if err != nil {
		return false, fmt.Errorf("claiming dedup key %s: %w", key, err)
	}
	if !fresh {
		g.logger.Debug("Suppressed duplicate notification", "key", key)
		return false, nil
	}

	err = g.manager.Send(ctx, notification)
	if g.bus != nil {
		g.bus.Publish(events.Event{
			Type: events.EventNotificationSent,
			Data: map[string]interface{}{
				"key":     key,
				"type":    string(notification.Type),
				"symbol":  notification.Symbol,
				"channel": notification.Channel,
			},
		})
	}
	return true, err
}

// NotifyEntryFilled announces an entry fill. Entry transitions happen once
// per signal state machine, so no dedup key is needed.
func (g *Gate) NotifyEntryFilled(ctx context.Context, channel, symbol, side string, price, size float64) error {
	return g.manager.Send(ctx, &Notification{
		Type:    NotifyEntryFilled,
		Title:   fmt.Sprintf("📈 Entry Filled: %s", symbol),
		Message: fmt.Sprintf("%s %s @ %s\nSize: %s", side, symbol, formatPrice(price), formatPrice(size)),
		Channel: channel,
		Symbol:  symbol,
		Side:    side,
		Price:   price,
	})
}

// NotifyTakeProfit announces a TP hit, at most once per level
func (g *Gate) NotifyTakeProfit(ctx context.Context, channel, symbol, side string, index int, price, currentPrice float64) (bool, error) {
	key := TPKey(symbol, side, index, price, channel)
	return g.send(ctx, key, &Notification{
		Type:    NotifyTakeProfit,
		Title:   fmt.Sprintf("🎯 TP%d Hit: %s", index, symbol),
		Message: fmt.Sprintf("%s %s reached %s (target %s)", side, symbol, formatPrice(currentPrice), formatPrice(price)),
		Channel: channel,
		Symbol:  symbol,
		Side:    side,
		Price:   price,
	})
}

// NotifyStopLoss announces an SL hit, at most once
func (g *Gate) NotifyStopLoss(ctx context.Context, channel, symbol, side string, price, currentPrice float64) (bool, error) {
	key := SLKey(symbol, side, price, channel)
	return g.send(ctx, key, &Notification{
		Type:    NotifyStopLoss,
		Title:   fmt.Sprintf("🛑 Stop Loss Hit: %s", symbol),
		Message: fmt.Sprintf("%s %s stopped at %s (stop %s)", side, symbol, formatPrice(currentPrice), formatPrice(price)),
		Channel: channel,
		Symbol:  symbol,
		Side:    side,
		Price:   price,
	})
}

// NotifyBreakeven announces the SL move to entry after TP1
func (g *Gate) NotifyBreakeven(ctx context.Context, channel, symbol, side string, entry float64) error {
	return g.manager.Send(ctx, &Notification{
		Type:    NotifyBreakeven,
		Title:   fmt.Sprintf("🔒 Stop Moved to Break-Even: %s", symbol),
		Message: fmt.Sprintf("%s %s stop moved to entry %s after TP1", side, symbol, formatPrice(entry)),
		Channel: channel,
		Symbol:  symbol,
		Side:    side,
		Price:   entry,
	})
}

// NotifyClosed announces a position close, at most once
func (g *Gate) NotifyClosed(ctx context.Context, channel, symbol, side, reason string) (bool, error) {
	key := ClosedKey(symbol, side, channel)
	return g.send(ctx, key, &Notification{
		Type:    NotifySignalClosed,
		Title:   fmt.Sprintf("✅ Signal Closed: %s", symbol),
		Message: fmt.Sprintf("%s %s closed: %s", side, symbol, reason),
		Channel: channel,
		Symbol:  symbol,
		Side:    side,
	})
}

// NotifyDCACancelled announces DCA leg cleanup, at most once per signal
func (g *Gate) NotifyDCACancelled(ctx context.Context, signalID, channel, symbol, side string, cancelled int) (bool, error) {
	key := DCACancelKey(signalID)
	return g.send(ctx, key, &Notification{
		Type:    NotifyDCACancelled,
		Title:   fmt.Sprintf("🧹 DCA Orders Cancelled: %s", symbol),
		Message: fmt.Sprintf("Cancelled %d unfilled DCA orders for %s %s", cancelled, side, symbol),
		Channel: channel,
		Symbol:  symbol,
		Side:    side,
	})
}

// Preload marks keys already notified, used when restoring state
func (g *Gate) Preload(ctx context.Context, keys []string) {
	g.dedup.Preload(ctx, keys)
}
