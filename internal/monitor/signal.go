// Package monitor tracks executed signals until their targets resolve,
// grouping identical signals across channels and notifying each outcome at
// most once.
package monitor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/notification"
	"copytrade-engine/internal/parser"
)

// State is the lifecycle stage of a monitored signal
type State string

const (
	StateWaitingEntry State = "waiting_entry"
	StateActive       State = "active"
	StateCompleted    State = "completed"
)

// Key identifies a signal. Two messages with the same channel, symbol,
// first entry and message id are the same signal regardless of how many
// followers executed it.
type Key struct {
	Channel    string  `json:"channel"`
	Symbol     string  `json:"symbol"`
	FirstEntry float64 `json:"first_entry"`
	MessageID  string  `json:"message_id"`
}

// String renders the key for storage and map lookup
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		k.Channel, k.Symbol, strconv.FormatFloat(k.FirstEntry, 'f', -1, 64), k.MessageID)
}

// TradeRef links one subscriber's executed trade to the signal. Many
// subscribers' trades hang off a single monitored signal; the monitor
// polls the symbol once for all of them.
type TradeRef struct {
	Subscriber string  `json:"subscriber"`
	OrderID    string  `json:"order_id"`
	Size       float64 `json:"size"`
}

// MonitoredSignal is one tracked signal with its live state.
type MonitoredSignal struct {
	Key
	SignalID    string        `json:"signal_id"`
	Exchange    exchange.Kind `json:"exchange"`
	Side        string        `json:"side"`
	Entries     []float64     `json:"entries"`
	TakeProfits []float64     `json:"take_profits"`
	StopLoss    float64       `json:"stop_loss"`
	Leverage    int           `json:"leverage"`

	State              State      `json:"state"`
	Trades             []TradeRef `json:"trades,omitempty"`
	TargetsHit         []int      `json:"targets_hit"` // 1-based TP indexes
	SLMovedToBreakeven bool       `json:"sl_moved_to_breakeven"`
	ActualEntryPrice   float64    `json:"actual_entry_price"`
	PositionSize       float64    `json:"position_size"`
	DCAOrderIDs        []string   `json:"dca_order_ids"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewMonitoredSignal builds a monitored signal from a parsed signal.
func NewMonitoredSignal(signal *parser.Signal, kind exchange.Kind) *MonitoredSignal {
	now := time.Now().UTC()
	return &MonitoredSignal{
		Key: Key{
			Channel:    signal.Channel,
			Symbol:     signal.Symbol,
			FirstEntry: signal.FirstEntry(),
			MessageID:  signal.MessageID,
		},
		SignalID:    signal.ID,
		Exchange:    kind,
		Side:        signal.Side,
		Entries:     signal.Entries,
		TakeProfits: signal.TakeProfits,
		StopLoss:    signal.StopLoss,
		Leverage:    signal.Leverage,
		State:       StateWaitingEntry,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AddTrades appends subscriber trade references not already present,
// keyed by subscriber and order id. It returns how many were new.
func (s *MonitoredSignal) AddTrades(trades []TradeRef) int {
	added := 0
	for _, trade := range trades {
		if s.hasTrade(trade) {
			continue
		}
		s.Trades = append(s.Trades, trade)
		added++
	}
	return added
}

func (s *MonitoredSignal) hasTrade(trade TradeRef) bool {
	for _, existing := range s.Trades {
		if existing.Subscriber == trade.Subscriber && existing.OrderID == trade.OrderID {
			return true
		}
	}
	return false
}

// TargetHit reports whether the 1-based TP index already fired
func (s *MonitoredSignal) TargetHit(index int) bool {
	for _, hit := range s.TargetsHit {
		if hit == index {
			return true
		}
	}
	return false
}

// AllTargetsHit reports whether every TP level fired
func (s *MonitoredSignal) AllTargetsHit() bool {
	return len(s.TakeProfits) > 0 && len(s.TargetsHit) == len(s.TakeProfits)
}

// EffectiveStop returns the stop level, accounting for the break-even move
func (s *MonitoredSignal) EffectiveStop() float64 {
	if s.SLMovedToBreakeven && s.ActualEntryPrice > 0 {
		return s.ActualEntryPrice
	}
	return s.StopLoss
}

// DedupKeys returns the notification keys for everything that already
// happened to this signal, replayed into the gate on restore.
func (s *MonitoredSignal) DedupKeys() []string {
	var keys []string
	for _, index := range s.TargetsHit {
		if index >= 1 && index <= len(s.TakeProfits) {
			keys = append(keys, notification.TPKey(s.Symbol, s.Side, index, s.TakeProfits[index-1], s.Channel))
		}
	}
	if s.State == StateCompleted {
		keys = append(keys,
			notification.SLKey(s.Symbol, s.Side, s.StopLoss, s.Channel),
			notification.ClosedKey(s.Symbol, s.Side, s.Channel),
			notification.DCACancelKey(s.SignalID),
		)
	}
	return keys
}

// Marshal serializes the signal for persistence
func (s *MonitoredSignal) Marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

// UnmarshalSignal restores a persisted signal
func UnmarshalSignal(payload json.RawMessage) (*MonitoredSignal, error) {
	var s MonitoredSignal
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decoding monitored signal: %w", err)
	}
	return &s, nil
}
