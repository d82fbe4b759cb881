package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalParsed       EventType = "SIGNAL_PARSED"
	EventParseFailed        EventType = "PARSE_FAILED"
	EventOrderPlaced        EventType = "ORDER_PLACED"
	EventExecutionFailed    EventType = "EXECUTION_FAILED"
	EventEntryFilled        EventType = "ENTRY_FILLED"
	EventTakeProfitHit      EventType = "TAKE_PROFIT_HIT"
	EventStopLossHit        EventType = "STOP_LOSS_HIT"
	EventStopMovedBreakeven EventType = "STOP_MOVED_BREAKEVEN"
	EventSignalCompleted    EventType = "SIGNAL_COMPLETED"
	EventDCACancelled       EventType = "DCA_CANCELLED"
	EventCredentialRotated  EventType = "CREDENTIAL_ROTATED"
	EventSlippageWarning    EventType = "SLIPPAGE_WARNING"
	EventNotificationSent   EventType = "NOTIFICATION_SENT"
	EventPriceUpdate        EventType = "PRICE_UPDATE"
	EventEngineStarted      EventType = "ENGINE_STARTED"
	EventEngineStopped      EventType = "ENGINE_STOPPED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignalParsed publishes a signal parsed event
func (eb *EventBus) PublishSignalParsed(channel, symbol, side string, entries, takeProfits []float64, stopLoss float64) {
	eb.Publish(Event{
		Type: EventSignalParsed,
		Data: map[string]interface{}{
			"channel":      channel,
			"symbol":       symbol,
			"side":         side,
			"entries":      entries,
			"take_profits": takeProfits,
			"stop_loss":    stopLoss,
		},
	})
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(exchange, orderID, symbol, orderType, side string, price, quantity float64) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"exchange":   exchange,
			"order_id":   orderID,
			"symbol":     symbol,
			"order_type": orderType,
			"side":       side,
			"price":      price,
			"quantity":   quantity,
		},
	})
}

// PublishEntryFilled publishes an entry fill event
func (eb *EventBus) PublishEntryFilled(channel, symbol, side string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type: EventEntryFilled,
		Data: map[string]interface{}{
			"channel":     channel,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTakeProfitHit publishes a take profit hit event
func (eb *EventBus) PublishTakeProfitHit(channel, symbol, side string, index int, price, currentPrice float64) {
	eb.Publish(Event{
		Type: EventTakeProfitHit,
		Data: map[string]interface{}{
			"channel":       channel,
			"symbol":        symbol,
			"side":          side,
			"tp_index":      index,
			"tp_price":      price,
			"current_price": currentPrice,
		},
	})
}

// PublishStopLossHit publishes a stop loss hit event
func (eb *EventBus) PublishStopLossHit(channel, symbol, side string, stopPrice, currentPrice float64) {
	eb.Publish(Event{
		Type: EventStopLossHit,
		Data: map[string]interface{}{
			"channel":       channel,
			"symbol":        symbol,
			"side":          side,
			"stop_price":    stopPrice,
			"current_price": currentPrice,
		},
	})
}

// PublishSignalCompleted publishes a signal completed event
func (eb *EventBus) PublishSignalCompleted(channel, symbol, side, reason string) {
	eb.Publish(Event{
		Type: EventSignalCompleted,
		Data: map[string]interface{}{
			"channel": channel,
			"symbol":  symbol,
			"side":    side,
			"reason":  reason,
		},
	})
}

// PublishCredentialRotated publishes a credential rotation event
func (eb *EventBus) PublishCredentialRotated(exchange, fromLabel, toLabel string, failures int) {
	eb.Publish(Event{
		Type: EventCredentialRotated,
		Data: map[string]interface{}{
			"exchange": exchange,
			"from":     fromLabel,
			"to":       toLabel,
			"failures": failures,
		},
	})
}

// PublishPriceUpdate publishes a price update event
func (eb *EventBus) PublishPriceUpdate(symbol string, price float64) {
	eb.Publish(Event{
		Type: EventPriceUpdate,
		Data: map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
