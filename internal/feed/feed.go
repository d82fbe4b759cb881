// Package feed streams live prices over the Hyperliquid allMids websocket
// so the monitor avoids REST polling for every symbol.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"copytrade-engine/internal/logging"
)

const (
	// HyperliquidWSURL is the production websocket endpoint
	HyperliquidWSURL = "wss://api.hyperliquid.xyz/ws"
	// HyperliquidWSTestnetURL is the testnet websocket endpoint
	HyperliquidWSTestnetURL = "wss://api.hyperliquid-testnet.xyz/ws"

	// reconnectBase is the initial reconnect delay, doubled per failure
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second

	// DefaultStaleAfter bounds how old a cached price may be before the
	// feed refuses to serve it
	DefaultStaleAfter = 30 * time.Second
)

type pricePoint struct {
	price float64
	at    time.Time
}

// PriceFeed maintains a live mid-price cache from the websocket stream.
type PriceFeed struct {
	mu     sync.RWMutex
	prices map[string]pricePoint

	url        string
	staleAfter time.Duration
	logger     *logging.Logger

	cancel     context.CancelFunc
	done       chan struct{}
	reconnects int
}

// NewPriceFeed creates a feed over the Hyperliquid mids stream.
func NewPriceFeed(testnet bool, staleAfter time.Duration, logger *logging.Logger) *PriceFeed {
	url := HyperliquidWSURL
	if testnet {
		url = HyperliquidWSTestnetURL
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PriceFeed{
		prices:     make(map[string]pricePoint),
		url:        url,
		staleAfter: staleAfter,
		logger:     logger.WithComponent("feed"),
	}
}

// Start runs the subscribe/read loop with reconnection until the context
// is cancelled.
func (f *PriceFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		for {
			if ctx.Err() != nil {
				return
			}

			err := f.run(ctx)
			if ctx.Err() != nil {
				return
			}

			delay := reconnectBase << uint(f.reconnects)
			if delay > reconnectMax {
				delay = reconnectMax
			}
			f.reconnects++
			f.logger.Warn("Feed disconnected, reconnecting",
				"delay", delay.String(), "attempt", f.reconnects, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
}

// Stop closes the feed and waits for the loop to exit
func (f *PriceFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

// run dials, subscribes to allMids, and reads messages until an error
func (f *PriceFeed) run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", f.url, err)
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"method":       "subscribe",
		"subscription": map[string]string{"type": "allMids"},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	f.logger.Info("Feed connected", "url", f.url)
	f.reconnects = 0

	// Close the connection when the context ends so ReadMessage unblocks
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(message)
	}
}

// handleMessage parses one stream frame and updates the price cache
func (f *PriceFeed) handleMessage(message []byte) {
	var frame struct {
		Channel string `json:"channel"`
		Data    struct {
			Mids map[string]string `json:"mids"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		f.logger.Debug("Skipping unparseable frame", "error", err)
		return
	}
	if frame.Channel != "allMids" || len(frame.Data.Mids) == 0 {
		return
	}

	now := time.Now()
	f.mu.Lock()
	for symbol, raw := range frame.Data.Mids {
		var price float64
		if _, err := fmt.Sscanf(raw, "%f", &price); err != nil || price <= 0 {
			continue
		}
		f.prices[symbol] = pricePoint{price: price, at: now}
	}
	f.mu.Unlock()
}

// Price returns the cached mid for a symbol, refusing stale entries
func (f *PriceFeed) Price(_ context.Context, symbol string) (float64, error) {
	f.mu.RLock()
	point, ok := f.prices[symbol]
	f.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	if time.Since(point.at) > f.staleAfter {
		return 0, fmt.Errorf("price for %s is stale", symbol)
	}
	return point.price, nil
}

// Symbols returns every symbol with a live cached price
func (f *PriceFeed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.prices))
	for symbol := range f.prices {
		out = append(out, symbol)
	}
	return out
}
