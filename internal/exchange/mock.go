package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockConnector is an in-memory connector for dry runs and tests. Market
// orders fill immediately at the configured price; limit orders rest until
// canceled.
type MockConnector struct {
	mu sync.Mutex

	balance   float64
	prices    map[string]float64
	filters   map[string]*SymbolFilters
	positions map[string]*Position
	orders    map[string]*Order
	nextID    int

	// PlaceErr, when set, is returned by the next PlaceOrder call and
	// then cleared. FailCount makes the next N calls fail instead.
	PlaceErr  error
	FailCount int

	PlacedOrders   []*Order
	CanceledOrders []string
}

// NewMockConnector creates a mock with a starting balance.
func NewMockConnector(balance float64) *MockConnector {
	return &MockConnector{
		balance:   balance,
		prices:    make(map[string]float64),
		filters:   make(map[string]*SymbolFilters),
		positions: make(map[string]*Position),
		orders:    make(map[string]*Order),
	}
}

// Kind returns the exchange kind
func (c *MockConnector) Kind() Kind { return KindMock }

// SetPrice sets the market price for a symbol
func (c *MockConnector) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[strings.ToUpper(symbol)] = price
}

// SetBalance replaces the account balance
func (c *MockConnector) SetBalance(balance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = balance
}

// SetFilters overrides the symbol filters returned for a symbol
func (c *MockConnector) SetFilters(symbol string, filters *SymbolFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[strings.ToUpper(symbol)] = filters
}

// SetPosition installs an open position, as after an external fill
func (c *MockConnector) SetPosition(pos *Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[strings.ToUpper(pos.Symbol)] = pos
}

// RemovePosition clears a position, simulating an external close
func (c *MockConnector) RemovePosition(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, strings.ToUpper(symbol))
}

func (c *MockConnector) Connect(ctx context.Context) error             { return nil }
func (c *MockConnector) ValidateCredentials(ctx context.Context) error { return nil }

func (c *MockConnector) Balance(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

func (c *MockConnector) Positions(ctx context.Context) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	positions := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

func (c *MockConnector) Position(ctx context.Context, symbol string) (*Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", symbol, ErrPositionNotFound)
	}
	pos := *p
	return &pos, nil
}

func (c *MockConnector) Price(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("price %s: %w", symbol, ErrSymbolNotAvailable)
	}
	return price, nil
}

func (c *MockConnector) SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.filters[strings.ToUpper(symbol)]; ok {
		return f, nil
	}
	if _, ok := c.prices[strings.ToUpper(symbol)]; !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolNotAvailable)
	}
	return &SymbolFilters{Symbol: symbol, TickSize: 0.01, QtyStep: 0.001, MinNotional: 5}, nil
}

func (c *MockConnector) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PlaceErr != nil {
		err := c.PlaceErr
		if c.FailCount > 0 {
			c.FailCount--
		}
		if c.FailCount == 0 {
			c.PlaceErr = nil
		}
		return nil, err
	}

	c.nextID++
	order := &Order{
		ID:            strconv.Itoa(c.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		Price:         req.Price,
		Status:        "NEW",
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     time.Now().UTC(),
	}

	if req.OrderType != "limit" {
		fill := c.prices[strings.ToUpper(req.Symbol)]
		if fill == 0 {
			fill = req.Price
		}
		order.Status = "FILLED"
		order.FilledSize = req.Size
		order.AvgFillPrice = fill
		c.applyFill(req, fill)
	} else {
		c.orders[order.ID] = order
	}

	c.PlacedOrders = append(c.PlacedOrders, order)
	return order, nil
}

// applyFill updates the tracked position after a market fill
func (c *MockConnector) applyFill(req *OrderRequest, fill float64) {
	key := strings.ToUpper(req.Symbol)
	if req.ReduceOnly {
		if p, ok := c.positions[key]; ok {
			p.Size -= req.Size
			if p.Size <= 0 {
				delete(c.positions, key)
			}
		}
		return
	}
	if p, ok := c.positions[key]; ok && p.Side == req.Side {
		total := p.Size + req.Size
		p.EntryPrice = (p.EntryPrice*p.Size + fill*req.Size) / total
		p.Size = total
		return
	}
	c.positions[key] = &Position{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Size:       req.Size,
		EntryPrice: fill,
		Leverage:   req.Leverage,
	}
}

func (c *MockConnector) PlaceStopLoss(ctx context.Context, symbol, side string, size, triggerPrice float64) (*Order, error) {
	return c.PlaceOrder(ctx, &OrderRequest{
		Symbol:     symbol,
		Side:       OppositeSide(side),
		Size:       size,
		Price:      triggerPrice,
		OrderType:  "limit",
		ReduceOnly: true,
	})
}

func (c *MockConnector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[orderID]; !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	delete(c.orders, orderID)
	c.CanceledOrders = append(c.CanceledOrders, orderID)
	return nil
}

func (c *MockConnector) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := strings.ToUpper(symbol)
	var orders []Order
	for _, o := range c.orders {
		if strings.ToUpper(o.Symbol) == want {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}
