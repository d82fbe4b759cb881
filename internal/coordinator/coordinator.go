// Package coordinator turns a sized signal into exchange orders: entry,
// DCA legs, stop loss, and split take profits.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/parser"
	"copytrade-engine/internal/ratelimit"
	"copytrade-engine/internal/risk"
	"copytrade-engine/internal/tick"
)

const (
	// minNotionalBuffer scales orders slightly above the exchange minimum
	// so rounding never pushes them back under it
	minNotionalBuffer = 1.01

	// maxSlippagePercent is the adverse fill tolerance before a warning
	maxSlippagePercent = 0.5

	// tickRetryAttempts bounds the candidate tick probing on rejection
	tickRetryAttempts = 8
)

// ExecutionResult reports what was placed for one signal.
type ExecutionResult struct {
	Signal      *parser.Signal    `json:"signal"`
	Exchange    exchange.Kind     `json:"exchange"`
	Orders      []*exchange.Order `json:"orders"`
	EntryOrder  *exchange.Order   `json:"entry_order"`
	DCAOrders   []*exchange.Order `json:"dca_orders"`
	StopOrder   *exchange.Order   `json:"stop_order"`
	TPOrders    []*exchange.Order `json:"tp_orders"`
	ActualEntry float64           `json:"actual_entry"`
	Size        float64           `json:"size"`
	Margin      float64           `json:"margin"`
	Leverage    int               `json:"leverage"`
}

// Coordinator executes parsed signals against one exchange account.
type Coordinator struct {
	connector exchange.Connector
	riskEng   *risk.Engine
	ticks     *tick.Resolver
	retry     *ratelimit.RetryPolicy
	bus       *events.EventBus
	logger    *logging.Logger
}

// New creates a coordinator.
func New(connector exchange.Connector, riskEng *risk.Engine, ticks *tick.Resolver, retry *ratelimit.RetryPolicy, bus *events.EventBus, logger *logging.Logger) *Coordinator {
	if retry == nil {
		retry = exchange.RetryPolicyFor(nil)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		connector: connector,
		riskEng:   riskEng,
		ticks:     ticks,
		retry:     retry,
		bus:       bus,
		logger:    logger.WithComponent("coordinator"),
	}
}

// Execute places all orders for a signal and returns what was placed.
// A failure before the entry order leaves nothing on the exchange; a
// failure after it returns the partial result alongside the error.
func (c *Coordinator) Execute(ctx context.Context, signal *parser.Signal) (*ExecutionResult, error) {
	log := c.logger.WithField("symbol", signal.Symbol).WithField("side", signal.Side)

	balance, err := c.connector.Balance(ctx)
	if err != nil {
		c.publishFailure(signal, err)
		return nil, fmt.Errorf("fetching balance: %w", err)
	}
	if balance <= 0 {
		err := fmt.Errorf("account balance %.2f: %w", balance, exchange.ErrInsufficientBalance)
		c.publishFailure(signal, err)
		return nil, err
	}

	filters, err := c.validateSymbol(ctx, signal.Symbol)
	if err != nil {
		c.publishFailure(signal, err)
		return nil, err
	}

	// A signal with no entry price is a market order. Size it at the
	// live price since risk sizing needs a positive entry.
	sizingSignal := signal
	if signal.FirstEntry() <= 0 {
		mark, err := c.connector.Price(ctx, signal.Symbol)
		if err != nil {
			c.publishFailure(signal, err)
			return nil, fmt.Errorf("fetching market price for %s: %w", signal.Symbol, err)
		}
		clone := *signal
		clone.Entries = []float64{mark}
		sizingSignal = &clone
		log.Info("No entry price, sizing at market", "price", mark)
	}

	sized, err := c.riskEng.Size(sizingSignal, balance)
	if err != nil {
		c.publishFailure(signal, err)
		return nil, err
	}

	size, err := c.applyMinimums(sized, filters, balance)
	if err != nil {
		c.publishFailure(signal, err)
		return nil, err
	}
	size = snapSize(size, filters.QtyStep)

	result := &ExecutionResult{
		Signal:   signal,
		Exchange: c.connector.Kind(),
		Size:     size,
		Margin:   sized.Margin,
		Leverage: sized.Leverage,
	}

	entry, err := c.placeEntry(ctx, signal, size, sized.Leverage)
	if err != nil {
		c.publishFailure(signal, err)
		return nil, err
	}
	result.EntryOrder = entry
	result.Orders = append(result.Orders, entry)
	result.ActualEntry = entry.AvgFillPrice
	if result.ActualEntry == 0 {
		result.ActualEntry = sizingSignal.FirstEntry()
	}
	c.checkSlippage(signal, entry)
	c.publishOrder(signal, entry, "entry")

	for i, dcaPrice := range dcaEntries(signal.Entries) {
		order, err := c.placeLimit(ctx, signal, size, sized.Leverage, dcaPrice, false)
		if err != nil {
			log.Error("Failed to place DCA leg", "leg", i+2, "price", dcaPrice, "error", err)
			c.publishFailure(signal, err)
			return result, fmt.Errorf("placing DCA leg %d: %w", i+2, err)
		}
		result.DCAOrders = append(result.DCAOrders, order)
		result.Orders = append(result.Orders, order)
		c.publishOrder(signal, order, "dca")
	}

	if signal.StopLoss > 0 {
		stop, err := c.placeStop(ctx, signal, size)
		if err != nil {
			log.Error("Failed to place stop loss", "price", signal.StopLoss, "error", err)
			c.publishFailure(signal, err)
			return result, fmt.Errorf("placing stop loss: %w", err)
		}
		result.StopOrder = stop
		result.Orders = append(result.Orders, stop)
		c.publishOrder(signal, stop, "stop_loss")
	}

	tpOrders, err := c.placeTakeProfits(ctx, signal, size, filters)
	if err != nil {
		c.publishFailure(signal, err)
		return result, err
	}
	result.TPOrders = tpOrders
	for _, order := range tpOrders {
		result.Orders = append(result.Orders, order)
		c.publishOrder(signal, order, "take_profit")
	}

	log.Info("Signal executed",
		"size", size, "leverage", sized.Leverage,
		"entries", len(signal.Entries), "tps", len(signal.TakeProfits))
	return result, nil
}

// validateSymbol confirms the symbol trades on this exchange. Unknown
// symbols get similar known names appended to the error to make the
// rejection actionable.
func (c *Coordinator) validateSymbol(ctx context.Context, symbol string) (*exchange.SymbolFilters, error) {
	filters, err := c.connector.SymbolFilters(ctx, symbol)
	if err == nil {
		return filters, nil
	}
	if !errors.Is(err, exchange.ErrSymbolNotAvailable) {
		return nil, err
	}

	suggestions := suggestSymbols(symbol, tick.KnownSymbols())
	if len(suggestions) > 0 {
		return nil, fmt.Errorf("%w: did you mean %s", err, strings.Join(suggestions, ", "))
	}
	return nil, err
}

// suggestSymbols returns known symbols sharing a prefix with the input
func suggestSymbols(symbol string, known []string) []string {
	upper := strings.ToUpper(symbol)
	var out []string
	for _, k := range known {
		if strings.HasPrefix(k, upper[:min(len(upper), 2)]) && k != upper {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// applyMinimums scales a below-minimum order up to the exchange floor when
// the balance allows it.
func (c *Coordinator) applyMinimums(sized *risk.SizedOrder, filters *exchange.SymbolFilters, balance float64) (float64, error) {
	size := sized.Size
	minNotional := filters.MinNotional
	if minNotional <= 0 {
		return size, nil
	}

	notional := size * sized.EntryPrice
	if notional >= minNotional {
		return size, nil
	}

	scaled := minNotional * minNotionalBuffer / sized.EntryPrice
	scaledMargin := scaled * sized.EntryPrice / float64(sized.Leverage)
	if scaledMargin > balance {
		return 0, fmt.Errorf("order value %.2f below exchange minimum %.2f and balance cannot cover the scale-up: %w",
			notional, minNotional, exchange.ErrBelowMinimumOrder)
	}

	c.logger.Info("Scaled order up to exchange minimum",
		"symbol", sized.Symbol, "size", size, "scaled", scaled)
	return scaled, nil
}

// placeEntry places the first entry as a market order, snapping any limit
// price to the symbol's tick.
func (c *Coordinator) placeEntry(ctx context.Context, signal *parser.Signal, size float64, leverage int) (*exchange.Order, error) {
	req := &exchange.OrderRequest{
		Symbol:        signal.Symbol,
		Side:          signal.Side,
		Size:          size,
		OrderType:     "market",
		Leverage:      leverage,
		ClientOrderID: clientOrderID(signal.ID, "entry"),
	}
	return c.placeWithTickFallback(ctx, req, 0)
}

// placeLimit places a resting limit order at price
func (c *Coordinator) placeLimit(ctx context.Context, signal *parser.Signal, size float64, leverage int, price float64, reduceOnly bool) (*exchange.Order, error) {
	side := signal.Side
	if reduceOnly {
		side = exchange.OppositeSide(signal.Side)
	}
	req := &exchange.OrderRequest{
		Symbol:        signal.Symbol,
		Side:          side,
		Size:          size,
		Price:         price,
		OrderType:     "limit",
		Leverage:      leverage,
		ReduceOnly:    reduceOnly,
		ClientOrderID: clientOrderID(signal.ID, fmt.Sprintf("%.0f", price)),
	}
	return c.placeWithTickFallback(ctx, req, price)
}

func (c *Coordinator) placeStop(ctx context.Context, signal *parser.Signal, size float64) (*exchange.Order, error) {
	price := c.snapPrice(ctx, signal.Symbol, signal.StopLoss, exchange.OppositeSide(signal.Side))
	var order *exchange.Order
	err := c.retry.Do(ctx, func() error {
		var placeErr error
		order, placeErr = c.connector.PlaceStopLoss(ctx, signal.Symbol, signal.Side, size, price)
		return placeErr
	})
	return order, err
}

// placeTakeProfits splits the position across the TP levels. Each leg gets
// qty/n floored to the quantity step; the last leg absorbs the remainder so
// the legs always sum to the full position.
func (c *Coordinator) placeTakeProfits(ctx context.Context, signal *parser.Signal, size float64, filters *exchange.SymbolFilters) ([]*exchange.Order, error) {
	n := len(signal.TakeProfits)
	if n == 0 {
		return nil, nil
	}

	perLeg := snapSize(size/float64(n), filters.QtyStep)
	lastLeg := size - perLeg*float64(n-1)

	var orders []*exchange.Order
	for i, tp := range signal.TakeProfits {
		legSize := perLeg
		if i == n-1 {
			legSize = lastLeg
		}
		if legSize <= 0 {
			continue
		}
		order, err := c.placeLimit(ctx, signal, legSize, 0, tp, true)
		if err != nil {
			return orders, fmt.Errorf("placing TP%d: %w", i+1, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// placeWithTickFallback places an order, and on tick rejection walks the
// candidate tick sizes re-snapping the price. A tick that works is
// remembered for next time.
func (c *Coordinator) placeWithTickFallback(ctx context.Context, req *exchange.OrderRequest, price float64) (*exchange.Order, error) {
	if price > 0 {
		req.Price = c.snapPrice(ctx, req.Symbol, price, req.Side)
	}

	var order *exchange.Order
	err := c.retry.Do(ctx, func() error {
		var placeErr error
		order, placeErr = c.connector.PlaceOrder(ctx, req)
		return placeErr
	})
	if err == nil || price == 0 || !exchange.IsTickRejection(err) {
		return order, err
	}

	pxDecimals := 0
	if filters, ferr := c.connector.SymbolFilters(ctx, req.Symbol); ferr == nil {
		pxDecimals = filters.PxDecimals
	}

	candidates := c.ticks.Candidates(req.Symbol, price, pxDecimals)
	attempts := 0
	for _, candidate := range candidates {
		if attempts >= tickRetryAttempts {
			break
		}
		attempts++

		req.Price = tick.Snap(price, candidate, req.Side)
		order, err = c.connector.PlaceOrder(ctx, req)
		if err == nil {
			c.ticks.Remember(ctx, req.Symbol, candidate)
			c.logger.Info("Discovered tick size", "symbol", req.Symbol, "tick", candidate)
			return order, nil
		}
		if !exchange.IsTickRejection(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no tick size accepted for %s: %w", req.Symbol, err)
}

// snapPrice aligns a price to the symbol's resolved tick
func (c *Coordinator) snapPrice(ctx context.Context, symbol string, price float64, side string) float64 {
	size := c.ticks.Resolve(symbol, price)
	if size <= 0 {
		return price
	}
	return tick.Snap(price, size, side)
}

// checkSlippage compares the quoted entry with the actual fill and warns
// past the tolerance
func (c *Coordinator) checkSlippage(signal *parser.Signal, order *exchange.Order) {
	quoted := signal.FirstEntry()
	if quoted <= 0 || order.AvgFillPrice <= 0 {
		return
	}

	slippage := (order.AvgFillPrice - quoted) / quoted * 100
	if signal.Side == "sell" {
		slippage = -slippage
	}
	if slippage <= maxSlippagePercent {
		return
	}

	c.logger.Warn("Entry slippage above tolerance",
		"symbol", signal.Symbol, "quoted", quoted, "filled", order.AvgFillPrice, "slippage_pct", slippage)
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type: events.EventSlippageWarning,
			Data: map[string]interface{}{
				"symbol":       signal.Symbol,
				"quoted":       quoted,
				"filled":       order.AvgFillPrice,
				"slippage_pct": slippage,
			},
		})
	}
}

func (c *Coordinator) publishOrder(signal *parser.Signal, order *exchange.Order, purpose string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishOrderPlaced(string(c.connector.Kind()), order.ID, signal.Symbol, purpose, order.Side, order.Price, order.Size)
}

func (c *Coordinator) publishFailure(signal *parser.Signal, err error) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type: events.EventExecutionFailed,
		Data: map[string]interface{}{
			"symbol":  signal.Symbol,
			"side":    signal.Side,
			"channel": signal.Channel,
			"error":   err.Error(),
		},
	})
}

// dcaEntries returns the entry prices after the first, empty for market
// signals with no entries at all
func dcaEntries(entries []float64) []float64 {
	if len(entries) < 2 {
		return nil
	}
	return entries[1:]
}

// snapSize floors a quantity to the exchange step
func snapSize(size, step float64) float64 {
	if step <= 0 {
		return size
	}
	return math.Floor(size/step) * step
}

func clientOrderID(signalID, suffix string) string {
	if signalID == "" {
		signalID = uuid.New().String()
	}
	id := signalID
	if len(id) > 20 {
		id = id[:20]
	}
	return "ct-" + id + "-" + suffix
}
