package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/ratelimit"
)

const (
	// BinanceFuturesURL is the production Binance USDT-M futures API
	BinanceFuturesURL = "https://fapi.binance.com"
	// BinanceFuturesTestnetURL is the futures testnet
	BinanceFuturesTestnetURL = "https://testnet.binancefuture.com"

	binanceMaxRetries     = 3
	binanceBaseRetryDelay = 500 * time.Millisecond
	binanceMaxRetryDelay  = 5 * time.Second
	binanceRecvWindow     = "10000"
)

// BinanceConnector trades USDT-margined perpetuals on Binance futures.
type BinanceConnector struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	weights    *ratelimit.WeightTracker
	logger     *logging.Logger

	filtersMu sync.Mutex
	filters   map[string]*SymbolFilters
}

// NewBinanceConnector creates a Binance futures connector.
func NewBinanceConnector(creds Credentials, testnet bool, limiter *ratelimit.Limiter, logger *logging.Logger) *BinanceConnector {
	baseURL := BinanceFuturesURL
	if testnet {
		baseURL = BinanceFuturesTestnetURL
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(8, 16)
	}
	if logger == nil {
		logger = logging.Default()
	}

	// Trim whitespace from keys, it breaks signature generation
	return &BinanceConnector{
		apiKey:     strings.TrimSpace(creds.APIKey),
		secretKey:  strings.TrimSpace(creds.APISecret),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		weights:    ratelimit.NewWeightTracker(2400, time.Minute),
		logger:     logger.WithComponent("binance"),
		filters:    make(map[string]*SymbolFilters),
	}
}

// Kind returns the exchange kind
func (c *BinanceConnector) Kind() Kind { return KindBinance }

// pairSymbol maps a normalized base symbol to the Binance perp pair.
func pairSymbol(symbol string) string {
	return strings.ToUpper(symbol) + "USDT"
}

// Connect verifies connectivity and credentials
func (c *BinanceConnector) Connect(ctx context.Context) error {
	return c.ValidateCredentials(ctx)
}

// ValidateCredentials checks the API key with a signed account request
func (c *BinanceConnector) ValidateCredentials(ctx context.Context) error {
	_, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", map[string]string{})
	if err != nil {
		return fmt.Errorf("binance credential check: %w", err)
	}
	return nil
}

// Balance returns the USDT wallet balance of the futures account
func (c *BinanceConnector) Balance(ctx context.Context) (float64, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", map[string]string{})
	if err != nil {
		return 0, fmt.Errorf("fetching balance: %w", err)
	}

	var account struct {
		Assets []struct {
			Asset         string  `json:"asset"`
			WalletBalance float64 `json:"walletBalance,string"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return 0, fmt.Errorf("parsing account info: %w", err)
	}

	for _, asset := range account.Assets {
		if asset.Asset == "USDT" {
			return asset.WalletBalance, nil
		}
	}
	return 0, nil
}

type binancePosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnRealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
}

func (p *binancePosition) toPosition() Position {
	side := "buy"
	size := p.PositionAmt
	if size < 0 {
		side = "sell"
		size = -size
	}
	return Position{
		Symbol:        strings.TrimSuffix(p.Symbol, "USDT"),
		Side:          side,
		Size:          size,
		EntryPrice:    p.EntryPrice,
		MarkPrice:     p.MarkPrice,
		UnrealizedPnL: p.UnRealizedProfit,
		Leverage:      p.Leverage,
	}
}

// Positions returns all open positions
func (c *BinanceConnector) Positions(ctx context.Context) ([]Position, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var raw []binancePosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}

	var positions []Position
	for i := range raw {
		if raw[i].PositionAmt != 0 {
			positions = append(positions, raw[i].toPosition())
		}
	}
	return positions, nil
}

// Position returns the open position for a symbol
func (c *BinanceConnector) Position(ctx context.Context, symbol string) (*Position, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{
		"symbol": pairSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching position %s: %w", symbol, err)
	}

	var raw []binancePosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing position: %w", err)
	}

	// Hedge mode reports two rows; the live one has a non-zero amount.
	for i := range raw {
		if raw[i].PositionAmt != 0 {
			pos := raw[i].toPosition()
			return &pos, nil
		}
	}
	return nil, fmt.Errorf("position %s: %w", symbol, ErrPositionNotFound)
}

// Price returns the latest mark price for a symbol
func (c *BinanceConnector) Price(ctx context.Context, symbol string) (float64, error) {
	body, err := c.publicRequest(ctx, "/fapi/v1/ticker/price", map[string]string{
		"symbol": pairSymbol(symbol),
	})
	if err != nil {
		return 0, fmt.Errorf("fetching price %s: %w", symbol, err)
	}

	var ticker struct {
		Price float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("parsing price: %w", err)
	}
	return ticker.Price, nil
}

// cachedFilters returns previously discovered filters for a pair
func (c *BinanceConnector) cachedFilters(pair string) (*SymbolFilters, bool) {
	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	f, ok := c.filters[pair]
	return f, ok
}

func (c *BinanceConnector) storeFilters(pair string, filters *SymbolFilters) {
	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	c.filters[pair] = filters
}

// SymbolFilters fetches and caches exchange filters for a symbol
func (c *BinanceConnector) SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	pair := pairSymbol(symbol)
	if f, ok := c.cachedFilters(pair); ok {
		return f, nil
	}

	body, err := c.publicRequest(ctx, "/fapi/v1/exchangeInfo", map[string]string{"symbol": pair})
	if err != nil {
		return nil, fmt.Errorf("fetching exchange info %s: %w", symbol, err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != pair {
			continue
		}
		if s.Status != "TRADING" {
			return nil, fmt.Errorf("symbol %s status %s: %w", symbol, s.Status, ErrSymbolNotAvailable)
		}
		filters := &SymbolFilters{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				filters.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				filters.QtyStep, _ = strconv.ParseFloat(f.StepSize, 64)
				filters.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			case "MIN_NOTIONAL":
				filters.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
			}
		}
		c.storeFilters(pair, filters)
		return filters, nil
	}
	return nil, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolNotAvailable)
}

// setLeverage applies leverage before opening a position
func (c *BinanceConnector) setLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   pairSymbol(symbol),
		"leverage": strconv.Itoa(leverage),
	})
	return err
}

// PlaceOrder places an entry or exit order
func (c *BinanceConnector) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	if req.Leverage > 0 && !req.ReduceOnly {
		if err := c.setLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			c.logger.Warn("Failed to set leverage", "symbol", req.Symbol, "error", err)
		}
	}

	params := map[string]string{
		"symbol":   pairSymbol(req.Symbol),
		"side":     strings.ToUpper(binanceSide(req.Side)),
		"quantity": formatFloat(req.Size),
	}
	if req.OrderType == "limit" && req.Price > 0 {
		params["type"] = "LIMIT"
		params["price"] = formatFloat(req.Price)
		params["timeInForce"] = "GTC"
	} else {
		params["type"] = "MARKET"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("placing %s order %s: %w", req.OrderType, req.Symbol, err)
	}

	var resp struct {
		OrderID       int64   `json:"orderId"`
		ClientOrderID string  `json:"clientOrderId"`
		Status        string  `json:"status"`
		Price         float64 `json:"price,string"`
		AvgPrice      float64 `json:"avgPrice,string"`
		OrigQty       float64 `json:"origQty,string"`
		ExecutedQty   float64 `json:"executedQty,string"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}

	return &Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          resp.OrigQty,
		Price:         resp.Price,
		FilledSize:    resp.ExecutedQty,
		AvgFillPrice:  resp.AvgPrice,
		Status:        resp.Status,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// PlaceStopLoss places a close-position stop market order
func (c *BinanceConnector) PlaceStopLoss(ctx context.Context, symbol, side string, size, triggerPrice float64) (*Order, error) {
	params := map[string]string{
		"symbol":        pairSymbol(symbol),
		"side":          strings.ToUpper(binanceSide(OppositeSide(side))),
		"type":          "STOP_MARKET",
		"stopPrice":     formatFloat(triggerPrice),
		"closePosition": "true",
		"workingType":   "MARK_PRICE",
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("placing stop loss %s: %w", symbol, err)
	}

	var resp struct {
		OrderID   int64   `json:"orderId"`
		Status    string  `json:"status"`
		StopPrice float64 `json:"stopPrice,string"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing stop response: %w", err)
	}

	return &Order{
		ID:         strconv.FormatInt(resp.OrderID, 10),
		Symbol:     symbol,
		Side:       OppositeSide(side),
		Size:       size,
		Price:      resp.StopPrice,
		Status:     resp.Status,
		ReduceOnly: true,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// CancelOrder cancels an open order
func (c *BinanceConnector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  pairSymbol(symbol),
		"orderId": orderID,
	})
	if err != nil {
		return fmt.Errorf("canceling order %s on %s: %w", orderID, symbol, err)
	}
	return nil
}

// OpenOrders lists open orders for a symbol
func (c *BinanceConnector) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", map[string]string{
		"symbol": pairSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching open orders %s: %w", symbol, err)
	}

	var raw []struct {
		OrderID       int64   `json:"orderId"`
		ClientOrderID string  `json:"clientOrderId"`
		Side          string  `json:"side"`
		Price         float64 `json:"price,string"`
		OrigQty       float64 `json:"origQty,string"`
		ExecutedQty   float64 `json:"executedQty,string"`
		Status        string  `json:"status"`
		ReduceOnly    bool    `json:"reduceOnly"`
		Time          int64   `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, Order{
			ID:            strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        symbol,
			Side:          strings.ToLower(o.Side),
			Size:          o.OrigQty,
			Price:         o.Price,
			FilledSize:    o.ExecutedQty,
			Status:        o.Status,
			ReduceOnly:    o.ReduceOnly,
			CreatedAt:     time.UnixMilli(o.Time),
		})
	}
	return orders, nil
}

// ==================== SIGNING & TRANSPORT ====================

func (c *BinanceConnector) buildQueryString(params map[string]string) string {
	query := ""
	for k, v := range params {
		if k != "signature" {
			if query != "" {
				query += "&"
			}
			query += k + "=" + url.QueryEscape(v)
		}
	}
	return query
}

func (c *BinanceConnector) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BinanceConnector) signParams(params map[string]string) string {
	query := c.buildQueryString(params)
	return query + "&signature=" + c.sign(query)
}

// publicRequest performs an unauthenticated GET with pacing and retry
func (c *BinanceConnector) publicRequest(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= binanceMaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		reqURL := c.baseURL + endpoint
		if len(values) > 0 {
			reqURL += "?" + values.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}

		body, retryable, err := c.doRequest(req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || attempt == binanceMaxRetries {
			return nil, lastErr
		}

		delay := jitterBackoff(attempt, binanceBaseRetryDelay, binanceMaxRetryDelay)
		c.logger.Warn("Public request failed, retrying",
			"endpoint", endpoint, "attempt", attempt+1, "delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// signedRequest performs an authenticated request with pacing and retry.
// The timestamp is refreshed on every attempt.
func (c *BinanceConnector) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= binanceMaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if c.weights.Banned() {
			return nil, fmt.Errorf("binance: %w", ErrRateLimited)
		}

		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = binanceRecvWindow
		query := c.signParams(params)

		var req *http.Request
		var err error
		if method == http.MethodGet {
			req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
		} else {
			req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
			if err == nil {
				req.URL.RawQuery = query
			}
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)

		body, retryable, err := c.doRequest(req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || attempt == binanceMaxRetries {
			return nil, lastErr
		}

		delay := jitterBackoff(attempt, binanceBaseRetryDelay, binanceMaxRetryDelay)
		c.logger.Warn("Signed request failed, retrying",
			"endpoint", endpoint, "attempt", attempt+1, "delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// doRequest executes one HTTP attempt and classifies the outcome.
func (c *BinanceConnector) doRequest(req *http.Request) (body []byte, retryable bool, err error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	c.weights.UpdateFromHeaders(resp.Header)

	if resp.StatusCode == http.StatusOK {
		return body, false, nil
	}

	text := string(body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 ||
		strings.Contains(text, "-1003") {
		if until, ok := ratelimit.ParseBanUntil(text); ok {
			c.weights.RecordBan(until)
		}
		return nil, true, fmt.Errorf("binance %d %s: %w", resp.StatusCode, text, ErrRateLimited)
	}
	if resp.StatusCode == http.StatusUnauthorized ||
		strings.Contains(text, "-2014") || strings.Contains(text, "-2015") {
		return nil, false, fmt.Errorf("binance %d %s: %w", resp.StatusCode, text, ErrCredentialInvalid)
	}
	if strings.Contains(text, "-1121") {
		return nil, false, fmt.Errorf("binance %s: %w", text, ErrSymbolNotAvailable)
	}
	if strings.Contains(text, "-4164") || strings.Contains(text, "-1013") {
		return nil, false, fmt.Errorf("binance %s: %w", text, ErrBelowMinimumOrder)
	}
	if strings.Contains(text, "-1111") || strings.Contains(text, "-4014") {
		return nil, false, fmt.Errorf("binance %s: %w", text, ErrTickRejected)
	}

	retryable = resp.StatusCode >= 500 ||
		strings.Contains(text, "-1001") || // DISCONNECTED
		strings.Contains(text, "-1015") || // TOO_MANY_ORDERS
		strings.Contains(text, "-1016") // SERVICE_SHUTTING_DOWN
	return nil, retryable, fmt.Errorf("binance API error %d: %s", resp.StatusCode, text)
}

// jitterBackoff returns exponential backoff with ±25% jitter
func jitterBackoff(attempt int, base, max time.Duration) time.Duration {
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

func binanceSide(side string) string {
	if side == "buy" {
		return "BUY"
	}
	return "SELL"
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
