package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
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
	// BybitURL is the production Bybit v5 API
	BybitURL = "https://api.bybit.com"
	// BybitTestnetURL is the Bybit testnet
	BybitTestnetURL = "https://api-testnet.bybit.com"

	bybitRecvWindow     = "5000"
	bybitMaxRetries     = 3
	bybitBaseRetryDelay = 500 * time.Millisecond
	bybitMaxRetryDelay  = 5 * time.Second
)

// BybitConnector trades USDT linear perpetuals on Bybit's unified account.
type BybitConnector struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *logging.Logger

	filtersMu sync.Mutex
	filters   map[string]*SymbolFilters
}

// NewBybitConnector creates a Bybit v5 connector.
func NewBybitConnector(creds Credentials, testnet bool, limiter *ratelimit.Limiter, logger *logging.Logger) *BybitConnector {
	baseURL := BybitURL
	if testnet {
		baseURL = BybitTestnetURL
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(8, 16)
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &BybitConnector{
		apiKey:     strings.TrimSpace(creds.APIKey),
		apiSecret:  strings.TrimSpace(creds.APISecret),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		logger:     logger.WithComponent("bybit"),
		filters:    make(map[string]*SymbolFilters),
	}
}

// Kind returns the exchange kind
func (c *BybitConnector) Kind() Kind { return KindBybit }

// Connect verifies connectivity and credentials
func (c *BybitConnector) Connect(ctx context.Context) error {
	return c.ValidateCredentials(ctx)
}

// ValidateCredentials checks the API key with a wallet balance request
func (c *BybitConnector) ValidateCredentials(ctx context.Context) error {
	_, err := c.Balance(ctx)
	return err
}

// bybitResponse is the common v5 envelope
type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Balance returns the total equity of the unified account in USDT terms
func (c *BybitConnector) Balance(ctx context.Context) (float64, error) {
	result, err := c.get(ctx, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, true)
	if err != nil {
		return 0, fmt.Errorf("fetching balance: %w", err)
	}

	var wallet struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &wallet); err != nil {
		return 0, fmt.Errorf("parsing wallet balance: %w", err)
	}
	if len(wallet.List) == 0 {
		return 0, nil
	}
	equity, _ := strconv.ParseFloat(wallet.List[0].TotalEquity, 64)
	return equity, nil
}

type bybitPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "Buy" / "Sell"
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
}

func (p *bybitPosition) toPosition() Position {
	size, _ := strconv.ParseFloat(p.Size, 64)
	entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
	mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
	pnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
	lev, _ := strconv.ParseFloat(p.Leverage, 64)
	side := "buy"
	if p.Side == "Sell" {
		side = "sell"
	}
	return Position{
		Symbol:        strings.TrimSuffix(p.Symbol, "USDT"),
		Side:          side,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
		Leverage:      int(lev),
	}
}

// Positions returns all open linear positions settled in USDT
func (c *BybitConnector) Positions(ctx context.Context) ([]Position, error) {
	result, err := c.get(ctx, "/v5/position/list", map[string]string{
		"category":   "linear",
		"settleCoin": "USDT",
	}, true)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var list struct {
		List []bybitPosition `json:"list"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}

	var positions []Position
	for i := range list.List {
		pos := list.List[i].toPosition()
		if pos.Size != 0 {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// Position returns the open position for a symbol
func (c *BybitConnector) Position(ctx context.Context, symbol string) (*Position, error) {
	result, err := c.get(ctx, "/v5/position/list", map[string]string{
		"category": "linear",
		"symbol":   pairSymbol(symbol),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("fetching position %s: %w", symbol, err)
	}

	var list struct {
		List []bybitPosition `json:"list"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parsing position: %w", err)
	}

	for i := range list.List {
		pos := list.List[i].toPosition()
		if pos.Size != 0 {
			return &pos, nil
		}
	}
	return nil, fmt.Errorf("position %s: %w", symbol, ErrPositionNotFound)
}

// Price returns the last traded price of a linear perpetual
func (c *BybitConnector) Price(ctx context.Context, symbol string) (float64, error) {
	result, err := c.get(ctx, "/v5/market/tickers", map[string]string{
		"category": "linear",
		"symbol":   pairSymbol(symbol),
	}, false)
	if err != nil {
		return 0, fmt.Errorf("fetching price %s: %w", symbol, err)
	}

	var tickers struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &tickers); err != nil {
		return 0, fmt.Errorf("parsing tickers: %w", err)
	}
	if len(tickers.List) == 0 {
		return 0, fmt.Errorf("price %s: %w", symbol, ErrSymbolNotAvailable)
	}
	price, _ := strconv.ParseFloat(tickers.List[0].LastPrice, 64)
	return price, nil
}

// cachedFilters returns previously discovered filters for a pair
func (c *BybitConnector) cachedFilters(pair string) (*SymbolFilters, bool) {
	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	f, ok := c.filters[pair]
	return f, ok
}

func (c *BybitConnector) storeFilters(pair string, filters *SymbolFilters) {
	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	c.filters[pair] = filters
}

// SymbolFilters fetches and caches instrument constraints
func (c *BybitConnector) SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	pair := pairSymbol(symbol)
	if f, ok := c.cachedFilters(pair); ok {
		return f, nil
	}

	result, err := c.get(ctx, "/v5/market/instruments-info", map[string]string{
		"category": "linear",
		"symbol":   pair,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("fetching instrument info %s: %w", symbol, err)
	}

	var info struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("parsing instrument info: %w", err)
	}
	if len(info.List) == 0 {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrSymbolNotAvailable)
	}

	filters := &SymbolFilters{Symbol: symbol, MinNotional: 5}
	filters.TickSize, _ = strconv.ParseFloat(info.List[0].PriceFilter.TickSize, 64)
	filters.QtyStep, _ = strconv.ParseFloat(info.List[0].LotSizeFilter.QtyStep, 64)
	filters.MinQty, _ = strconv.ParseFloat(info.List[0].LotSizeFilter.MinOrderQty, 64)
	c.storeFilters(pair, filters)
	return filters, nil
}

// setLeverage applies leverage for both directions of a symbol
func (c *BybitConnector) setLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	_, err := c.post(ctx, "/v5/position/set-leverage", map[string]interface{}{
		"category":     "linear",
		"symbol":       pairSymbol(symbol),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	// retCode 110043 means leverage already set, not an error
	if err != nil && strings.Contains(err.Error(), "110043") {
		return nil
	}
	return err
}

// PlaceOrder places an entry or exit order
func (c *BybitConnector) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	if req.Leverage > 0 && !req.ReduceOnly {
		if err := c.setLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			c.logger.Warn("Failed to set leverage", "symbol", req.Symbol, "error", err)
		}
	}

	body := map[string]interface{}{
		"category": "linear",
		"symbol":   pairSymbol(req.Symbol),
		"side":     bybitSide(req.Side),
		"qty":      formatFloat(req.Size),
	}
	if req.OrderType == "limit" && req.Price > 0 {
		body["orderType"] = "Limit"
		body["price"] = formatFloat(req.Price)
		body["timeInForce"] = "GTC"
	} else {
		body["orderType"] = "Market"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		body["orderLinkId"] = req.ClientOrderID
	}

	result, err := c.post(ctx, "/v5/order/create", body)
	if err != nil {
		return nil, fmt.Errorf("placing %s order %s: %w", req.OrderType, req.Symbol, err)
	}

	var resp struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}

	return &Order{
		ID:            resp.OrderID,
		ClientOrderID: resp.OrderLinkID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		Price:         req.Price,
		Status:        "NEW",
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// PlaceStopLoss sets a position stop loss via the trading-stop endpoint
func (c *BybitConnector) PlaceStopLoss(ctx context.Context, symbol, side string, size, triggerPrice float64) (*Order, error) {
	_, err := c.post(ctx, "/v5/position/trading-stop", map[string]interface{}{
		"category":    "linear",
		"symbol":      pairSymbol(symbol),
		"stopLoss":    formatFloat(triggerPrice),
		"slTriggerBy": "LastPrice",
		"positionIdx": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("placing stop loss %s: %w", symbol, err)
	}

	return &Order{
		ID:         "trading-stop",
		Symbol:     symbol,
		Side:       OppositeSide(side),
		Size:       size,
		Price:      triggerPrice,
		Status:     "NEW",
		ReduceOnly: true,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// CancelOrder cancels an open order
func (c *BybitConnector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.post(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": "linear",
		"symbol":   pairSymbol(symbol),
		"orderId":  orderID,
	})
	if err != nil {
		return fmt.Errorf("canceling order %s on %s: %w", orderID, symbol, err)
	}
	return nil
}

// OpenOrders lists open orders for a symbol
func (c *BybitConnector) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	result, err := c.get(ctx, "/v5/order/realtime", map[string]string{
		"category": "linear",
		"symbol":   pairSymbol(symbol),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders %s: %w", symbol, err)
	}

	var list struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Side        string `json:"side"`
			Price       string `json:"price"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			OrderStatus string `json:"orderStatus"`
			ReduceOnly  bool   `json:"reduceOnly"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}

	orders := make([]Order, 0, len(list.List))
	for _, o := range list.List {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.Qty, 64)
		filled, _ := strconv.ParseFloat(o.CumExecQty, 64)
		createdMs, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
		side := "buy"
		if o.Side == "Sell" {
			side = "sell"
		}
		orders = append(orders, Order{
			ID:            o.OrderID,
			ClientOrderID: o.OrderLinkID,
			Symbol:        symbol,
			Side:          side,
			Size:          qty,
			Price:         price,
			FilledSize:    filled,
			Status:        o.OrderStatus,
			ReduceOnly:    o.ReduceOnly,
			CreatedAt:     time.UnixMilli(createdMs),
		})
	}
	return orders, nil
}

// ==================== SIGNING & TRANSPORT ====================

// signPayload signs timestamp + apiKey + recvWindow + payload per v5 rules
func (c *BybitConnector) signPayload(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + bybitRecvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BybitConnector) authHeaders(req *http.Request, payload string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", c.signPayload(timestamp, payload))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
}

// get performs a GET request, signing it when signed is true
func (c *BybitConnector) get(ctx context.Context, endpoint string, params map[string]string, signed bool) (json.RawMessage, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	query := values.Encode()

	return c.request(ctx, func() (*http.Request, error) {
		reqURL := c.baseURL + endpoint
		if query != "" {
			reqURL += "?" + query
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if signed {
			c.authHeaders(req, query)
		}
		return req, nil
	})
}

// post performs a signed POST with a JSON body
func (c *BybitConnector) post(ctx context.Context, endpoint string, body map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	return c.request(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authHeaders(req, string(payload))
		return req, nil
	})
}

// request executes with pacing and retry. The request is rebuilt on every
// attempt so the signature timestamp stays fresh.
func (c *BybitConnector) request(ctx context.Context, build func() (*http.Request, error)) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt <= bybitMaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		result, retryable, err := c.doRequest(req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable || attempt == bybitMaxRetries {
			return nil, lastErr
		}

		delay := jitterBackoff(attempt, bybitBaseRetryDelay, bybitMaxRetryDelay)
		c.logger.Warn("Request failed, retrying",
			"endpoint", req.URL.Path, "attempt", attempt+1, "delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *BybitConnector) doRequest(req *http.Request) (result json.RawMessage, retryable bool, err error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("bybit HTTP 429: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, fmt.Errorf("bybit HTTP %d: %s", resp.StatusCode, string(body))
	}

	var envelope bybitResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false, fmt.Errorf("parsing response: %w", err)
	}

	switch envelope.RetCode {
	case 0:
		return envelope.Result, false, nil
	case 10003, 10004:
		return nil, false, fmt.Errorf("bybit retCode %d %s: %w", envelope.RetCode, envelope.RetMsg, ErrCredentialInvalid)
	case 10006:
		return nil, true, fmt.Errorf("bybit retCode 10006 %s: %w", envelope.RetMsg, ErrRateLimited)
	case 10001:
		// parameter error, often a symbol that does not exist
		if strings.Contains(strings.ToLower(envelope.RetMsg), "symbol") {
			return nil, false, fmt.Errorf("bybit %s: %w", envelope.RetMsg, ErrSymbolNotAvailable)
		}
		return nil, false, fmt.Errorf("bybit retCode 10001: %s", envelope.RetMsg)
	case 110007:
		return nil, false, fmt.Errorf("bybit %s: %w", envelope.RetMsg, ErrInsufficientBalance)
	case 110003, 110094:
		return nil, false, fmt.Errorf("bybit %s: %w", envelope.RetMsg, ErrBelowMinimumOrder)
	}
	return nil, false, fmt.Errorf("bybit retCode %d: %s", envelope.RetCode, envelope.RetMsg)
}

func bybitSide(side string) string {
	if side == "buy" {
		return "Buy"
	}
	return "Sell"
}
