package exchange

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/ratelimit"
)

const (
	// HyperliquidURL is the production Hyperliquid API
	HyperliquidURL = "https://api.hyperliquid.xyz"
	// HyperliquidTestnetURL is the Hyperliquid testnet
	HyperliquidTestnetURL = "https://api.hyperliquid-testnet.xyz"

	hyperliquidMaxRetries = 3
	hlEntrySlippage       = 0.01
)

// hlAsset holds per-asset metadata from the meta endpoint
type hlAsset struct {
	index      int
	szDecimals int
}

// HyperliquidConnector trades perpetuals on the Hyperliquid DEX. Orders are
// signed locally with the wallet key; there is no API key.
type HyperliquidConnector struct {
	walletAddress string
	privateKey    string
	baseURL       string
	isMainnet     bool
	httpClient    *http.Client
	limiter       *ratelimit.Limiter
	logger        *logging.Logger

	mu     sync.Mutex
	assets map[string]hlAsset
}

// NewHyperliquidConnector creates a Hyperliquid connector.
func NewHyperliquidConnector(creds Credentials, testnet bool, limiter *ratelimit.Limiter, logger *logging.Logger) *HyperliquidConnector {
	baseURL := HyperliquidURL
	if testnet {
		baseURL = HyperliquidTestnetURL
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(8, 16)
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &HyperliquidConnector{
		walletAddress: strings.TrimSpace(creds.WalletAddress),
		privateKey:    strings.TrimPrefix(strings.TrimSpace(creds.PrivateKey), "0x"),
		baseURL:       baseURL,
		isMainnet:     !testnet,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		limiter:       limiter,
		logger:        logger.WithComponent("hyperliquid"),
		assets:        make(map[string]hlAsset),
	}
}

// Kind returns the exchange kind
func (c *HyperliquidConnector) Kind() Kind { return KindHyperliquid }

// Connect loads asset metadata and verifies the wallet key parses
func (c *HyperliquidConnector) Connect(ctx context.Context) error {
	if err := c.ValidateCredentials(ctx); err != nil {
		return err
	}
	return c.loadMeta(ctx)
}

// ValidateCredentials checks the private key and wallet address
func (c *HyperliquidConnector) ValidateCredentials(ctx context.Context) error {
	if _, err := crypto.HexToECDSA(c.privateKey); err != nil {
		return fmt.Errorf("hyperliquid wallet key: %w", ErrCredentialInvalid)
	}
	if !common.IsHexAddress(c.walletAddress) {
		return fmt.Errorf("hyperliquid wallet address: %w", ErrCredentialInvalid)
	}
	_, err := c.Balance(ctx)
	return err
}

// loadMeta fetches the perp universe and builds the asset index table
func (c *HyperliquidConnector) loadMeta(ctx context.Context) error {
	body, err := c.info(ctx, map[string]interface{}{"type": "meta"})
	if err != nil {
		return fmt.Errorf("fetching meta: %w", err)
	}

	var meta struct {
		Universe []struct {
			Name       string `json:"name"`
			SzDecimals int    `json:"szDecimals"`
		} `json:"universe"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return fmt.Errorf("parsing meta: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, u := range meta.Universe {
		c.assets[strings.ToUpper(u.Name)] = hlAsset{index: i, szDecimals: u.SzDecimals}
	}
	return nil
}

// asset resolves a symbol to its universe entry, loading meta on first use
func (c *HyperliquidConnector) asset(ctx context.Context, symbol string) (hlAsset, error) {
	c.mu.Lock()
	empty := len(c.assets) == 0
	c.mu.Unlock()
	if empty {
		if err := c.loadMeta(ctx); err != nil {
			return hlAsset{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assets[strings.ToUpper(symbol)]
	if !ok {
		return hlAsset{}, fmt.Errorf("asset %s: %w", symbol, ErrSymbolNotAvailable)
	}
	return a, nil
}

// Balance returns the withdrawable USDC balance
func (c *HyperliquidConnector) Balance(ctx context.Context) (float64, error) {
	body, err := c.info(ctx, map[string]interface{}{
		"type": "clearinghouseState",
		"user": c.walletAddress,
	})
	if err != nil {
		return 0, fmt.Errorf("fetching clearinghouse state: %w", err)
	}

	var state struct {
		Withdrawable string `json:"withdrawable"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return 0, fmt.Errorf("parsing clearinghouse state: %w", err)
	}
	balance, _ := strconv.ParseFloat(state.Withdrawable, 64)
	return balance, nil
}

// Positions returns all open positions
func (c *HyperliquidConnector) Positions(ctx context.Context) ([]Position, error) {
	body, err := c.info(ctx, map[string]interface{}{
		"type": "clearinghouseState",
		"user": c.walletAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var state struct {
		AssetPositions []struct {
			Position struct {
				Coin          string `json:"coin"`
				Szi           string `json:"szi"`
				EntryPx       string `json:"entryPx"`
				UnrealizedPnl string `json:"unrealizedPnl"`
				Leverage      struct {
					Value int `json:"value"`
				} `json:"leverage"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}

	var positions []Position
	for _, ap := range state.AssetPositions {
		szi, _ := strconv.ParseFloat(ap.Position.Szi, 64)
		if szi == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(ap.Position.EntryPx, 64)
		pnl, _ := strconv.ParseFloat(ap.Position.UnrealizedPnl, 64)
		side := "buy"
		size := szi
		if szi < 0 {
			side = "sell"
			size = -szi
		}
		positions = append(positions, Position{
			Symbol:        ap.Position.Coin,
			Side:          side,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnL: pnl,
			Leverage:      ap.Position.Leverage.Value,
		})
	}
	return positions, nil
}

// Position returns the open position for a symbol
func (c *HyperliquidConnector) Position(ctx context.Context, symbol string) (*Position, error) {
	positions, err := c.Positions(ctx)
	if err != nil {
		return nil, err
	}
	want := strings.ToUpper(symbol)
	for i := range positions {
		if strings.ToUpper(positions[i].Symbol) == want {
			return &positions[i], nil
		}
	}
	return nil, fmt.Errorf("position %s: %w", symbol, ErrPositionNotFound)
}

// Price returns the mid price from the allMids snapshot
func (c *HyperliquidConnector) Price(ctx context.Context, symbol string) (float64, error) {
	body, err := c.info(ctx, map[string]interface{}{"type": "allMids"})
	if err != nil {
		return 0, fmt.Errorf("fetching mids: %w", err)
	}

	var mids map[string]string
	if err := json.Unmarshal(body, &mids); err != nil {
		return 0, fmt.Errorf("parsing mids: %w", err)
	}
	raw, ok := mids[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("price %s: %w", symbol, ErrSymbolNotAvailable)
	}
	price, _ := strconv.ParseFloat(raw, 64)
	return price, nil
}

// SymbolFilters derives order constraints from the asset metadata. Perp
// prices allow at most 6-szDecimals decimal places.
func (c *HyperliquidConnector) SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	a, err := c.asset(ctx, symbol)
	if err != nil {
		return nil, err
	}

	pxDecimals := 6 - a.szDecimals
	return &SymbolFilters{
		Symbol:      symbol,
		TickSize:    math.Pow(10, -float64(pxDecimals)),
		QtyStep:     math.Pow(10, -float64(a.szDecimals)),
		MinNotional: 10,
		PxDecimals:  pxDecimals,
		SzDecimals:  a.szDecimals,
	}, nil
}

// setLeverage switches the asset to cross margin at the given leverage
func (c *HyperliquidConnector) setLeverage(ctx context.Context, symbol string, leverage int) error {
	a, err := c.asset(ctx, symbol)
	if err != nil {
		return err
	}
	_, err = c.exchangeAction(ctx, hlLeverageAction{
		Type:     "updateLeverage",
		Asset:    a.index,
		IsCross:  true,
		Leverage: leverage,
	})
	return err
}

type hlOrderType struct {
	Limit   *hlLimitType   `msgpack:"limit,omitempty" json:"limit,omitempty"`
	Trigger *hlTriggerType `msgpack:"trigger,omitempty" json:"trigger,omitempty"`
}

type hlLimitType struct {
	Tif string `msgpack:"tif" json:"tif"`
}

type hlTriggerType struct {
	IsMarket  bool   `msgpack:"isMarket" json:"isMarket"`
	TriggerPx string `msgpack:"triggerPx" json:"triggerPx"`
	Tpsl      string `msgpack:"tpsl" json:"tpsl"`
}

type hlOrder struct {
	Asset      int         `msgpack:"a" json:"a"`
	IsBuy      bool        `msgpack:"b" json:"b"`
	Price      string      `msgpack:"p" json:"p"`
	Size       string      `msgpack:"s" json:"s"`
	ReduceOnly bool        `msgpack:"r" json:"r"`
	OrderType  hlOrderType `msgpack:"t" json:"t"`
	Cloid      string      `msgpack:"c,omitempty" json:"c,omitempty"`
}

type hlOrderAction struct {
	Type     string    `msgpack:"type" json:"type"`
	Orders   []hlOrder `msgpack:"orders" json:"orders"`
	Grouping string    `msgpack:"grouping" json:"grouping"`
}

// Field order in these action structs is signature-relevant; the action
// hash is computed over the msgpack encoding in declaration order.
type hlCancel struct {
	Asset int   `msgpack:"a" json:"a"`
	Oid   int64 `msgpack:"o" json:"o"`
}

type hlCancelAction struct {
	Type    string     `msgpack:"type" json:"type"`
	Cancels []hlCancel `msgpack:"cancels" json:"cancels"`
}

type hlLeverageAction struct {
	Type     string `msgpack:"type" json:"type"`
	Asset    int    `msgpack:"asset" json:"asset"`
	IsCross  bool   `msgpack:"isCross" json:"isCross"`
	Leverage int    `msgpack:"leverage" json:"leverage"`
}

// PlaceOrder places a GTC limit order. Market requests are sent as
// aggressive limit orders with a slippage buffer, which is how immediate
// execution works on this venue.
func (c *HyperliquidConnector) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	a, err := c.asset(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	if req.Leverage > 0 && !req.ReduceOnly {
		if err := c.setLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			c.logger.Warn("Failed to set leverage", "symbol", req.Symbol, "error", err)
		}
	}

	price := req.Price
	if req.OrderType != "limit" || price <= 0 {
		mid, err := c.Price(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		if req.Side == "buy" {
			price = mid * (1 + hlEntrySlippage)
		} else {
			price = mid * (1 - hlEntrySlippage)
		}
	}

	// The venue only accepts 128-bit hex cloids. Caller-supplied ids in
	// any other form are replaced rather than rejected.
	cloid := req.ClientOrderID
	if !validCloid(cloid) {
		cloid = newCloid()
	}

	order := hlOrder{
		Asset:      a.index,
		IsBuy:      req.Side == "buy",
		Price:      hlFormatPrice(price, a.szDecimals),
		Size:       hlFormatSize(req.Size, a.szDecimals),
		ReduceOnly: req.ReduceOnly,
		OrderType:  hlOrderType{Limit: &hlLimitType{Tif: "Gtc"}},
		Cloid:      cloid,
	}
	action := hlOrderAction{Type: "order", Orders: []hlOrder{order}, Grouping: "na"}

	status, err := c.exchangeAction(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("placing order %s: %w", req.Symbol, err)
	}

	return &Order{
		ID:            status.orderID,
		ClientOrderID: cloid,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		Price:         price,
		FilledSize:    status.filledSize,
		AvgFillPrice:  status.avgPrice,
		Status:        status.state,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// PlaceStopLoss places a reduce-only stop market trigger order
func (c *HyperliquidConnector) PlaceStopLoss(ctx context.Context, symbol, side string, size, triggerPrice float64) (*Order, error) {
	a, err := c.asset(ctx, symbol)
	if err != nil {
		return nil, err
	}

	px := hlFormatPrice(triggerPrice, a.szDecimals)
	order := hlOrder{
		Asset:      a.index,
		IsBuy:      OppositeSide(side) == "buy",
		Price:      px,
		Size:       hlFormatSize(size, a.szDecimals),
		ReduceOnly: true,
		OrderType: hlOrderType{Trigger: &hlTriggerType{
			IsMarket:  true,
			TriggerPx: px,
			Tpsl:      "sl",
		}},
	}
	action := hlOrderAction{Type: "order", Orders: []hlOrder{order}, Grouping: "na"}

	status, err := c.exchangeAction(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("placing stop loss %s: %w", symbol, err)
	}

	return &Order{
		ID:         status.orderID,
		Symbol:     symbol,
		Side:       OppositeSide(side),
		Size:       size,
		Price:      triggerPrice,
		Status:     status.state,
		ReduceOnly: true,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// CancelOrder cancels a resting order by oid
func (c *HyperliquidConnector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	a, err := c.asset(ctx, symbol)
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	action := hlCancelAction{
		Type:    "cancel",
		Cancels: []hlCancel{{Asset: a.index, Oid: oid}},
	}
	if _, err := c.exchangeAction(ctx, action); err != nil {
		return fmt.Errorf("canceling order %s on %s: %w", orderID, symbol, err)
	}
	return nil
}

// OpenOrders lists resting orders for a symbol
func (c *HyperliquidConnector) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	body, err := c.info(ctx, map[string]interface{}{
		"type": "openOrders",
		"user": c.walletAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}

	var raw []struct {
		Coin      string `json:"coin"`
		Oid       int64  `json:"oid"`
		Side      string `json:"side"` // "B" / "A"
		LimitPx   string `json:"limitPx"`
		Sz        string `json:"sz"`
		OrigSz    string `json:"origSz"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}

	want := strings.ToUpper(symbol)
	var orders []Order
	for _, o := range raw {
		if strings.ToUpper(o.Coin) != want {
			continue
		}
		price, _ := strconv.ParseFloat(o.LimitPx, 64)
		remaining, _ := strconv.ParseFloat(o.Sz, 64)
		orig, _ := strconv.ParseFloat(o.OrigSz, 64)
		side := "sell"
		if o.Side == "B" {
			side = "buy"
		}
		orders = append(orders, Order{
			ID:         strconv.FormatInt(o.Oid, 10),
			Symbol:     symbol,
			Side:       side,
			Size:       orig,
			Price:      price,
			FilledSize: orig - remaining,
			Status:     "NEW",
			CreatedAt:  time.UnixMilli(o.Timestamp),
		})
	}
	return orders, nil
}

// ==================== SIGNING & TRANSPORT ====================

// hlStatus is the per-order outcome extracted from an exchange response
type hlStatus struct {
	orderID    string
	state      string
	filledSize float64
	avgPrice   float64
}

// info POSTs to the read-only info endpoint with pacing and retry
func (c *HyperliquidConnector) info(ctx context.Context, payload map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= hyperliquidMaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, retryable, err := c.postJSON(ctx, "/info", body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == hyperliquidMaxRetries {
			return nil, lastErr
		}
		if !sleepCtx(ctx, jitterBackoff(attempt, 500*time.Millisecond, 5*time.Second)) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// exchangeAction signs and submits an L1 action. The nonce is the ms
// timestamp and must be fresh per submission, so there is no retry on
// transport errors other than rebuilding the whole signed payload.
func (c *HyperliquidConnector) exchangeAction(ctx context.Context, action interface{}) (*hlStatus, error) {
	var lastErr error
	for attempt := 0; attempt <= hyperliquidMaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		nonce := time.Now().UnixMilli()
		sig, err := c.signAction(action, nonce)
		if err != nil {
			return nil, fmt.Errorf("signing action: %w", err)
		}

		payload, err := json.Marshal(map[string]interface{}{
			"action":    action,
			"nonce":     nonce,
			"signature": sig,
		})
		if err != nil {
			return nil, err
		}

		body, retryable, err := c.postJSON(ctx, "/exchange", payload)
		if err == nil {
			return parseHLResponse(body)
		}
		lastErr = err
		if !retryable || attempt == hyperliquidMaxRetries {
			return nil, lastErr
		}
		delay := jitterBackoff(attempt, 500*time.Millisecond, 5*time.Second)
		c.logger.Warn("Exchange action failed, retrying",
			"attempt", attempt+1, "delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *HyperliquidConnector) postJSON(ctx context.Context, endpoint string, payload []byte) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("hyperliquid HTTP 429: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, fmt.Errorf("hyperliquid HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, false, nil
}

// parseHLResponse unpacks the order response envelope. The API reports
// per-order failures inside a 200 response, so the statuses array has to
// be inspected.
func parseHLResponse(body []byte) (*hlStatus, error) {
	var envelope struct {
		Status   string `json:"status"`
		Response struct {
			Type string `json:"type"`
			Data struct {
				Statuses []json.RawMessage `json:"statuses"`
			} `json:"data"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if envelope.Status != "ok" {
		return nil, classifyHLError(string(body))
	}
	if len(envelope.Response.Data.Statuses) == 0 {
		return &hlStatus{state: "NEW"}, nil
	}

	var status struct {
		Resting *struct {
			Oid int64 `json:"oid"`
		} `json:"resting"`
		Filled *struct {
			Oid     int64  `json:"oid"`
			TotalSz string `json:"totalSz"`
			AvgPx   string `json:"avgPx"`
		} `json:"filled"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(envelope.Response.Data.Statuses[0], &status); err != nil {
		return nil, fmt.Errorf("parsing order status: %w", err)
	}

	switch {
	case status.Error != "":
		return nil, classifyHLError(status.Error)
	case status.Filled != nil:
		size, _ := strconv.ParseFloat(status.Filled.TotalSz, 64)
		px, _ := strconv.ParseFloat(status.Filled.AvgPx, 64)
		return &hlStatus{
			orderID:    strconv.FormatInt(status.Filled.Oid, 10),
			state:      "FILLED",
			filledSize: size,
			avgPrice:   px,
		}, nil
	case status.Resting != nil:
		return &hlStatus{
			orderID: strconv.FormatInt(status.Resting.Oid, 10),
			state:   "NEW",
		}, nil
	}
	return &hlStatus{state: "NEW"}, nil
}

func classifyHLError(message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "margin"), strings.Contains(lower, "insufficient"):
		return fmt.Errorf("hyperliquid: %s: %w", message, ErrInsufficientBalance)
	case strings.Contains(lower, "minimum value"):
		return fmt.Errorf("hyperliquid: %s: %w", message, ErrBelowMinimumOrder)
	case strings.Contains(lower, "tick"), strings.Contains(lower, "divisible"):
		return fmt.Errorf("hyperliquid: %s: %w", message, ErrTickRejected)
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "unknown coin"):
		return fmt.Errorf("hyperliquid: %s: %w", message, ErrSymbolNotAvailable)
	}
	return fmt.Errorf("hyperliquid order rejected: %s", message)
}

// signAction produces the EIP-712 signature over the phantom agent derived
// from the msgpack action hash.
func (c *HyperliquidConnector) signAction(action interface{}, nonce int64) (map[string]interface{}, error) {
	packed, err := msgpack.Marshal(action)
	if err != nil {
		return nil, err
	}

	// actionHash = keccak(msgpack(action) || nonce_be64 || 0x00)
	data := make([]byte, 0, len(packed)+9)
	data = append(data, packed...)
	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, uint64(nonce))
	data = append(data, nonceBytes...)
	data = append(data, 0x00) // no vault address
	connectionID := crypto.Keccak256(data)

	source := "a"
	if !c.isMainnet {
		source = "b"
	}

	digest := agentDigest(source, connectionID)
	key, err := crypto.HexToECDSA(c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet key: %w", ErrCredentialInvalid)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"r": hexutil.Encode(sig[:32]),
		"s": hexutil.Encode(sig[32:64]),
		"v": int(sig[64]) + 27,
	}, nil
}

// agentDigest builds the EIP-712 digest for the Agent struct under the
// fixed Exchange domain (chainId 1337, zero verifying contract).
func agentDigest(source string, connectionID []byte) []byte {
	domainTypeHash := crypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	domainSeparator := crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte("Exchange")),
		crypto.Keccak256([]byte("1")),
		common.LeftPadBytes([]byte{0x05, 0x39}, 32), // 1337
		common.LeftPadBytes(common.Address{}.Bytes(), 32),
	)

	agentTypeHash := crypto.Keccak256([]byte("Agent(string source,bytes32 connectionId)"))
	structHash := crypto.Keccak256(
		agentTypeHash,
		crypto.Keccak256([]byte(source)),
		connectionID,
	)

	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash)
}

// hlFormatPrice renders a price with at most 5 significant figures and at
// most 6-szDecimals decimal places.
func hlFormatPrice(price float64, szDecimals int) string {
	maxDecimals := 6 - szDecimals
	if maxDecimals < 0 {
		maxDecimals = 0
	}

	rounded := price
	if price > 0 {
		magnitude := int(math.Floor(math.Log10(price)))
		sigDecimals := 5 - magnitude - 1
		if sigDecimals < 0 {
			sigDecimals = 0
		}
		if sigDecimals > maxDecimals {
			sigDecimals = maxDecimals
		}
		scale := math.Pow(10, float64(sigDecimals))
		rounded = math.Round(price*scale) / scale
	}
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

func hlFormatSize(size float64, szDecimals int) string {
	scale := math.Pow(10, float64(szDecimals))
	return strconv.FormatFloat(math.Floor(size*scale)/scale, 'f', -1, 64)
}

// newCloid returns a 16-byte hex client order id derived from a uuid
func newCloid() string {
	u := uuid.New()
	return "0x" + strings.ReplaceAll(u.String(), "-", "")
}

// validCloid reports whether id is a 0x-prefixed 16-byte hex string
func validCloid(id string) bool {
	if len(id) != 34 || !strings.HasPrefix(id, "0x") {
		return false
	}
	_, err := hex.DecodeString(id[2:])
	return err == nil
}
