// Package exchange provides derivatives exchange connectors behind a common
// interface. Dispatch is always on Kind, never on concrete types.
package exchange

import (
	"context"
	"time"
)

// Kind identifies a supported exchange
type Kind string

const (
	KindBinance     Kind = "binance"
	KindBybit       Kind = "bybit"
	KindHyperliquid Kind = "hyperliquid"
	KindMock        Kind = "mock"
)

// Valid reports whether the kind names a supported exchange
func (k Kind) Valid() bool {
	switch k {
	case KindBinance, KindBybit, KindHyperliquid, KindMock:
		return true
	}
	return false
}

// Credentials holds API access material for one exchange account.
// Hyperliquid uses WalletAddress/PrivateKey; the CEX connectors use
// APIKey/APISecret.
type Credentials struct {
	Label         string `json:"label"`
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	WalletAddress string `json:"wallet_address"`
	PrivateKey    string `json:"private_key"`
}

// Position is an open derivatives position
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "buy" or "sell"
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
}

// OrderRequest describes an order to place
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "buy" or "sell"
	Size          float64 `json:"size"`
	Price         float64 `json:"price"`     // 0 for market
	OrderType     string  `json:"order_type"` // "market" or "limit"
	ReduceOnly    bool    `json:"reduce_only"`
	Leverage      int     `json:"leverage"`
	ClientOrderID string  `json:"client_order_id"`
}

// Order is a placed order as reported by the exchange
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Size          float64   `json:"size"`
	Price         float64   `json:"price"`
	FilledSize    float64   `json:"filled_size"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Status        string    `json:"status"`
	ReduceOnly    bool      `json:"reduce_only"`
	CreatedAt     time.Time `json:"created_at"`
}

// SymbolFilters holds per-symbol order constraints
type SymbolFilters struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	QtyStep     float64 `json:"qty_step"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
	PxDecimals  int     `json:"px_decimals"`
	SzDecimals  int     `json:"sz_decimals"`
}

// Connector is the common exchange surface used by the coordinator and the
// monitor. All methods take a context; blocking calls respect cancellation.
type Connector interface {
	Kind() Kind
	Connect(ctx context.Context) error
	ValidateCredentials(ctx context.Context) error
	Balance(ctx context.Context) (float64, error)
	Positions(ctx context.Context) ([]Position, error)
	Position(ctx context.Context, symbol string) (*Position, error)
	Price(ctx context.Context, symbol string) (float64, error)
	SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	PlaceStopLoss(ctx context.Context, symbol, side string, size, triggerPrice float64) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
}

// OppositeSide flips an order side for exits
func OppositeSide(side string) string {
	if side == "buy" {
		return "sell"
	}
	return "buy"
}
