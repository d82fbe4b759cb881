// Package risk sizes orders from account balance and signal risk distance.
package risk

import (
	"fmt"
	"math"

	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/parser"
)

// Sizing modes
const (
	ModeFixed   = "fixed"
	ModePercent = "percent"
)

// MinRiskRewardRatio below which a trade draws a validation warning.
const MinRiskRewardRatio = 1.5

// Settings holds position sizing configuration
type Settings struct {
	Mode                 string  `json:"mode"` // "fixed" or "percent"
	FixedAmount          float64 `json:"fixed_amount"`
	PercentAmount        float64 `json:"percent_amount"`
	MaxRiskPercent       float64 `json:"max_risk_percent"`
	DefaultLeverage      int     `json:"default_leverage"`
	MinOrderSize         float64 `json:"min_order_size"`
	MinBalance           float64 `json:"min_balance"`
	MaxBalanceUsePercent float64 `json:"max_balance_use_percent"`
}

// DefaultSettings returns the engine defaults
func DefaultSettings() Settings {
	return Settings{
		Mode:                 ModeFixed,
		FixedAmount:          100.0,
		PercentAmount:        5.0,
		MaxRiskPercent:       2.0,
		DefaultLeverage:      20,
		MinOrderSize:         0.001,
		MinBalance:           10.0,
		MaxBalanceUsePercent: 95.0,
	}
}

// SizedOrder is the result of risk sizing a signal
type SizedOrder struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	EntryPrice   float64 `json:"entry_price"`
	Size         float64 `json:"size"`     // units of the base asset
	Notional     float64 `json:"notional"` // size * entry in quote currency
	Margin       float64 `json:"margin"`
	Leverage     int     `json:"leverage"`
	ExpectedLoss float64 `json:"expected_loss"` // at the stop, after any scaling
	RiskScaled   bool    `json:"risk_scaled"`   // margin reduced to honor max risk
}

// Engine computes position sizes
type Engine struct {
	settings Settings
	logger   *logging.Logger
}

// NewEngine creates a risk engine with the given settings
func NewEngine(settings Settings, logger *logging.Logger) *Engine {
	if settings.DefaultLeverage <= 0 {
		settings.DefaultLeverage = 20
	}
	if settings.MinOrderSize <= 0 {
		settings.MinOrderSize = 0.001
	}
	if settings.MaxBalanceUsePercent <= 0 {
		settings.MaxBalanceUsePercent = 95.0
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		settings: settings,
		logger:   logger.WithComponent("risk"),
	}
}

// Settings returns a copy of the engine settings
func (e *Engine) Settings() Settings {
	return e.settings
}

// Size computes the order size for a signal against the account balance.
// Margin comes from the configured mode, leverage from the signal or the
// default, and the expected loss at the stop is capped at MaxRiskPercent of
// balance by scaling margin down.
func (e *Engine) Size(sig *parser.Signal, balance float64) (*SizedOrder, error) {
	if balance <= 0 {
		return nil, fmt.Errorf("sizing %s: balance %.2f: %w", sig.Symbol, balance, exchange.ErrInsufficientBalance)
	}
	if balance < e.settings.MinBalance {
		return nil, fmt.Errorf("sizing %s: balance %.2f below minimum %.2f: %w",
			sig.Symbol, balance, e.settings.MinBalance, exchange.ErrInsufficientBalance)
	}

	entry := sig.FirstEntry()
	if entry <= 0 {
		return nil, fmt.Errorf("sizing %s: no entry price: %w", sig.Symbol, exchange.ErrParseFailure)
	}

	margin := e.settings.FixedAmount
	if e.settings.Mode == ModePercent {
		margin = balance * e.settings.PercentAmount / 100.0
	}
	if margin <= 0 {
		return nil, fmt.Errorf("sizing %s: computed margin %.2f: %w", sig.Symbol, margin, exchange.ErrInsufficientBalance)
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = e.settings.DefaultLeverage
	}

	order := &SizedOrder{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		EntryPrice: entry,
		Leverage:   leverage,
	}

	// Scale margin down when the loss at the stop would exceed the risk cap.
	if sig.StopLoss > 0 {
		riskDistance := math.Abs(entry-sig.StopLoss) / entry
		expectedLoss := margin * riskDistance * float64(leverage)
		maxLoss := balance * e.settings.MaxRiskPercent / 100.0

		if e.settings.MaxRiskPercent > 0 && expectedLoss > maxLoss {
			scale := maxLoss / expectedLoss
			margin = margin * scale
			expectedLoss = maxLoss
			order.RiskScaled = true
			e.logger.Info("Scaled margin to honor risk cap",
				"symbol", sig.Symbol,
				"margin", margin,
				"expected_loss", expectedLoss,
				"max_loss", maxLoss)
		}
		order.ExpectedLoss = expectedLoss
	}

	notional := margin * float64(leverage)

	size := notional / entry
	if size < e.settings.MinOrderSize {
		size = e.settings.MinOrderSize
	}

	// Position value never exceeds the configured share of the balance.
	maxNotional := balance * e.settings.MaxBalanceUsePercent / 100.0
	if size*entry > maxNotional {
		size = maxNotional / entry
		e.logger.Warn("Position capped by balance limit",
			"symbol", sig.Symbol,
			"max_notional", maxNotional)
	}

	notional = size * entry
	margin = notional / float64(leverage)

	order.Size = size
	order.Notional = notional
	order.Margin = margin
	return order, nil
}

// ValidationResult aggregates trade pre-checks
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings"`
}

// ValidateRiskReward checks the reward-to-risk ratio of a signal against the
// first take profit. A poor ratio produces a warning, not a rejection.
func ValidateRiskReward(entry, stop, takeProfit float64) (float64, bool) {
	if entry <= 0 || stop <= 0 || takeProfit <= 0 {
		return 0, false
	}
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return 0, false
	}
	reward := math.Abs(takeProfit - entry)
	ratio := reward / risk
	return ratio, ratio >= MinRiskRewardRatio
}

// ValidateTrade runs pre-trade checks on a signal
func (e *Engine) ValidateTrade(sig *parser.Signal, balance float64) ValidationResult {
	result := ValidationResult{Valid: true}

	if balance <= 0 {
		result.Valid = false
		result.Warnings = append(result.Warnings, "no available balance")
		return result
	}
	if sig.FirstEntry() <= 0 {
		result.Valid = false
		result.Warnings = append(result.Warnings, "signal has no entry price")
		return result
	}
	if sig.StopLoss <= 0 {
		result.Warnings = append(result.Warnings, "signal has no stop loss")
	}
	if len(sig.TakeProfits) > 0 && sig.StopLoss > 0 {
		if ratio, ok := ValidateRiskReward(sig.FirstEntry(), sig.StopLoss, sig.TakeProfits[0]); !ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("risk/reward ratio %.2f below %.1f", ratio, MinRiskRewardRatio))
		}
	}
	return result
}
