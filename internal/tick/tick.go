// Package tick resolves price tick sizes and snaps order prices to them.
// Resolution order: known lookup table, discovered cache, price-magnitude
// heuristic.
package tick

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
)

// Known tick sizes for the majors. Discovered sizes for everything else are
// cached and persisted.
var tickSizeLookup = map[string]float64{
	"BTC":   0.5,
	"ETH":   0.05,
	"SOL":   0.001,
	"BNB":   0.01,
	"XRP":   0.0001,
	"ADA":   0.0001,
	"DOGE":  0.00001,
	"AVAX":  0.001,
	"LINK":  0.001,
	"DOT":   0.001,
	"LTC":   0.01,
	"ATOM":  0.001,
	"NEAR":  0.0001,
	"APT":   0.001,
	"ARB":   0.0001,
	"OP":    0.0001,
	"SUI":   0.0001,
	"INJ":   0.001,
	"TIA":   0.0001,
	"SEI":   0.00001,
}

// commonTicks is the fallback candidate order when nothing else works.
var commonTicks = []float64{0.01, 0.001, 0.0001, 0.5, 0.05, 0.00001, 0.1, 1.0}

// CacheStore persists discovered tick sizes across restarts.
type CacheStore interface {
	LoadTickSizes(ctx context.Context) (map[string]float64, error)
	SaveTickSize(ctx context.Context, symbol string, size float64) error
}

// Resolver resolves and caches tick sizes per symbol.
type Resolver struct {
	mu         sync.RWMutex
	discovered map[string]float64
	store      CacheStore
}

// NewResolver creates a resolver backed by an optional persistent store.
func NewResolver(store CacheStore) *Resolver {
	return &Resolver{
		discovered: make(map[string]float64),
		store:      store,
	}
}

// Load warms the discovered cache from the store.
func (r *Resolver) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	sizes, err := r.store.LoadTickSizes(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for symbol, size := range sizes {
		if size > 0 {
			r.discovered[symbol] = size
		}
	}
	return nil
}

// Resolve returns the best tick size guess for a symbol at a reference price.
func (r *Resolver) Resolve(symbol string, price float64) float64 {
	if size, ok := tickSizeLookup[symbol]; ok {
		return size
	}

	r.mu.RLock()
	size, ok := r.discovered[symbol]
	r.mu.RUnlock()
	if ok {
		return size
	}

	return HeuristicTick(price)
}

// Remember records a tick size confirmed by a successful order and persists it.
func (r *Resolver) Remember(ctx context.Context, symbol string, size float64) {
	if size <= 0 {
		return
	}
	r.mu.Lock()
	r.discovered[symbol] = size
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.SaveTickSize(ctx, symbol, size)
	}
}

// Candidates returns tick sizes to try for a symbol, best guess first:
// lookup, cached discovery, decimals-derived, then the common fallback list.
func (r *Resolver) Candidates(symbol string, price float64, pxDecimals int) []float64 {
	var candidates []float64
	seen := make(map[float64]bool)

	add := func(size float64) {
		if size > 0 && !seen[size] {
			seen[size] = true
			candidates = append(candidates, size)
		}
	}

	if size, ok := tickSizeLookup[symbol]; ok {
		add(size)
	}
	r.mu.RLock()
	if size, ok := r.discovered[symbol]; ok {
		add(size)
	}
	r.mu.RUnlock()
	if pxDecimals > 0 {
		add(math.Pow(10, -float64(pxDecimals)))
	}
	add(HeuristicTick(price))
	for _, size := range commonTicks {
		add(size)
	}

	return candidates
}

// HeuristicTick guesses a tick size from the price magnitude.
func HeuristicTick(price float64) float64 {
	switch {
	case price >= 10000:
		return 0.5
	case price >= 1000:
		return 0.1
	case price >= 100:
		return 0.01
	case price >= 10:
		return 0.001
	case price >= 1:
		return 0.0001
	default:
		return 0.00001
	}
}

// Snap rounds a price onto the tick grid: up for buys so a resting buy still
// crosses, down for sells. The result is rounded to the tick's decimal
// precision to avoid float drift.
func Snap(price, tickSize float64, side string) float64 {
	if tickSize <= 0 || price <= 0 {
		return price
	}

	ratio := price / tickSize
	var units float64
	if side == "buy" {
		units = math.Ceil(ratio - 1e-9)
	} else {
		units = math.Floor(ratio + 1e-9)
	}

	decimals := tickDecimals(tickSize)
	scale := math.Pow(10, float64(decimals))
	return math.Round(units*tickSize*scale) / scale
}

// tickDecimals returns the number of decimal places a tick size needs.
func tickDecimals(tickSize float64) int {
	s := strconv.FormatFloat(tickSize, 'f', -1, 64)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return len(s) - i - 1
		}
	}
	return 0
}

// KnownSymbols returns the symbols in the static lookup, sorted. Used by the
// status API.
func KnownSymbols() []string {
	symbols := make([]string, 0, len(tickSizeLookup))
	for s := range tickSizeLookup {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
