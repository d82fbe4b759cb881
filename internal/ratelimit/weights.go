package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// WeightTracker mirrors request-weight usage reported by exchange response
// headers and tracks temporary bans parsed from rate limit errors.
type WeightTracker struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastUpdate    time.Time
	resetInterval time.Duration
	banUntil      time.Time
}

// NewWeightTracker creates a tracker for a weight limit per reset interval,
// e.g. 2400 per minute for Binance futures.
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	if limit <= 0 {
		limit = 2400
	}
	if resetInterval <= 0 {
		resetInterval = time.Minute
	}
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastUpdate:    time.Now(),
	}
}

// UpdateFromHeaders reads the used-weight headers from a response.
func (w *WeightTracker) UpdateFromHeaders(header http.Header) {
	value := header.Get("X-MBX-USED-WEIGHT-1M")
	if value == "" {
		value = header.Get("X-MBX-USED-WEIGHT")
	}
	if value == "" {
		return
	}
	used, err := strconv.Atoi(value)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.usedWeight = used
	w.lastUpdate = time.Now()
}

// Usage returns the current usage and limit.
func (w *WeightTracker) Usage() (used, limit int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastUpdate) >= w.resetInterval {
		return 0, w.limit
	}
	return w.usedWeight, w.limit
}

// NearLimit reports whether usage is at or beyond 90% of the window limit.
func (w *WeightTracker) NearLimit() bool {
	used, limit := w.Usage()
	return float64(used) >= float64(limit)*0.9
}

// RecordBan sets a ban expiry after a 418/429 response.
func (w *WeightTracker) RecordBan(until time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if until.After(w.banUntil) {
		w.banUntil = until
	}
}

// Banned reports whether requests are currently banned.
func (w *WeightTracker) Banned() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return time.Now().Before(w.banUntil)
}

var banUntilRe = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntil extracts the ban expiry timestamp from a -1003 error message.
func ParseBanUntil(message string) (time.Time, bool) {
	m := banUntilRe.FindStringSubmatch(message)
	if m == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
