package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := Default().WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// SignalContext creates a logger context for parsed signals
func SignalContext(channel, symbol, side string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"channel": channel,
		"symbol":  symbol,
		"side":    side,
	}).WithComponent("signal")
}

// ExecutionContext creates a logger context for order execution
func ExecutionContext(exchange, symbol, side string, size float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"exchange": exchange,
		"symbol":   symbol,
		"side":     side,
		"size":     size,
	}).WithComponent("execution")
}

// MonitorContext creates a logger context for signal monitoring
func MonitorContext(channel, symbol, state string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"channel": channel,
		"symbol":  symbol,
		"state":   state,
	}).WithComponent("monitor")
}

// ExchangeAPIContext creates a logger context for exchange API calls.
// Signature and key material never reach the log fields.
func ExchangeAPIContext(exchange, endpoint string, params map[string]interface{}) *Logger {
	l := Default().WithFields(map[string]interface{}{
		"exchange": exchange,
		"endpoint": endpoint,
	}).WithComponent("exchange")

	for k, v := range params {
		if k != "signature" && k != "apiKey" && k != "api_key" {
			l = l.WithField(k, v)
		}
	}

	return l
}

// NotificationContext creates a logger context for notification delivery
func NotificationContext(provider, dedupKey string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"provider":  provider,
		"dedup_key": dedupKey,
	}).WithComponent("notification")
}

// StoreContext creates a logger context for persistence operations
func StoreContext(operation, entity string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"entity":    entity,
	}).WithComponent("store")
}
