package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"copytrade-engine/internal/coordinator"
	"copytrade-engine/internal/events"
	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/monitor"
	"copytrade-engine/internal/parser"
)

// fakeExecutor records executed signals and returns a canned two
// subscriber fan-out result.
type fakeExecutor struct {
	executed []*parser.Signal
	err      error
}

func (f *fakeExecutor) Execute(ctx context.Context, signal *parser.Signal) (*coordinator.GroupResult, error) {
	f.executed = append(f.executed, signal)
	if f.err != nil {
		return nil, f.err
	}
	return &coordinator.GroupResult{
		Signal:   signal,
		Exchange: exchange.KindMock,
		Results: []coordinator.SubscriberResult{
			{
				Subscriber: "alice",
				Execution: &coordinator.ExecutionResult{
					Signal:      signal,
					Exchange:    exchange.KindMock,
					ActualEntry: signal.FirstEntry(),
					Size:        0.3,
					DCAOrders: []*exchange.Order{
						{ID: "dca-1", Symbol: signal.Symbol},
					},
				},
			},
			{
				Subscriber: "bob",
				Execution: &coordinator.ExecutionResult{
					Signal:      signal,
					Exchange:    exchange.KindMock,
					ActualEntry: signal.FirstEntry(),
					Size:        0.2,
				},
			},
		},
		Succeeded:   2,
		ActualEntry: signal.FirstEntry(),
		TotalSize:   0.5,
		Bindings: []coordinator.Binding{
			{Subscriber: "alice", OrderID: "o-1", Size: 0.3},
			{Subscriber: "bob", OrderID: "o-2", Size: 0.2},
		},
	}, nil
}

// fakeMonitor is an in-memory Monitor for handler tests.
type fakeMonitor struct {
	tracked map[string]*monitor.MonitoredSignal
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{tracked: make(map[string]*monitor.MonitoredSignal)}
}

func (f *fakeMonitor) Track(ctx context.Context, signal *monitor.MonitoredSignal) {
	f.tracked[signal.Key.String()] = signal
}

func (f *fakeMonitor) Stats() monitor.Stats {
	stats := monitor.Stats{Total: len(f.tracked)}
	for _, s := range f.tracked {
		switch s.State {
		case monitor.StateWaitingEntry:
			stats.WaitingEntry++
		case monitor.StateActive:
			stats.Active++
		case monitor.StateCompleted:
			stats.Completed++
		}
	}
	return stats
}

func (f *fakeMonitor) Signals() []*monitor.MonitoredSignal {
	out := make([]*monitor.MonitoredSignal, 0, len(f.tracked))
	for _, s := range f.tracked {
		out = append(out, s)
	}
	return out
}

func (f *fakeMonitor) Remove(ctx context.Context, key string) bool {
	if _, ok := f.tracked[key]; !ok {
		return false
	}
	delete(f.tracked, key)
	return true
}

func testServer(t *testing.T, secret string, executor Executor) (*Server, *fakeMonitor) {
	t.Helper()
	engine := newFakeMonitor()
	executors := map[exchange.Kind]Executor{}
	if executor != nil {
		executors[exchange.KindMock] = executor
	}
	server := NewServer(
		Config{Host: "127.0.0.1", Port: 0, JWTSecret: secret},
		parser.New(),
		executors,
		engine,
		events.NewEventBus(),
		logging.Default(),
	)
	return server, engine
}

const signalText = `BTC/USDT LONG
Leverage: 10x
Entry: 45,000
Entry: 44,500
TP: 46000, 47000
SL: 43500`

func submitBody(monitorOnly bool) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"channel":      "alpha-calls",
		"message_id":   "m-100",
		"exchange":     "mock",
		"text":         signalText,
		"monitor_only": monitorOnly,
	})
	return body
}

// TestHealthEndpoint verifies the health route is public and reports healthy.
func TestHealthEndpoint(t *testing.T) {
	server, _ := testServer(t, "", nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal health response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
}

// TestSubmitSignalExecutesAndTracks verifies POST /api/signals parses the
// message, runs the executor and registers the signal for monitoring.
func TestSubmitSignalExecutesAndTracks(t *testing.T) {
	executor := &fakeExecutor{}
	server, engine := testServer(t, "", executor)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewReader(submitBody(false)))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	if len(executor.executed) != 1 {
		t.Fatalf("executed %d signals, want 1", len(executor.executed))
	}
	if executor.executed[0].Symbol != "BTC" {
		t.Errorf("executed symbol = %s, want BTC", executor.executed[0].Symbol)
	}
	if len(engine.tracked) != 1 {
		t.Fatalf("tracked %d signals, want 1", len(engine.tracked))
	}
	for _, tracked := range engine.tracked {
		if tracked.ActualEntryPrice != 45000 {
			t.Errorf("ActualEntryPrice = %v, want 45000", tracked.ActualEntryPrice)
		}
		if tracked.State != monitor.StateActive {
			t.Errorf("state = %s, want %s", tracked.State, monitor.StateActive)
		}
		if len(tracked.DCAOrderIDs) != 1 || tracked.DCAOrderIDs[0] != "dca-1" {
			t.Errorf("DCAOrderIDs = %v, want [dca-1]", tracked.DCAOrderIDs)
		}
		if len(tracked.Trades) != 2 {
			t.Fatalf("trades = %v, want bindings for both subscribers", tracked.Trades)
		}
		if tracked.Trades[0].Subscriber != "alice" || tracked.Trades[1].Subscriber != "bob" {
			t.Errorf("trade subscribers = %s/%s, want alice/bob",
				tracked.Trades[0].Subscriber, tracked.Trades[1].Subscriber)
		}
		if tracked.PositionSize != 0.5 {
			t.Errorf("position size = %v, want aggregate 0.5", tracked.PositionSize)
		}
	}
}

// TestSubmitSignalMonitorOnly verifies monitor_only skips execution but
// still tracks the signal in waiting state.
func TestSubmitSignalMonitorOnly(t *testing.T) {
	executor := &fakeExecutor{}
	server, engine := testServer(t, "", executor)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewReader(submitBody(true)))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	if len(executor.executed) != 0 {
		t.Errorf("executed %d signals, want 0", len(executor.executed))
	}
	if len(engine.tracked) != 1 {
		t.Fatalf("tracked %d signals, want 1", len(engine.tracked))
	}
	for _, tracked := range engine.tracked {
		if tracked.State != monitor.StateWaitingEntry {
			t.Errorf("state = %s, want %s", tracked.State, monitor.StateWaitingEntry)
		}
	}
}

// TestSubmitSignalExecutionFailure verifies a failed execution is reported
// and the signal is not tracked.
func TestSubmitSignalExecutionFailure(t *testing.T) {
	executor := &fakeExecutor{err: errors.New("insufficient balance")}
	server, engine := testServer(t, "", executor)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewReader(submitBody(false)))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("submit status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if len(engine.tracked) != 0 {
		t.Errorf("tracked %d signals, want 0", len(engine.tracked))
	}
}

// TestSubmitSignalUnknownExchange verifies an unsupported exchange is rejected.
func TestSubmitSignalUnknownExchange(t *testing.T) {
	server, _ := testServer(t, "", &fakeExecutor{})

	body, _ := json.Marshal(map[string]string{
		"channel":    "alpha-calls",
		"message_id": "m-1",
		"exchange":   "kraken",
		"text":       signalText,
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("submit status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// TestAuthRequiredForMutations verifies mutating routes reject requests
// without a valid bearer token when a JWT secret is configured.
func TestAuthRequiredForMutations(t *testing.T) {
	server, _ := testServer(t, "test-secret", &fakeExecutor{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewReader(submitBody(false)))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated submit status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	token, err := server.JWTManager().GenerateToken("ops")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewReader(submitBody(false)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("authenticated submit status = %d, body %s", w.Code, w.Body.String())
	}
}

// TestReadRoutesStayPublic verifies GET routes do not require auth even
// when a JWT secret is configured.
func TestReadRoutesStayPublic(t *testing.T) {
	server, _ := testServer(t, "test-secret", nil)

	for _, path := range []string{"/api/health", "/api/status", "/api/signals"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		server.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

// TestRemoveSignal verifies DELETE /api/signals/:key removes a tracked
// signal and reports 404 for unknown keys.
func TestRemoveSignal(t *testing.T) {
	server, engine := testServer(t, "", nil)

	tracked := monitor.NewMonitoredSignal(&parser.Signal{
		ID:          "sig-1",
		Channel:     "alpha-calls",
		MessageID:   "m-1",
		Symbol:      "ETH",
		Side:        "buy",
		Entries:     []float64{2500},
		TakeProfits: []float64{2600},
		StopLoss:    2400,
	}, exchange.KindMock)
	engine.Track(context.Background(), tracked)

	key := tracked.Key.String()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/signals/"+url.PathEscape(key), nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", w.Code, w.Body.String())
	}
	if len(engine.tracked) != 0 {
		t.Errorf("tracked %d signals after delete, want 0", len(engine.tracked))
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/signals/"+url.PathEscape(key), nil)
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestTokenRoundTrip verifies token generation and validation including
// expiry handling.
func TestTokenRoundTrip(t *testing.T) {
	manager := NewJWTManager("secret", time.Hour)
	token, err := manager.GenerateToken("ops")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.Client != "ops" {
		t.Errorf("client = %s, want ops", claims.Client)
	}

	expired := NewJWTManager("secret", -time.Hour)
	token, err = expired.GenerateToken("ops")
	if err != nil {
		t.Fatalf("generate expired token: %v", err)
	}
	if _, err := manager.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token error = %v, want %v", err, ErrTokenExpired)
	}

	other := NewJWTManager("other-secret", time.Hour)
	token, _ = other.GenerateToken("ops")
	if _, err := manager.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong-secret token error = %v, want %v", err, ErrInvalidToken)
	}
}
