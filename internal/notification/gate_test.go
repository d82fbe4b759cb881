package notification

import (
	"context"
	"sync"
	"testing"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/store"
)

// recordingNotifier captures sent notifications for assertions
type recordingNotifier struct {
	mu   sync.Mutex
	sent []*Notification
}

func (r *recordingNotifier) Send(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}
func (r *recordingNotifier) Name() string    { return "recording" }
func (r *recordingNotifier) IsEnabled() bool { return true }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testGate() (*Gate, *recordingNotifier) {
	rec := &recordingNotifier{}
	manager := NewManager(nil)
	manager.AddNotifier(rec)
	dedup := store.NewDedupStore(nil, 0, nil)
	return NewGate(manager, dedup, events.NewEventBus(), nil), rec
}

// TestTakeProfitNotifiesOnce verifies repeated TP hits suppress
func TestTakeProfitNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	gate, rec := testGate()

	sent, err := gate.NotifyTakeProfit(ctx, "channel-a", "BTC", "buy", 1, 46000, 46010)
	if err != nil {
		t.Fatalf("NotifyTakeProfit: %v", err)
	}
	if !sent {
		t.Fatal("first TP notification must send")
	}

	sent, _ = gate.NotifyTakeProfit(ctx, "channel-a", "BTC", "buy", 1, 46000, 46050)
	if sent {
		t.Error("second TP notification must suppress")
	}
	if rec.count() != 1 {
		t.Errorf("provider received %d messages, want 1", rec.count())
	}
}

// TestDistinctLevelsNotifyIndependently verifies TP levels and channels
// have their own keys
func TestDistinctLevelsNotifyIndependently(t *testing.T) {
	ctx := context.Background()
	gate, rec := testGate()

	gate.NotifyTakeProfit(ctx, "channel-a", "BTC", "buy", 1, 46000, 46010)
	gate.NotifyTakeProfit(ctx, "channel-a", "BTC", "buy", 2, 47000, 47010)
	gate.NotifyTakeProfit(ctx, "channel-b", "BTC", "buy", 1, 46000, 46010)

	if rec.count() != 3 {
		t.Errorf("provider received %d messages, want 3", rec.count())
	}
}

// TestStopLossAndClosedDedup verifies SL and closed alerts gate separately
func TestStopLossAndClosedDedup(t *testing.T) {
	ctx := context.Background()
	gate, rec := testGate()

	if sent, _ := gate.NotifyStopLoss(ctx, "channel-a", "ETH", "sell", 3100, 3099); !sent {
		t.Fatal("first SL notification must send")
	}
	if sent, _ := gate.NotifyStopLoss(ctx, "channel-a", "ETH", "sell", 3100, 3105); sent {
		t.Error("duplicate SL notification must suppress")
	}
	if sent, _ := gate.NotifyClosed(ctx, "channel-a", "ETH", "sell", "stop loss"); !sent {
		t.Error("closed notification has its own key and must send")
	}
	if rec.count() != 2 {
		t.Errorf("provider received %d messages, want 2", rec.count())
	}
}

// TestPreloadSuppressesReplays verifies restored targets never re-notify
func TestPreloadSuppressesReplays(t *testing.T) {
	ctx := context.Background()
	gate, rec := testGate()

	gate.Preload(ctx, []string{
		TPKey("BTC", "buy", 1, 46000, "channel-a"),
		TPKey("BTC", "buy", 2, 47000, "channel-a"),
	})

	if sent, _ := gate.NotifyTakeProfit(ctx, "channel-a", "BTC", "buy", 1, 46000, 46010); sent {
		t.Error("preloaded TP1 must suppress")
	}
	if sent, _ := gate.NotifyTakeProfit(ctx, "channel-a", "BTC", "buy", 3, 48000, 48010); !sent {
		t.Error("unhit TP3 must still send")
	}
	if rec.count() != 1 {
		t.Errorf("provider received %d messages, want 1", rec.count())
	}
}

// TestDCACancelKeyPerSignal verifies DCA cleanup dedups on signal id
func TestDCACancelKeyPerSignal(t *testing.T) {
	ctx := context.Background()
	gate, _ := testGate()

	if sent, _ := gate.NotifyDCACancelled(ctx, "sig-1", "channel-a", "BTC", "buy", 2); !sent {
		t.Fatal("first DCA cancel must send")
	}
	if sent, _ := gate.NotifyDCACancelled(ctx, "sig-1", "channel-a", "BTC", "buy", 2); sent {
		t.Error("repeat DCA cancel for the same signal must suppress")
	}
	if sent, _ := gate.NotifyDCACancelled(ctx, "sig-2", "channel-a", "BTC", "buy", 1); !sent {
		t.Error("different signal must send")
	}
}
