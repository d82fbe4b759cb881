package monitor

import (
	"context"

	"github.com/rs/zerolog"

	"copytrade-engine/internal/store"
)

// SignalStore persists monitored signals across restarts.
type SignalStore interface {
	Save(ctx context.Context, record store.SignalRecord) error
	LoadActive(ctx context.Context) ([]store.SignalRecord, error)
	Delete(ctx context.Context, key string) error
}

// Tracker records signal state transitions and mirrors them to storage.
type Tracker struct {
	repo   SignalStore
	logger zerolog.Logger
}

// NewTracker creates a tracker. repo may be nil, in which case state lives
// only in memory.
func NewTracker(repo SignalStore, logger zerolog.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		logger: logger.With().Str("component", "SignalTracker").Logger(),
	}
}

// Persist writes the signal's current state
func (t *Tracker) Persist(ctx context.Context, signal *MonitoredSignal) {
	if t.repo == nil {
		return
	}

	payload, err := signal.Marshal()
	if err != nil {
		t.logger.Error().Err(err).Str("key", signal.Key.String()).Msg("failed to serialize signal")
		return
	}
	record := store.SignalRecord{
		Key:     signal.Key.String(),
		State:   string(signal.State),
		Payload: payload,
	}
	if err := t.repo.Save(ctx, record); err != nil {
		t.logger.Error().Err(err).Str("key", signal.Key.String()).Msg("failed to persist signal")
	}
}

// OnEntryFilled logs the transition into the active state
func (t *Tracker) OnEntryFilled(ctx context.Context, signal *MonitoredSignal, price float64) {
	t.logger.Info().
		Str("symbol", signal.Symbol).
		Str("side", signal.Side).
		Str("channel", signal.Channel).
		Float64("entry", price).
		Msg("entry filled")
	t.Persist(ctx, signal)
}

// OnTargetHit logs a TP hit
func (t *Tracker) OnTargetHit(ctx context.Context, signal *MonitoredSignal, index int, price float64) {
	t.logger.Info().
		Str("symbol", signal.Symbol).
		Str("side", signal.Side).
		Int("tp", index).
		Float64("price", price).
		Int("hit", len(signal.TargetsHit)).
		Int("total", len(signal.TakeProfits)).
		Msg("take profit hit")
	t.Persist(ctx, signal)
}

// OnBreakeven logs the stop move after TP1
func (t *Tracker) OnBreakeven(ctx context.Context, signal *MonitoredSignal) {
	t.logger.Info().
		Str("symbol", signal.Symbol).
		Float64("stop", signal.EffectiveStop()).
		Msg("stop moved to break-even")
	t.Persist(ctx, signal)
}

// OnStopLoss logs an SL hit
func (t *Tracker) OnStopLoss(ctx context.Context, signal *MonitoredSignal, price float64) {
	t.logger.Warn().
		Str("symbol", signal.Symbol).
		Str("side", signal.Side).
		Float64("stop", signal.EffectiveStop()).
		Float64("price", price).
		Msg("stop loss hit")
	t.Persist(ctx, signal)
}

// OnCompleted logs the terminal transition
func (t *Tracker) OnCompleted(ctx context.Context, signal *MonitoredSignal, reason string) {
	t.logger.Info().
		Str("symbol", signal.Symbol).
		Str("channel", signal.Channel).
		Str("reason", reason).
		Msg("signal completed")
	t.Persist(ctx, signal)
}

// Restore loads every non-completed signal from storage
func (t *Tracker) Restore(ctx context.Context) ([]*MonitoredSignal, error) {
	if t.repo == nil {
		return nil, nil
	}

	records, err := t.repo.LoadActive(ctx)
	if err != nil {
		return nil, err
	}

	signals := make([]*MonitoredSignal, 0, len(records))
	for _, record := range records {
		signal, err := UnmarshalSignal(record.Payload)
		if err != nil {
			t.logger.Error().Err(err).Str("key", record.Key).Msg("skipping corrupt signal record")
			continue
		}
		signals = append(signals, signal)
	}
	t.logger.Info().Int("restored", len(signals)).Msg("restored monitored signals")
	return signals, nil
}
