package risk

import (
	"context"
	"time"

	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"

	"go.uber.org/zap"
)

// Event pairs a verdict with the position and snapshot it was computed
// from, so the engine acts on exactly what the monitor saw.
type Event struct {
	PositionID string
	Verdict    Verdict
	Snapshot   market.Snapshot
}

// Lister supplies the open positions to evaluate each cycle.
type Lister func(ctx context.Context) []position.CarryPosition

// Monitor runs the evaluator on a fixed cadence and on every snapshot push.
// It only reads shared state; verdicts go out on a queue the engine drains.
type Monitor struct {
	cache    *market.Cache
	eval     *Evaluator
	list     Lister
	interval time.Duration
	log      *zap.Logger
	out      chan Event
}

func NewMonitor(cache *market.Cache, eval *Evaluator, list Lister, interval time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		cache:    cache,
		eval:     eval,
		list:     list,
		interval: interval,
		log:      log,
		out:      make(chan Event, 16),
	}
}

func (m *Monitor) Events() <-chan Event {
	return m.out
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.cache.Updates():
		}
		m.sweep(ctx)
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	snap, fresh := m.cache.Current()
	if fresh != market.Expired && snap.ObservedAt.IsZero() {
		// the feed has not delivered its first tick yet; expiry will
		// surface once the startup grace runs out
		return
	}
	for _, pos := range m.list(ctx) {
		if pos.Status != position.StatusActive && pos.Status != position.StatusRebalancing {
			continue
		}
		verdict := m.eval.Evaluate(pos, snap, fresh)
		if verdict.Kind == Healthy {
			continue
		}
		m.log.Info("risk verdict",
			zap.String("position_id", pos.ID),
			zap.String("verdict", verdict.Kind.String()),
			zap.String("reason", verdict.Reason),
		)
		select {
		case m.out <- Event{PositionID: pos.ID, Verdict: verdict, Snapshot: snap}:
		case <-ctx.Done():
			return
		}
	}
}
