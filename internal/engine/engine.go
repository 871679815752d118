package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/borrow"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/journal"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/risk"

	"go.uber.org/zap"
)

// ErrNoMarketData means the snapshot cache has expired (or never filled)
// and the engine refuses to size or adjust a position on it.
var ErrNoMarketData = errors.New("market snapshot expired")

const (
	commitAttempts = 3
	// fraction of the spot leg sold as a last resort when an emergency
	// unwind cannot close the swap leg
	deleverageFraction = 0.3
)

// Engine drives the carry position state machine. All work on a given
// position is serialized behind a per-position lock; every transition is
// committed to the store before the engine reports or notifies it.
type Engine struct {
	store   position.Store
	kv      exec.KV
	exec    *exec.Executor
	borrow  *borrow.Manager
	client  exchange.Client
	cache   *market.Cache
	journal *journal.Writer
	notify  alerts.Notifier
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     config.EngineConfig
	risk    config.RiskConfig

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	inflight    map[string]bool
	lastFunding map[string]fundingMark
	wg          sync.WaitGroup
}

// fundingMark remembers the upcoming settlement time and the rate last
// quoted for it, so the credit at the boundary uses the rate of the
// interval that actually settled.
type fundingMark struct {
	next time.Time
	rate float64
}

func New(store position.Store, kv exec.KV, executor *exec.Executor, borrowMgr *borrow.Manager, client exchange.Client,
	cache *market.Cache, jw *journal.Writer, notify alerts.Notifier, m *metrics.Metrics,
	cfg config.EngineConfig, riskCfg config.RiskConfig, log *zap.Logger) *Engine {
	if notify == nil {
		notify = alerts.NewNoop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{
		store:       store,
		kv:          kv,
		exec:        executor,
		borrow:      borrowMgr,
		client:      client,
		cache:       cache,
		journal:     jw,
		notify:      notify,
		metrics:     m,
		log:         log,
		cfg:         cfg,
		risk:        riskCfg,
		locks:       make(map[string]*sync.Mutex),
		inflight:    make(map[string]bool),
		lastFunding: make(map[string]fundingMark),
	}
}

// Run drains risk verdicts and performs periodic housekeeping (funding
// accrual, borrow reconciliation, journal snapshots) until ctx is canceled.
func (e *Engine) Run(ctx context.Context, events <-chan risk.Event) error {
	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			e.handleVerdict(ctx, ev)
		case <-ticker.C:
			e.housekeeping(ctx)
		}
	}
}

func (e *Engine) handleVerdict(ctx context.Context, ev risk.Event) {
	switch ev.Verdict.Kind {
	case risk.RebalanceNeeded:
		if err := e.Rebalance(ctx, ev.PositionID); err != nil {
			e.log.Error("rebalance failed", zap.String("position_id", ev.PositionID), zap.Error(err))
		}
	case risk.EmergencyUnwind:
		if err := e.EmergencyUnwind(ctx, ev.PositionID, ev.Verdict.Reason); err != nil {
			e.log.Error("emergency unwind failed", zap.String("position_id", ev.PositionID), zap.Error(err))
		}
	}
}

func (e *Engine) housekeeping(ctx context.Context) {
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		e.log.Error("list open positions", zap.Error(err))
		return
	}
	snap, fresh := e.cache.Current()
	for _, pos := range open {
		if pos.Status != position.StatusActive {
			continue
		}
		if fresh != market.Expired {
			e.accrueFunding(ctx, pos, snap)
		}
		e.reconcileBorrow(ctx, pos.ID)
		e.journalSnapshot(pos, snap)
	}
}

// ListOpen adapts the store for the risk monitor's Lister.
func (e *Engine) ListOpen(ctx context.Context) []position.CarryPosition {
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		e.log.Error("list open positions", zap.Error(err))
		return nil
	}
	return open
}

// Shutdown waits for in-flight operations until ctx expires, then marks the
// positions still mid-operation FAILED so the next start treats them as
// frozen rather than resumable.
func (e *Engine) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	e.mu.Lock()
	var stuck []string
	for id, busy := range e.inflight {
		if busy {
			stuck = append(stuck, id)
		}
	}
	e.mu.Unlock()
	failCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range stuck {
		if _, err := e.commit(failCtx, id, position.CauseShutdownDeadline, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
			if cur.Status.Terminal() {
				return cur, errAlreadyTerminal
			}
			cur.Status = position.StatusFailed
			return cur, nil
		}); err != nil && !errors.Is(err, errAlreadyTerminal) {
			e.log.Error("shutdown fail mark", zap.String("position_id", id), zap.Error(err))
			continue
		}
		e.notify.Emit(alerts.KindPositionFailed, map[string]any{
			"position_id": id,
			"reason":      "shutdown deadline exceeded mid-operation",
		})
	}
}

var errAlreadyTerminal = errors.New("position already terminal")

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func (e *Engine) begin(id string) func() {
	l := e.lockFor(id)
	l.Lock()
	e.wg.Add(1)
	e.mu.Lock()
	e.inflight[id] = true
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.inflight[id] = false
		e.mu.Unlock()
		e.wg.Done()
		l.Unlock()
	}
}

// commit loads the position, applies fn, and appends the transition. A
// version conflict means another writer got there first; reload and
// recompute rather than overwrite.
func (e *Engine) commit(ctx context.Context, id, cause string, orderIDs []string,
	fn func(cur position.CarryPosition) (position.CarryPosition, error)) (position.CarryPosition, error) {
	for attempt := 0; attempt < commitAttempts; attempt++ {
		cur, err := e.store.Load(ctx, id)
		if err != nil {
			return position.CarryPosition{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return cur, err
		}
		now := time.Now().UTC()
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		rec := position.TransitionRecord{
			PositionID: id,
			From:       cur.Status,
			To:         next.Status,
			Version:    next.Version,
			Time:       now,
			Cause:      cause,
			OrderIDs:   orderIDs,
		}
		committed, err := e.store.AppendTransition(ctx, next, rec)
		if errors.Is(err, position.ErrVersionConflict) {
			e.metrics.VersionConflicts.Inc()
			continue
		}
		if err != nil {
			return position.CarryPosition{}, err
		}
		e.afterCommit(committed, rec)
		return committed, nil
	}
	return position.CarryPosition{}, fmt.Errorf("position %s: give up after %d conflicts: %w",
		id, commitAttempts, position.ErrVersionConflict)
}

func (e *Engine) afterCommit(pos position.CarryPosition, rec position.TransitionRecord) {
	e.metrics.PositionStatus.Set(statusCode(pos.Status))
	e.metrics.HedgeDrift.Set(pos.HedgeDrift())
	e.metrics.FundingAccrued.Set(pos.FundingAccrued)
	e.metrics.BorrowOutstanding.Set(pos.BorrowAmount)
	e.journal.EnqueueTransition(journal.Transition{
		Time:       rec.Time,
		PositionID: rec.PositionID,
		From:       string(rec.From),
		To:         string(rec.To),
		Version:    rec.Version,
		Cause:      rec.Cause,
	})
	e.log.Info("transition committed",
		zap.String("position_id", pos.ID),
		zap.String("from", string(rec.From)),
		zap.String("to", string(rec.To)),
		zap.Int64("version", rec.Version),
		zap.String("cause", rec.Cause),
	)
}

func (e *Engine) fail(ctx context.Context, id, reason string, orderIDs []string) {
	if _, err := e.commit(ctx, id, position.CauseUnrecoverable, orderIDs, func(cur position.CarryPosition) (position.CarryPosition, error) {
		if cur.Status.Terminal() {
			return cur, errAlreadyTerminal
		}
		cur.Status = position.StatusFailed
		return cur, nil
	}); err != nil && !errors.Is(err, errAlreadyTerminal) {
		e.log.Error("failed to mark position failed", zap.String("position_id", id), zap.Error(err))
	}
	e.notify.Emit(alerts.KindPositionFailed, map[string]any{
		"position_id": id,
		"reason":      reason,
	})
}

func (e *Engine) journalSnapshot(pos position.CarryPosition, snap market.Snapshot) {
	dist := risk.LiquidationDistance(pos, snap)
	e.metrics.LiquidationDistance.Set(dist)
	e.journal.EnqueueSnapshot(journal.PositionSnapshot{
		Time:                time.Now().UTC(),
		PositionID:          pos.ID,
		Status:              string(pos.Status),
		SpotQty:             pos.SpotQty,
		FuturesQty:          pos.FuturesQty,
		BorrowAmount:        pos.BorrowAmount,
		EntryBasis:          pos.EntryBasis,
		FundingAccrued:      pos.FundingAccrued,
		SpotPrice:           snap.SpotPrice,
		FuturesPrice:        snap.FuturesPrice,
		FundingRate:         snap.FundingRate,
		HedgeDrift:          pos.HedgeDrift(),
		LiquidationDistance: dist,
	})
}

// snapshot returns current market data, treating an expired cache as a
// hard stop for anything that sizes or prices an order.
func (e *Engine) snapshot() (market.Snapshot, error) {
	snap, fresh := e.cache.Current()
	if fresh == market.Expired || snap.ObservedAt.IsZero() {
		return market.Snapshot{}, ErrNoMarketData
	}
	return snap, nil
}

func (e *Engine) instFor(leg exchange.Leg, pos position.CarryPosition) string {
	if leg == exchange.LegSwap {
		return pos.SwapInst
	}
	return pos.SpotInst
}

func statusCode(s position.Status) float64 {
	switch s {
	case position.StatusInit:
		return 0
	case position.StatusOpening:
		return 1
	case position.StatusActive:
		return 2
	case position.StatusRebalancing:
		return 3
	case position.StatusClosing:
		return 4
	case position.StatusEmergencyUnwind:
		return 5
	case position.StatusClosed:
		return 6
	default:
		return 7
	}
}
