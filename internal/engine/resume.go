package engine

import (
	"context"
	"errors"

	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/rebalance"

	"go.uber.org/zap"
)

// Resume restores every non-terminal position found in the store after a
// restart. The store only ever lags the exchange, so resuming means
// finishing the recorded state's in-flight work, never inventing progress:
// an OPENING position stays OPENING until both legs are verified complete.
func (e *Engine) Resume(ctx context.Context) error {
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		e.log.Info("resuming position",
			zap.String("position_id", pos.ID),
			zap.String("status", string(pos.Status)),
		)
		switch pos.Status {
		case position.StatusInit:
			// open was requested but nothing committed against the
			// exchange yet; safe to abort
			e.fail(ctx, pos.ID, "restart before opening began", nil)
		case position.StatusOpening:
			e.resumeOpen(ctx, pos)
		case position.StatusRebalancing:
			e.resumeRebalance(ctx, pos)
		case position.StatusClosing:
			func() {
				done := e.begin(pos.ID)
				defer done()
				if err := e.finishClose(ctx, pos); err != nil {
					e.log.Error("resume close", zap.String("position_id", pos.ID), zap.Error(err))
				}
			}()
		case position.StatusEmergencyUnwind:
			func() {
				done := e.begin(pos.ID)
				defer done()
				if err := e.finishUnwind(ctx, pos); err != nil {
					e.log.Error("resume unwind", zap.String("position_id", pos.ID), zap.Error(err))
				}
			}()
		case position.StatusActive:
			e.reconcileBorrow(ctx, pos.ID)
		}
	}
	return nil
}

func (e *Engine) resumeOpen(ctx context.Context, pos position.CarryPosition) {
	done := e.begin(pos.ID)
	defer done()

	target, ok := e.loadTarget(ctx, pos.ID)
	if !ok {
		// target quantity lost; fall back to the larger recorded leg
		if pos.SpotQty > target {
			target = pos.SpotQty
		}
		if pos.FuturesQty > target {
			target = pos.FuturesQty
		}
	}
	if target <= qtyEpsilon {
		// nothing recorded filled and no target to chase
		if _, err := e.abandonOpen(ctx, pos, errors.New("restart lost open target")); err != nil {
			e.log.Error("abandon on resume", zap.String("position_id", pos.ID), zap.Error(err))
		}
		return
	}
	if _, err := e.openLegs(ctx, pos, target); err != nil {
		e.log.Error("resume open", zap.String("position_id", pos.ID), zap.Error(err))
	}
}

func (e *Engine) resumeRebalance(ctx context.Context, pos position.CarryPosition) {
	done := e.begin(pos.ID)
	defer done()

	if pos.HedgeDrift() <= pos.Thresholds.RebalanceBand {
		// the adjustment landed before the crash; only the commit is missing
		if _, err := e.commit(ctx, pos.ID, position.CauseAdjustmentFilled, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
			cur.Status = position.StatusActive
			return cur, nil
		}); err != nil {
			e.log.Error("resume rebalance commit", zap.String("position_id", pos.ID), zap.Error(err))
		}
		return
	}
	snap, err := e.snapshot()
	if err != nil {
		e.log.Warn("resume rebalance without market data", zap.String("position_id", pos.ID))
		return
	}
	plan, err := rebalance.Compute(pos, snap)
	if errors.Is(err, rebalance.ErrEscalateUnwind) {
		if uerr := e.emergencyUnwind(ctx, pos.ID, err.Error()); uerr != nil {
			e.log.Error("resume escalation", zap.String("position_id", pos.ID), zap.Error(uerr))
		}
		return
	}
	if err != nil {
		e.log.Error("resume rebalance plan", zap.String("position_id", pos.ID), zap.Error(err))
		return
	}
	if err := e.adjust(ctx, pos, plan); err != nil {
		e.log.Error("resume rebalance", zap.String("position_id", pos.ID), zap.Error(err))
	}
}
