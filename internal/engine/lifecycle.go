package engine

import (
	"context"
	"errors"
	"fmt"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/rebalance"

	"go.uber.org/zap"
)

// Rebalance restores the 1:1 hedge with the minimal adjustment to the
// smaller leg. A plan that would breach the borrow limit escalates to an
// emergency unwind instead.
func (e *Engine) Rebalance(ctx context.Context, id string) error {
	done := e.begin(id)
	defer done()

	pos, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if pos.Status != position.StatusActive {
		// the verdict raced a lifecycle change; nothing to do
		return nil
	}
	snap, err := e.snapshot()
	if err != nil {
		return err
	}
	plan, err := rebalance.Compute(pos, snap)
	if errors.Is(err, rebalance.ErrEscalateUnwind) {
		return e.emergencyUnwind(ctx, id, err.Error())
	}
	if err != nil {
		return err
	}

	pos, err = e.commit(ctx, id, position.CauseRebalanceNeeded, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
		cur.Status = position.StatusRebalancing
		return cur, nil
	})
	if err != nil {
		return err
	}
	return e.adjust(ctx, pos, plan)
}

func (e *Engine) adjust(ctx context.Context, pos position.CarryPosition, plan rebalance.Plan) error {
	cloid := openCloid(pos.ID, "rebal", int(pos.Version))
	filled, orderID, err := e.fillLeg(ctx, pos, plan.Leg, plan.Side, plan.DeltaQty, cloid)
	if err != nil {
		if exchange.IsReject(err) {
			e.fail(ctx, pos.ID, fmt.Sprintf("rebalance rejected: %v", err), orderIDs(orderID))
			return err
		}
		// an unfinished adjustment leaves the hedge broken; close out
		e.log.Error("rebalance fill failed, unwinding", zap.String("position_id", pos.ID), zap.Error(err))
		return e.emergencyUnwind(ctx, pos.ID, fmt.Sprintf("rebalance failed: %v", err))
	}

	snap, _ := e.cache.Current()
	pos, err = e.commit(ctx, pos.ID, position.CauseAdjustmentFilled, orderIDs(orderID), func(cur position.CarryPosition) (position.CarryPosition, error) {
		cur.Status = position.StatusActive
		if plan.Leg == exchange.LegSwap {
			cur.FuturesQty += filled
		} else {
			cur.SpotQty += filled
		}
		cur.EntryBasis = snap.Basis()
		return cur, nil
	})
	if err != nil {
		return err
	}
	e.metrics.Rebalances.Inc()
	e.notify.Emit(alerts.KindRebalanced, map[string]any{
		"position_id": pos.ID,
		"leg":         string(plan.Leg),
		"delta_qty":   plan.DeltaQty,
		"reason":      plan.Reason,
	})
	return nil
}

// Close winds an ACTIVE position down in an orderly way: buy back the swap
// leg, sell the spot leg, repay the loan.
func (e *Engine) Close(ctx context.Context, id string) error {
	done := e.begin(id)
	defer done()

	pos, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if pos.Status != position.StatusActive {
		return fmt.Errorf("position %s is %s, not %s", id, pos.Status, position.StatusActive)
	}
	pos, err = e.commit(ctx, id, position.CauseCloseRequested, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
		cur.Status = position.StatusClosing
		return cur, nil
	})
	if err != nil {
		return err
	}
	return e.finishClose(ctx, pos)
}

func (e *Engine) finishClose(ctx context.Context, pos position.CarryPosition) error {
	var ids []string
	if pos.FuturesQty > qtyEpsilon {
		_, orderID, err := e.fillLeg(ctx, pos, exchange.LegSwap, exchange.Buy, pos.FuturesQty, openCloid(pos.ID, "closeswap", 0))
		ids = append(ids, orderID)
		if err != nil {
			e.fail(ctx, pos.ID, fmt.Sprintf("close swap leg: %v", err), ids)
			return err
		}
	}
	if pos.SpotQty > qtyEpsilon {
		_, orderID, err := e.fillLeg(ctx, pos, exchange.LegSpot, exchange.Sell, pos.SpotQty, openCloid(pos.ID, "closespot", 0))
		ids = append(ids, orderID)
		if err != nil {
			e.fail(ctx, pos.ID, fmt.Sprintf("close spot leg: %v", err), ids)
			return err
		}
	}
	if err := e.borrow.RepayAll(ctx); err != nil {
		e.fail(ctx, pos.ID, fmt.Sprintf("repay on close: %v", err), ids)
		return err
	}
	pos, err := e.commit(ctx, pos.ID, position.CauseLegsClosed, ids, func(cur position.CarryPosition) (position.CarryPosition, error) {
		cur.Status = position.StatusClosed
		cur.SpotQty = 0
		cur.FuturesQty = 0
		cur.BorrowAmount = 0
		return cur, nil
	})
	if err != nil {
		return err
	}
	e.notify.Emit(alerts.KindPositionClosed, map[string]any{
		"position_id":     pos.ID,
		"funding_accrued": pos.FundingAccrued,
	})
	return nil
}

// EmergencyUnwind market-closes both legs immediately and repays the loan.
// Capital preservation: it never waits for better prices.
func (e *Engine) EmergencyUnwind(ctx context.Context, id, reason string) error {
	done := e.begin(id)
	defer done()
	return e.emergencyUnwind(ctx, id, reason)
}

// caller holds the position lock
func (e *Engine) emergencyUnwind(ctx context.Context, id, reason string) error {
	pos, err := e.commit(ctx, id, position.CauseEmergencyUnwind, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
		if cur.Status != position.StatusActive && cur.Status != position.StatusRebalancing {
			return cur, fmt.Errorf("cannot unwind from %s", cur.Status)
		}
		cur.Status = position.StatusEmergencyUnwind
		return cur, nil
	})
	if err != nil {
		return err
	}
	e.metrics.EmergencyUnwinds.Inc()
	e.notify.Emit(alerts.KindEmergencyUnwind, map[string]any{
		"position_id": id,
		"reason":      reason,
	})
	return e.finishUnwind(ctx, pos)
}

func (e *Engine) finishUnwind(ctx context.Context, pos position.CarryPosition) error {
	var ids []string
	swapClosed := pos.FuturesQty <= qtyEpsilon
	if !swapClosed {
		_, orderID, err := e.fillLeg(ctx, pos, exchange.LegSwap, exchange.Buy, pos.FuturesQty, openCloid(pos.ID, "unwindswap", 0))
		ids = append(ids, orderID)
		if err != nil {
			e.log.Error("unwind swap leg failed", zap.String("position_id", pos.ID), zap.Error(err))
		} else {
			swapClosed = true
		}
	}
	if pos.SpotQty > qtyEpsilon {
		qty := pos.SpotQty
		if !swapClosed {
			// swap leg is stuck; cut part of the spot exposure rather than
			// dumping the whole leg into an unhedged book
			qty = floorToLot(pos.SpotQty*deleverageFraction, e.cfg.LotSize)
		}
		if qty > qtyEpsilon {
			_, orderID, err := e.fillLeg(ctx, pos, exchange.LegSpot, exchange.Sell, qty, openCloid(pos.ID, "unwindspot", 0))
			ids = append(ids, orderID)
			if err != nil {
				e.log.Error("unwind spot leg failed", zap.String("position_id", pos.ID), zap.Error(err))
			}
		}
	}
	if !swapClosed {
		e.fail(ctx, pos.ID, "emergency unwind could not close swap leg", ids)
		return fmt.Errorf("emergency unwind incomplete for %s", pos.ID)
	}
	if err := e.borrow.RepayAll(ctx); err != nil {
		e.fail(ctx, pos.ID, fmt.Sprintf("repay on unwind: %v", err), ids)
		return err
	}
	_, err := e.commit(ctx, pos.ID, position.CauseLegsClosed, ids, func(cur position.CarryPosition) (position.CarryPosition, error) {
		cur.Status = position.StatusClosed
		cur.SpotQty = 0
		cur.FuturesQty = 0
		cur.BorrowAmount = 0
		return cur, nil
	})
	return err
}

// accrueFunding credits the short leg's funding payment once per funding
// interval. Negative intervals are the risk monitor's problem; accrued
// funding stays monotone.
func (e *Engine) accrueFunding(ctx context.Context, pos position.CarryPosition, snap market.Snapshot) {
	if snap.NextFundingTime.IsZero() || pos.FuturesQty <= 0 {
		return
	}
	e.mu.Lock()
	last, seen := e.lastFunding[pos.ID]
	boundary := seen && !snap.NextFundingTime.Equal(last.next)
	e.lastFunding[pos.ID] = fundingMark{next: snap.NextFundingTime, rate: snap.FundingRate}
	e.mu.Unlock()
	if !boundary {
		return
	}
	// the payment that just settled was quoted during the previous
	// interval, not at the rate the new interval opens with
	accrual := last.rate * pos.FuturesQty * snap.FuturesPrice
	if accrual <= 0 {
		return
	}

	done := e.begin(pos.ID)
	defer done()
	pos2, err := e.commit(ctx, pos.ID, position.CauseFundingReceipt, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
		if cur.Status != position.StatusActive {
			return cur, errAlreadyTerminal
		}
		cur.Status = position.StatusActive
		cur.FundingAccrued += accrual
		return cur, nil
	})
	if err != nil {
		if !errors.Is(err, errAlreadyTerminal) {
			e.log.Error("funding accrual", zap.String("position_id", pos.ID), zap.Error(err))
		}
		return
	}
	e.notify.Emit(alerts.KindFundingReceipt, map[string]any{
		"position_id": pos2.ID,
		"amount":      accrual,
		"total":       pos2.FundingAccrued,
	})
}

// reconcileBorrow aligns the recorded loan with the exchange-reported
// outstanding amount (interest accrual, partial liquidation).
func (e *Engine) reconcileBorrow(ctx context.Context, id string) {
	done := e.begin(id)
	defer done()

	pos, err := e.store.Load(ctx, id)
	if err != nil || pos.Status != position.StatusActive {
		return
	}
	bal, err := e.client.AccountBalance(ctx)
	if err != nil {
		e.log.Warn("balance fetch for reconcile", zap.Error(err))
		return
	}
	if drift := e.borrow.Reconcile(pos, bal); drift == 0 {
		return
	}
	if _, err := e.commit(ctx, id, position.CauseBorrowReconcile, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
		if cur.Status != position.StatusActive {
			return cur, errAlreadyTerminal
		}
		cur.Status = position.StatusActive
		cur.BorrowAmount = bal.OutstandingLoanUSD
		return cur, nil
	}); err != nil && !errors.Is(err, errAlreadyTerminal) {
		e.log.Error("borrow reconcile", zap.String("position_id", id), zap.Error(err))
	}
}

func orderIDs(ids ...string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
