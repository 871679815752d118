package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/borrow"
	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/position"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const qtyEpsilon = 1e-9

// Open sizes and opens a new carry position: borrow, buy spot, short the
// swap. Returns the position in ACTIVE, or an error with the position left
// in a recoverable (OPENING) or terminal (FAILED) state.
func (e *Engine) Open(ctx context.Context) (position.CarryPosition, error) {
	snap, err := e.snapshot()
	if err != nil {
		return position.CarryPosition{}, err
	}
	if snap.SpotPrice <= 0 {
		return position.CarryPosition{}, fmt.Errorf("%w: no spot price", ErrNoMarketData)
	}

	equity := e.cfg.EquityUSD
	if equity <= 0 {
		bal, err := e.client.AccountBalance(ctx)
		if err != nil {
			return position.CarryPosition{}, fmt.Errorf("account balance: %w", err)
		}
		equity = bal.EquityUSD
	}

	// target notional: equity levered by the borrow multiplier, with a
	// haircut so fees and slippage never push the buy past available funds
	notional := equity * (1 + e.cfg.BorrowMultiplier) * e.cfg.EquityHaircut
	targetQty := floorToLot(notional/snap.SpotPrice, e.cfg.LotSize)
	if targetQty <= 0 {
		return position.CarryPosition{}, fmt.Errorf("sized quantity %.8f below lot size %.8f",
			notional/snap.SpotPrice, e.cfg.LotSize)
	}
	notional = targetQty * snap.SpotPrice
	loan, err := borrow.Required(notional, equity, e.cfg.BorrowMultiplier)
	if err != nil {
		return position.CarryPosition{}, err
	}
	if err := borrow.CheckLimit(loan, equity, e.cfg.MaxLoanToValue); err != nil {
		return position.CarryPosition{}, err
	}

	now := time.Now().UTC()
	pos := position.CarryPosition{
		ID:       uuid.NewString(),
		SpotInst: e.cfg.SpotInst,
		SwapInst: e.cfg.SwapInst,
		Status:   position.StatusInit,
		Thresholds: position.RiskThresholds{
			HedgeTolerance:       e.risk.HedgeTolerance,
			RebalanceBand:        e.risk.RebalanceBand,
			LiquidationFloor:     e.risk.LiquidationFloor,
			FundingFlipIntervals: e.risk.FundingFlipIntervals,
			MaxBorrowAPR:         e.risk.MaxBorrowAPR,
			BorrowMultiplier:     e.cfg.BorrowMultiplier,
			MaxLoanToValue:       e.cfg.MaxLoanToValue,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, pos); err != nil {
		return position.CarryPosition{}, fmt.Errorf("create position: %w", err)
	}

	done := e.begin(pos.ID)
	defer done()

	e.setTarget(ctx, pos.ID, targetQty)
	pos, err = e.commit(ctx, pos.ID, position.CauseOpenRequested, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
		cur.Status = position.StatusOpening
		cur.BorrowAmount = loan
		return cur, nil
	})
	if err != nil {
		return pos, err
	}

	if err := e.borrow.Borrow(ctx, loan); err != nil {
		e.fail(ctx, pos.ID, fmt.Sprintf("borrow failed: %v", err), nil)
		return pos, err
	}
	return e.openLegs(ctx, pos, targetQty)
}

// openLegs drives the OPENING state to completion: buy the spot leg, then
// short the swap leg, retrying remainders with backoff. A leg counts as
// filled only once its cumulative quantity reaches the target.
func (e *Engine) openLegs(ctx context.Context, pos position.CarryPosition, targetQty float64) (position.CarryPosition, error) {
	backoff := e.cfg.RetryBackoff
	for attempt := 0; attempt <= e.cfg.MaxOrderRetries; attempt++ {
		if attempt > 0 {
			var err error
			pos, err = e.commit(ctx, pos.ID, position.CauseOpenRetry, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
				cur.Status = position.StatusOpening
				return cur, nil
			})
			if err != nil {
				return pos, err
			}
			select {
			case <-ctx.Done():
				return pos, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			// never size a retried order on a dead feed
			if _, err := e.snapshot(); err != nil {
				continue
			}
		}

		if remaining := targetQty - pos.SpotQty; remaining > qtyEpsilon {
			cloid := openCloid(pos.ID, "spot", attempt)
			filled, orderID, err := e.fillLeg(ctx, pos, exchange.LegSpot, exchange.Buy, remaining, cloid)
			pos = e.recordLegFill(ctx, pos, filled, orderID, func(cur *position.CarryPosition) {
				cur.SpotQty += filled
			})
			if err != nil {
				if exchange.IsReject(err) {
					return e.abandonOpen(ctx, pos, err)
				}
				e.log.Warn("spot leg fill incomplete", zap.String("position_id", pos.ID), zap.Error(err))
			}
			if targetQty-pos.SpotQty > qtyEpsilon {
				continue
			}
		}

		if remaining := targetQty - pos.FuturesQty; remaining > qtyEpsilon {
			cloid := openCloid(pos.ID, "swap", attempt)
			filled, orderID, err := e.fillLeg(ctx, pos, exchange.LegSwap, exchange.Sell, remaining, cloid)
			pos = e.recordLegFill(ctx, pos, filled, orderID, func(cur *position.CarryPosition) {
				cur.FuturesQty += filled
			})
			if err != nil {
				if exchange.IsReject(err) {
					return e.abandonOpen(ctx, pos, err)
				}
				e.log.Warn("swap leg fill incomplete", zap.String("position_id", pos.ID), zap.Error(err))
			}
			if targetQty-pos.FuturesQty > qtyEpsilon {
				continue
			}
		}

		return e.activate(ctx, pos)
	}
	return e.abandonOpen(ctx, pos, fmt.Errorf("gave up opening after %d attempts", e.cfg.MaxOrderRetries+1))
}

// activate commits OPENING -> ACTIVE once both legs are complete, stamping
// the entry basis from the current snapshot.
func (e *Engine) activate(ctx context.Context, pos position.CarryPosition) (position.CarryPosition, error) {
	snap, _ := e.cache.Current()
	pos, err := e.commit(ctx, pos.ID, position.CauseLegsFilled, nil, func(cur position.CarryPosition) (position.CarryPosition, error) {
		cur.Status = position.StatusActive
		cur.EntryBasis = snap.Basis()
		return cur, nil
	})
	if err != nil {
		return pos, err
	}
	e.clearTarget(ctx, pos.ID)
	e.notify.Emit(alerts.KindPositionOpened, map[string]any{
		"position_id": pos.ID,
		"spot_qty":    pos.SpotQty,
		"futures_qty": pos.FuturesQty,
		"borrow":      pos.BorrowAmount,
		"entry_basis": pos.EntryBasis,
	})
	return pos, nil
}

// abandonOpen unwinds whatever filled before giving up, repays the loan,
// and marks the position FAILED.
func (e *Engine) abandonOpen(ctx context.Context, pos position.CarryPosition, cause error) (position.CarryPosition, error) {
	e.log.Error("abandoning open", zap.String("position_id", pos.ID), zap.Error(cause))
	if pos.SpotQty > qtyEpsilon {
		if _, _, err := e.fillLeg(ctx, pos, exchange.LegSpot, exchange.Sell, pos.SpotQty, openCloid(pos.ID, "spot-undo", 0)); err != nil {
			e.log.Error("spot leg unwind failed", zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
	if pos.FuturesQty > qtyEpsilon {
		if _, _, err := e.fillLeg(ctx, pos, exchange.LegSwap, exchange.Buy, pos.FuturesQty, openCloid(pos.ID, "swap-undo", 0)); err != nil {
			e.log.Error("swap leg unwind failed", zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
	if pos.BorrowAmount > 0 {
		if err := e.borrow.RepayAll(ctx); err != nil {
			e.log.Error("repay after abandoned open failed", zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
	e.clearTarget(ctx, pos.ID)
	e.fail(ctx, pos.ID, cause.Error(), nil)
	return pos, cause
}

// recordLegFill commits the cumulative fill progress before anything acts
// on it. A zero fill writes nothing.
func (e *Engine) recordLegFill(ctx context.Context, pos position.CarryPosition, filled float64, orderID string, apply func(*position.CarryPosition)) position.CarryPosition {
	if filled <= qtyEpsilon {
		return pos
	}
	next, err := e.commit(ctx, pos.ID, position.CauseLegFilled, []string{orderID}, func(cur position.CarryPosition) (position.CarryPosition, error) {
		cur.Status = position.StatusOpening
		apply(&cur)
		return cur, nil
	})
	if err != nil {
		e.log.Error("record leg fill", zap.String("position_id", pos.ID), zap.Error(err))
		return pos
	}
	return next
}

// fillLeg places a market order and waits for it to leave the book,
// canceling the remainder at the timeout. Returns the filled quantity.
func (e *Engine) fillLeg(ctx context.Context, pos position.CarryPosition, leg exchange.Leg, side exchange.Side, qty float64, cloid string) (float64, string, error) {
	inst := e.instFor(leg, pos)
	reduceOnly := leg == exchange.LegSwap && side == exchange.Buy
	orderID, err := e.exec.Place(ctx, exchange.Order{
		Inst:          inst,
		Side:          side,
		Type:          exchange.Market,
		Qty:           qty,
		ReduceOnly:    reduceOnly,
		ClientOrderID: cloid,
	})
	if err != nil {
		return 0, "", err
	}
	filled, open, err := e.exec.AwaitFill(ctx, inst, orderID, e.cfg.OrderTimeout, e.cfg.OrderPollInterval)
	if err != nil {
		return filled, orderID, err
	}
	if open {
		if cerr := e.exec.Cancel(ctx, inst, orderID); cerr != nil {
			e.log.Warn("cancel after timeout failed", zap.String("order_id", orderID), zap.Error(cerr))
		}
		if status, serr := e.client.OrderStatus(ctx, inst, orderID); serr == nil {
			filled = status.FilledQty
		}
	}
	if qty-filled > qtyEpsilon {
		return filled, orderID, fmt.Errorf("order %s filled %.8f of %.8f", orderID, filled, qty)
	}
	return filled, orderID, nil
}

// setTarget persists the sized quantity so a restart mid-OPENING can resume
// against the same target instead of resizing on fresh prices.
func (e *Engine) setTarget(ctx context.Context, id string, qty float64) {
	if e.kv == nil {
		return
	}
	if err := e.kv.Set(ctx, targetKey(id), strconv.FormatFloat(qty, 'f', -1, 64)); err != nil {
		e.log.Warn("persist open target", zap.String("position_id", id), zap.Error(err))
	}
}

func (e *Engine) loadTarget(ctx context.Context, id string) (float64, bool) {
	if e.kv == nil {
		return 0, false
	}
	raw, ok, err := e.kv.Get(ctx, targetKey(id))
	if err != nil || !ok {
		return 0, false
	}
	qty, err := strconv.ParseFloat(raw, 64)
	if err != nil || qty <= 0 {
		return 0, false
	}
	return qty, true
}

func (e *Engine) clearTarget(ctx context.Context, id string) {
	if e.kv == nil {
		return
	}
	// overwriting is enough; stale targets are only read while OPENING
	if err := e.kv.Set(ctx, targetKey(id), "0"); err != nil {
		e.log.Warn("clear open target", zap.String("position_id", id), zap.Error(err))
	}
}

func targetKey(id string) string { return "target:" + id }

func openCloid(id, leg string, attempt int) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s%s%d", leg, short, attempt)
}

func floorToLot(qty, lot float64) float64 {
	if lot <= 0 {
		return qty
	}
	return math.Floor(qty/lot+qtyEpsilon) * lot
}
