package rebalance

import (
	"errors"
	"fmt"

	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"
)

// ErrEscalateUnwind means the minimal adjustment would push leverage past
// the borrow limit; a rebalance that worsens leverage is rejected, and the
// position goes to emergency unwind instead.
var ErrEscalateUnwind = errors.New("rebalance would breach borrow limit")

// Plan is the minimal trade restoring the 1:1 hedge: always grows the
// smaller leg up to the bigger one. Consumed within one evaluation cycle,
// never stored.
type Plan struct {
	Leg      exchange.Leg
	Side     exchange.Side
	DeltaQty float64
	Reason   string
}

func Compute(pos position.CarryPosition, snap market.Snapshot) (Plan, error) {
	delta := pos.SpotQty - pos.FuturesQty
	switch {
	case delta == 0:
		return Plan{}, errors.New("legs already balanced")
	case delta > 0:
		// short leg under-sized; add to the short
		return Plan{
			Leg:      exchange.LegSwap,
			Side:     exchange.Sell,
			DeltaQty: delta,
			Reason:   fmt.Sprintf("futures leg short by %.6f", delta),
		}, nil
	default:
		// spot leg under-sized; buying spot costs loan headroom
		need := -delta
		if err := checkBorrowHeadroom(pos, snap, need); err != nil {
			return Plan{}, err
		}
		return Plan{
			Leg:      exchange.LegSpot,
			Side:     exchange.Buy,
			DeltaQty: need,
			Reason:   fmt.Sprintf("spot leg short by %.6f", need),
		}, nil
	}
}

func checkBorrowHeadroom(pos position.CarryPosition, snap market.Snapshot, qty float64) error {
	if snap.SpotPrice <= 0 {
		return fmt.Errorf("%w: no spot price to size adjustment", ErrEscalateUnwind)
	}
	cost := qty * snap.SpotPrice
	equity := pos.SpotQty*snap.SpotPrice - pos.BorrowAmount
	if equity <= 0 {
		return fmt.Errorf("%w: position equity exhausted", ErrEscalateUnwind)
	}
	limit := pos.Thresholds.MaxLoanToValue
	if limit <= 0 {
		limit = pos.Thresholds.BorrowMultiplier
	}
	if ltv := (pos.BorrowAmount + cost) / equity; ltv > limit {
		return fmt.Errorf("%w: ltv %.2f > %.2f", ErrEscalateUnwind, ltv, limit)
	}
	return nil
}
