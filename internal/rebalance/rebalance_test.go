package rebalance

import (
	"errors"
	"testing"

	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"
)

func driftedPosition() position.CarryPosition {
	return position.CarryPosition{
		ID:           "pos-1",
		Status:       position.StatusActive,
		SpotQty:      1000,
		FuturesQty:   960,
		BorrowAmount: 150,
		Thresholds: position.RiskThresholds{
			HedgeTolerance:   0.02,
			RebalanceBand:    0.01,
			BorrowMultiplier: 2,
			MaxLoanToValue:   3,
		},
	}
}

func snapshot() market.Snapshot {
	return market.Snapshot{SpotPrice: 0.25, FuturesPrice: 0.251}
}

func TestComputeGrowsSmallerFuturesLeg(t *testing.T) {
	// spot 1000 vs futures 960: the plan adds 40 to the short leg, it never
	// touches the spot leg
	plan, err := Compute(driftedPosition(), snapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Leg != exchange.LegSwap {
		t.Fatalf("expected swap leg adjustment, got %s", plan.Leg)
	}
	if plan.Side != exchange.Sell {
		t.Fatalf("expected sell to grow the short, got %s", plan.Side)
	}
	if plan.DeltaQty < 39.999 || plan.DeltaQty > 40.001 {
		t.Fatalf("expected delta 40, got %f", plan.DeltaQty)
	}
}

func TestComputeGrowsSmallerSpotLeg(t *testing.T) {
	pos := driftedPosition()
	pos.SpotQty = 960
	pos.FuturesQty = 1000
	plan, err := Compute(pos, snapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Leg != exchange.LegSpot || plan.Side != exchange.Buy {
		t.Fatalf("expected spot buy, got %s %s", plan.Leg, plan.Side)
	}
	if plan.DeltaQty < 39.999 || plan.DeltaQty > 40.001 {
		t.Fatalf("expected delta 40, got %f", plan.DeltaQty)
	}
}

func TestComputeBalancedLegsError(t *testing.T) {
	pos := driftedPosition()
	pos.FuturesQty = pos.SpotQty
	if _, err := Compute(pos, snapshot()); err == nil {
		t.Fatalf("expected error for balanced legs")
	}
}

func TestComputeEscalatesOnBorrowLimit(t *testing.T) {
	pos := driftedPosition()
	pos.SpotQty = 960
	pos.FuturesQty = 1000
	// loan already near the cap relative to remaining equity
	pos.BorrowAmount = 230 // equity = 960*0.25 - 230 = 10; ltv blows past 3
	_, err := Compute(pos, snapshot())
	if !errors.Is(err, ErrEscalateUnwind) {
		t.Fatalf("expected ErrEscalateUnwind, got %v", err)
	}
}

func TestComputeEscalatesOnExhaustedEquity(t *testing.T) {
	pos := driftedPosition()
	pos.SpotQty = 960
	pos.FuturesQty = 1000
	pos.BorrowAmount = 960 * 0.25 // equity zero
	_, err := Compute(pos, snapshot())
	if !errors.Is(err, ErrEscalateUnwind) {
		t.Fatalf("expected ErrEscalateUnwind, got %v", err)
	}
}

func TestComputeEscalatesWithoutSpotPrice(t *testing.T) {
	pos := driftedPosition()
	pos.SpotQty = 960
	pos.FuturesQty = 1000
	_, err := Compute(pos, market.Snapshot{})
	if !errors.Is(err, ErrEscalateUnwind) {
		t.Fatalf("expected ErrEscalateUnwind without a price, got %v", err)
	}
}
