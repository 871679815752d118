package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"
)

type VerdictKind int

const (
	Healthy VerdictKind = iota
	RebalanceNeeded
	EmergencyUnwind
)

func (k VerdictKind) String() string {
	switch k {
	case RebalanceNeeded:
		return "rebalance_needed"
	case EmergencyUnwind:
		return "emergency_unwind"
	default:
		return "healthy"
	}
}

type Verdict struct {
	Kind   VerdictKind
	Reason string
}

func healthy() Verdict {
	return Verdict{Kind: Healthy}
}

// Evaluator applies the risk rules in fixed severity order: capital
// preservation (liquidation distance, dead carry thesis) always outranks
// hedge-ratio drift. It also tracks how many funding intervals the rate has
// stayed unfavorable, which needs state across evaluations.
type Evaluator struct {
	mu              sync.Mutex
	lastNextFunding time.Time
	unfavorable     int

	borrowAPR float64
	aprKnown  bool
}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// SetBorrowAPR records the last polled margin-loan interest rate.
func (e *Evaluator) SetBorrowAPR(apr float64) {
	e.mu.Lock()
	e.borrowAPR = apr
	e.aprKnown = true
	e.mu.Unlock()
}

func (e *Evaluator) Evaluate(pos position.CarryPosition, snap market.Snapshot, fresh market.Freshness) Verdict {
	if fresh == market.Expired {
		return Verdict{Kind: EmergencyUnwind, Reason: "market data expired beyond grace window"}
	}

	unfavorable := e.observeFunding(snap)

	if dist := LiquidationDistance(pos, snap); dist < pos.Thresholds.LiquidationFloor {
		return Verdict{
			Kind:   EmergencyUnwind,
			Reason: fmt.Sprintf("liquidation distance %.4f below floor %.4f", dist, pos.Thresholds.LiquidationFloor),
		}
	}

	if pos.Thresholds.FundingFlipIntervals > 0 && unfavorable >= pos.Thresholds.FundingFlipIntervals {
		return Verdict{
			Kind:   EmergencyUnwind,
			Reason: fmt.Sprintf("funding unfavorable for %d intervals", unfavorable),
		}
	}

	e.mu.Lock()
	apr, aprKnown := e.borrowAPR, e.aprKnown
	e.mu.Unlock()
	if aprKnown && pos.Thresholds.MaxBorrowAPR > 0 && apr >= pos.Thresholds.MaxBorrowAPR {
		return Verdict{
			Kind:   EmergencyUnwind,
			Reason: fmt.Sprintf("borrow APR %.4f at or above ceiling %.4f", apr, pos.Thresholds.MaxBorrowAPR),
		}
	}

	if drift := pos.HedgeDrift(); drift > pos.Thresholds.RebalanceBand {
		return Verdict{
			Kind:   RebalanceNeeded,
			Reason: fmt.Sprintf("hedge drift %.4f above band %.4f", drift, pos.Thresholds.RebalanceBand),
		}
	}

	return healthy()
}

// observeFunding counts consecutive funding intervals with the rate at or
// below zero. Shorts collect funding only while the rate is positive, so a
// non-positive rate is unfavorable. The count advances at interval
// boundaries, so a brief intra-interval dip does not accumulate.
func (e *Evaluator) observeFunding(snap market.Snapshot) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if snap.FundingRate > 0 {
		e.unfavorable = 0
		e.lastNextFunding = snap.NextFundingTime
		return 0
	}
	if e.unfavorable == 0 {
		e.unfavorable = 1
		e.lastNextFunding = snap.NextFundingTime
		return e.unfavorable
	}
	if !snap.NextFundingTime.IsZero() && snap.NextFundingTime.After(e.lastNextFunding) {
		e.unfavorable++
		e.lastNextFunding = snap.NextFundingTime
	}
	return e.unfavorable
}

// LiquidationDistance estimates the fractional price move that would push
// the short futures leg to liquidation: the equity backing the leg, less the
// maintenance margin requirement, per unit of leg notional.
func LiquidationDistance(pos position.CarryPosition, snap market.Snapshot) float64 {
	if pos.FuturesQty <= 0 || snap.FuturesPrice <= 0 {
		return math.Inf(1)
	}
	notional := pos.FuturesQty * snap.FuturesPrice
	equity := pos.SpotQty*snap.SpotPrice - pos.BorrowAmount
	buffer := equity - notional*snap.MarginRequirementPct
	if buffer <= 0 {
		return 0
	}
	return buffer / notional
}
