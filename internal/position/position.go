package position

import (
	"math"
	"time"
)

type Status string

const (
	StatusInit            Status = "INIT"
	StatusOpening         Status = "OPENING"
	StatusActive          Status = "ACTIVE"
	StatusRebalancing     Status = "REBALANCING"
	StatusClosing         Status = "CLOSING"
	StatusEmergencyUnwind Status = "EMERGENCY_UNWIND"
	StatusClosed          Status = "CLOSED"
	StatusFailed          Status = "FAILED"
)

// Transition causes recorded in the ledger.
const (
	CauseOpenRequested    = "open_requested"
	CauseLegFilled        = "leg_filled"
	CauseLegsFilled       = "legs_filled"
	CauseOpenRetry        = "open_retry"
	CauseRebalanceNeeded  = "rebalance_needed"
	CauseAdjustmentFilled = "adjustment_filled"
	CauseEmergencyUnwind  = "emergency_unwind"
	CauseCloseRequested   = "close_requested"
	CauseLegsClosed       = "legs_closed"
	CauseFundingReceipt   = "funding_receipt"
	CauseBorrowReconcile  = "borrow_reconcile"
	CauseUnrecoverable    = "unrecoverable"
	CauseShutdownDeadline = "shutdown_deadline"
)

// RiskThresholds is captured at position creation so later config changes
// never alter the risk contract of an already-open position.
type RiskThresholds struct {
	HedgeTolerance       float64 `msgpack:"hedge_tolerance"`
	RebalanceBand        float64 `msgpack:"rebalance_band"`
	LiquidationFloor     float64 `msgpack:"liquidation_floor"`
	FundingFlipIntervals int     `msgpack:"funding_flip_intervals"`
	MaxBorrowAPR         float64 `msgpack:"max_borrow_apr"`
	BorrowMultiplier     float64 `msgpack:"borrow_multiplier"`
	MaxLoanToValue       float64 `msgpack:"max_loan_to_value"`
}

// CarryPosition is the aggregate root: a long spot leg financed by a margin
// loan, hedged by a short swap leg of equal size. FuturesQty is the
// magnitude of the short leg.
type CarryPosition struct {
	ID             string
	SpotInst       string
	SwapInst       string
	Status         Status
	SpotQty        float64
	FuturesQty     float64
	BorrowAmount   float64
	EntryBasis     float64
	FundingAccrued float64
	Thresholds     RiskThresholds
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionRecord is one append-only ledger entry. (PositionID, Version)
// is unique; Version equals the position version the transition committed.
type TransitionRecord struct {
	PositionID string
	From       Status
	To         Status
	Version    int64
	Time       time.Time
	Cause      string
	OrderIDs   []string
}

var validTransitions = map[Status][]Status{
	StatusInit:            {StatusOpening, StatusFailed},
	StatusOpening:         {StatusOpening, StatusActive, StatusFailed},
	StatusActive:          {StatusActive, StatusRebalancing, StatusClosing, StatusEmergencyUnwind, StatusFailed},
	StatusRebalancing:     {StatusActive, StatusEmergencyUnwind, StatusFailed},
	StatusClosing:         {StatusClosed, StatusFailed},
	StatusEmergencyUnwind: {StatusClosed, StatusFailed},
}

func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// Open reports whether the position still needs the engine's attention
// after a restart.
func (s Status) Open() bool {
	return !s.Terminal()
}

// HedgeDrift is the proportional mismatch between the two legs, relative to
// the spot leg. Zero while flat.
func (p CarryPosition) HedgeDrift() float64 {
	if p.SpotQty == 0 {
		return 0
	}
	return math.Abs(p.SpotQty-p.FuturesQty) / p.SpotQty
}

func (p CarryPosition) Hedged() bool {
	return p.HedgeDrift() <= p.Thresholds.HedgeTolerance
}
