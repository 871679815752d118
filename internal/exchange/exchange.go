package exchange

import (
	"context"
	"time"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type Leg string

const (
	LegSpot Leg = "spot"
	LegSwap Leg = "swap"
)

type OrderState string

const (
	Pending  OrderState = "pending"
	Partial  OrderState = "partial"
	Filled   OrderState = "filled"
	Rejected OrderState = "rejected"
	Canceled OrderState = "canceled"
)

type Order struct {
	Inst          string
	Side          Side
	Type          OrderType
	Qty           float64
	LimitPrice    float64
	ReduceOnly    bool
	ClientOrderID string
}

type OrderStatus struct {
	State     OrderState
	FilledQty float64
	AvgPrice  float64
}

type Balance struct {
	EquityUSD          float64
	OutstandingLoanUSD float64
}

// PendingOrder is an order still resting on the book, as reported by the
// venue. Used to sweep strays left behind by a crash.
type PendingOrder struct {
	OrderID string
	Inst    string
}

// Tick is one raw market feed update. Fields the venue did not send are
// zero; the snapshot cache keeps the last known value. Zero is a valid
// funding rate, so it carries an explicit presence flag.
type Tick struct {
	SpotPrice            float64
	FuturesPrice         float64
	FundingRate          float64
	HasFundingRate       bool
	NextFundingTime      time.Time
	MarginRequirementPct float64
	ObservedAt           time.Time
}

type Client interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
	CancelOrder(ctx context.Context, inst, orderID string) error
	OrderStatus(ctx context.Context, inst, orderID string) (OrderStatus, error)
	PendingOrders(ctx context.Context, inst string) ([]PendingOrder, error)
	AccountBalance(ctx context.Context) (Balance, error)
	Borrow(ctx context.Context, ccy string, amount float64) error
	RepayAll(ctx context.Context, ccy string) error
	BorrowAPR(ctx context.Context, ccy string) (float64, error)
}

// Streamer delivers market ticks until the context is canceled. Reconnects
// are the implementation's problem; delivery is lossy but ordered.
type Streamer interface {
	Stream(ctx context.Context, handler func(Tick)) error
}
