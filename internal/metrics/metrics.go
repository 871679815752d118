package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	OrderRetries     Counter
	Rebalances       Counter
	EmergencyUnwinds Counter
	VersionConflicts Counter

	PositionStatus      Gauge
	HedgeDrift          Gauge
	FundingAccrued      Gauge
	LiquidationDistance Gauge
	BorrowOutstanding   Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:     c,
		OrdersFailed:     c,
		OrderRetries:     c,
		Rebalances:       c,
		EmergencyUnwinds: c,
		VersionConflicts: c,

		PositionStatus:      g,
		HedgeDrift:          g,
		FundingAccrued:      g,
		LiquidationDistance: g,
		BorrowOutstanding:   g,
	}
}
