package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "okx_carry_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics  *Metrics
	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		OrdersPlaced:     promCounter{counter("orders_placed_total", "Total number of orders placed.")},
		OrdersFailed:     promCounter{counter("orders_failed_total", "Total number of order placement failures.")},
		OrderRetries:     promCounter{counter("order_retries_total", "Total number of transient order retries.")},
		Rebalances:       promCounter{counter("rebalances_total", "Total number of completed rebalances.")},
		EmergencyUnwinds: promCounter{counter("emergency_unwinds_total", "Total number of emergency unwinds.")},
		VersionConflicts: promCounter{counter("version_conflicts_total", "Total number of optimistic store conflicts.")},

		PositionStatus:      promGauge{gauge("position_status", "Current position status code.")},
		HedgeDrift:          promGauge{gauge("hedge_drift", "Proportional mismatch between spot and futures legs.")},
		FundingAccrued:      promGauge{gauge("funding_accrued_usd", "Cumulative funding received while active.")},
		LiquidationDistance: promGauge{gauge("liquidation_distance", "Estimated fractional distance to liquidation.")},
		BorrowOutstanding:   promGauge{gauge("borrow_outstanding_usd", "Recorded outstanding margin loan.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
