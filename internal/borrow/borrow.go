package borrow

import (
	"context"
	"errors"
	"fmt"
	"math"

	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/position"

	"go.uber.org/zap"
)

// ErrLoanLimit means the computed borrow would exceed the exchange's
// maximum loan-to-value ratio. That is a configuration fault, never retried.
var ErrLoanLimit = errors.New("borrow exceeds max loan-to-value")

const driftEpsilon = 1e-6

// Manager owns CarryPosition.BorrowAmount: it sizes the margin loan that
// finances the spot leg and detects drift against the exchange-reported
// outstanding loan. All mutations flow back through the engine's
// transition protocol.
type Manager struct {
	client exchange.Client
	log    *zap.Logger
	ccy    string
}

func NewManager(client exchange.Client, ccy string, log *zap.Logger) *Manager {
	return &Manager{client: client, ccy: ccy, log: log}
}

// Required sizes the loan for a spot leg of the given notional: the
// multiplier times the equity allotted to the leg, but never more than the
// shortfall the leg actually needs.
func Required(spotNotional, equity, multiplier float64) (float64, error) {
	if equity <= 0 {
		return 0, errors.New("equity must be > 0")
	}
	if multiplier <= 0 {
		return 0, errors.New("borrow multiplier must be > 0")
	}
	required := equity * multiplier
	if spotNotional > 0 {
		shortfall := spotNotional - equity
		if shortfall < 0 {
			shortfall = 0
		}
		if shortfall < required {
			required = shortfall
		}
	}
	return required, nil
}

// CheckLimit validates a loan amount against the max loan-to-value ratio.
func CheckLimit(amount, equity, maxLoanToValue float64) error {
	if amount <= 0 {
		return nil
	}
	if equity <= 0 {
		return fmt.Errorf("%w: no equity backing loan of %.2f", ErrLoanLimit, amount)
	}
	if ltv := amount / equity; ltv > maxLoanToValue {
		return fmt.Errorf("%w: ltv %.2f > %.2f", ErrLoanLimit, ltv, maxLoanToValue)
	}
	return nil
}

// Reconcile compares the recorded loan with the exchange-reported
// outstanding amount (interest accrual, partial liquidation) and returns
// the signed adjustment to apply, or 0 when in sync.
func (m *Manager) Reconcile(pos position.CarryPosition, balance exchange.Balance) float64 {
	drift := balance.OutstandingLoanUSD - pos.BorrowAmount
	if math.Abs(drift) <= driftEpsilon {
		return 0
	}
	m.log.Info("borrow drift detected",
		zap.String("position_id", pos.ID),
		zap.Float64("recorded", pos.BorrowAmount),
		zap.Float64("reported", balance.OutstandingLoanUSD),
	)
	return drift
}

func (m *Manager) Borrow(ctx context.Context, amount float64) error {
	if amount <= 0 {
		return nil
	}
	if err := m.client.Borrow(ctx, m.ccy, amount); err != nil {
		return fmt.Errorf("borrow %.2f %s: %w", amount, m.ccy, err)
	}
	m.log.Info("borrowed", zap.Float64("amount", amount), zap.String("ccy", m.ccy))
	return nil
}

func (m *Manager) RepayAll(ctx context.Context) error {
	if err := m.client.RepayAll(ctx, m.ccy); err != nil {
		return fmt.Errorf("repay %s: %w", m.ccy, err)
	}
	m.log.Info("loan repaid", zap.String("ccy", m.ccy))
	return nil
}

func (m *Manager) APR(ctx context.Context) (float64, error) {
	return m.client.BorrowAPR(ctx, m.ccy)
}
