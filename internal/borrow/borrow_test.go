package borrow

import (
	"context"
	"errors"
	"testing"

	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/position"

	"go.uber.org/zap"
)

func TestRequired(t *testing.T) {
	// the loan covers the shortfall between the leg notional and equity,
	// capped at equity times the multiplier
	loan, err := Required(2850, 1000, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loan != 1850 {
		t.Fatalf("expected loan 1850, got %f", loan)
	}

	// notional far beyond the cap: the multiplier wins
	loan, err = Required(10000, 1000, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loan != 2000 {
		t.Fatalf("expected capped loan 2000, got %f", loan)
	}

	// equity alone covers the notional: no loan needed
	loan, err = Required(800, 1000, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loan != 0 {
		t.Fatalf("expected no loan, got %f", loan)
	}
}

func TestRequiredRejectsBadInputs(t *testing.T) {
	if _, err := Required(1000, 0, 2); err == nil {
		t.Fatalf("expected error for zero equity")
	}
	if _, err := Required(1000, 500, 0); err == nil {
		t.Fatalf("expected error for zero multiplier")
	}
}

func TestCheckLimit(t *testing.T) {
	if err := CheckLimit(2000, 1000, 3); err != nil {
		t.Fatalf("ltv 2 within cap 3 should pass, got %v", err)
	}
	if err := CheckLimit(0, 1000, 3); err != nil {
		t.Fatalf("zero loan should pass, got %v", err)
	}
	if err := CheckLimit(4000, 1000, 3); !errors.Is(err, ErrLoanLimit) {
		t.Fatalf("expected ErrLoanLimit at ltv 4, got %v", err)
	}
	if err := CheckLimit(100, 0, 3); !errors.Is(err, ErrLoanLimit) {
		t.Fatalf("expected ErrLoanLimit without equity, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	mgr := NewManager(nil, "USDT", zap.NewNop())
	pos := position.CarryPosition{ID: "pos-1", BorrowAmount: 1900}

	if drift := mgr.Reconcile(pos, exchange.Balance{OutstandingLoanUSD: 1900}); drift != 0 {
		t.Fatalf("expected no drift, got %f", drift)
	}
	// interest accrued on the exchange side
	if drift := mgr.Reconcile(pos, exchange.Balance{OutstandingLoanUSD: 1902.5}); drift < 2.499 || drift > 2.501 {
		t.Fatalf("expected drift 2.5, got %f", drift)
	}
	// partial liquidation reduced the loan
	if drift := mgr.Reconcile(pos, exchange.Balance{OutstandingLoanUSD: 1500}); drift > -399.9 || drift < -400.1 {
		t.Fatalf("expected drift -400, got %f", drift)
	}
}

type borrowRecorder struct {
	exchange.Client
	borrowed float64
	repaid   bool
}

func (b *borrowRecorder) Borrow(ctx context.Context, ccy string, amount float64) error {
	b.borrowed += amount
	return nil
}

func (b *borrowRecorder) RepayAll(ctx context.Context, ccy string) error {
	b.repaid = true
	return nil
}

func TestBorrowSkipsNonPositive(t *testing.T) {
	rec := &borrowRecorder{}
	mgr := NewManager(rec, "USDT", zap.NewNop())
	if err := mgr.Borrow(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.borrowed != 0 {
		t.Fatalf("expected no borrow call for zero amount")
	}
	if err := mgr.Borrow(context.Background(), 1850); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.borrowed != 1850 {
		t.Fatalf("expected 1850 borrowed, got %f", rec.borrowed)
	}
	if err := mgr.RepayAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.repaid {
		t.Fatalf("expected repay call")
	}
}
