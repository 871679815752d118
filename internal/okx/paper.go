package okx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"okx-carry-bot/internal/exchange"

	"go.uber.org/zap"
)

// Paper is an in-memory exchange for sim mode: market orders fill
// immediately at the latest quoted price, loans are free bookkeeping. The
// public market stream stays real; only order flow and balances are faked.
type Paper struct {
	quotes func() (spot, futures float64)
	log    *zap.Logger

	mu     sync.Mutex
	equity float64
	loan   float64
	apr    float64
	seq    int64
	orders map[string]exchange.OrderStatus
}

func NewPaper(startingEquity float64, quotes func() (float64, float64), log *zap.Logger) *Paper {
	return &Paper{
		quotes: quotes,
		log:    log,
		equity: startingEquity,
		apr:    0.02,
		orders: make(map[string]exchange.OrderStatus),
	}
}

func (p *Paper) PlaceOrder(ctx context.Context, order exchange.Order) (string, error) {
	if order.Qty <= 0 {
		return "", &exchange.RejectError{Reason: fmt.Sprintf("invalid size %f", order.Qty)}
	}
	spot, futures := p.quotes()
	price := spot
	if strings.HasSuffix(order.Inst, "-SWAP") {
		price = futures
	}
	if order.Type == exchange.Limit && order.LimitPrice > 0 {
		price = order.LimitPrice
	}
	if price <= 0 {
		return "", exchange.Transient(errors.New("no quote available"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	orderID := fmt.Sprintf("paper-%d", p.seq)
	p.orders[orderID] = exchange.OrderStatus{
		State:     exchange.Filled,
		FilledQty: order.Qty,
		AvgPrice:  price,
	}
	p.log.Debug("paper fill",
		zap.String("order_id", orderID),
		zap.String("inst", order.Inst),
		zap.String("side", string(order.Side)),
		zap.Float64("qty", order.Qty),
		zap.Float64("price", price),
	)
	return orderID, nil
}

func (p *Paper) CancelOrder(ctx context.Context, inst, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[orderID]
	if !ok {
		return errors.New("unknown order")
	}
	if status.State == exchange.Pending || status.State == exchange.Partial {
		status.State = exchange.Canceled
		p.orders[orderID] = status
	}
	return nil
}

func (p *Paper) OrderStatus(ctx context.Context, inst, orderID string) (exchange.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[orderID]
	if !ok {
		return exchange.OrderStatus{}, errors.New("unknown order")
	}
	return status, nil
}

func (p *Paper) PendingOrders(ctx context.Context, inst string) ([]exchange.PendingOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []exchange.PendingOrder
	for id, status := range p.orders {
		if status.State == exchange.Pending || status.State == exchange.Partial {
			out = append(out, exchange.PendingOrder{OrderID: id, Inst: inst})
		}
	}
	return out, nil
}

func (p *Paper) AccountBalance(ctx context.Context) (exchange.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return exchange.Balance{EquityUSD: p.equity + p.loan, OutstandingLoanUSD: p.loan}, nil
}

func (p *Paper) Borrow(ctx context.Context, ccy string, amount float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loan += amount
	return nil
}

func (p *Paper) RepayAll(ctx context.Context, ccy string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loan = 0
	return nil
}

func (p *Paper) BorrowAPR(ctx context.Context, ccy string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apr, nil
}
