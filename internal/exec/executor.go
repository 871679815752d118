package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"okx-carry-bot/internal/exchange"
	"okx-carry-bot/internal/metrics"

	"go.uber.org/zap"
)

// KV persists client-order-id to exchange-order-id mappings so a replayed
// placement after a crash returns the order that already landed.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type Executor struct {
	client      exchange.Client
	kv          KV
	log         *zap.Logger
	maxAttempts int
	backoff     time.Duration
	metrics     *metrics.Metrics

	mu    sync.Mutex
	cache map[string]string
}

func New(client exchange.Client, kv KV, log *zap.Logger, maxAttempts int, backoff time.Duration) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Executor{
		client:      client,
		kv:          kv,
		log:         log,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		metrics:     metrics.NewNoop(),
		cache:       make(map[string]string),
	}
}

// SetMetrics swaps in a live metrics set for the placement counters.
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		e.metrics = m
	}
}

// Place submits an order, deduplicating on the client order id. Transient
// exchange errors are retried with exponential backoff; rejections are not.
func (e *Executor) Place(ctx context.Context, order exchange.Order) (string, error) {
	if order.ClientOrderID == "" {
		return e.placeWithRetry(ctx, order)
	}
	cacheKey := "cloid:" + order.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.kv != nil {
		if oid, ok, err := e.kv.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.remember(cacheKey, oid)
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		return "", err
	}
	if e.kv != nil {
		if err := e.kv.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.remember(cacheKey, orderID)
	return orderID, nil
}

func (e *Executor) Cancel(ctx context.Context, inst, orderID string) error {
	return e.retry(ctx, func() error {
		return e.client.CancelOrder(ctx, inst, orderID)
	})
}

// AwaitFill polls order status until the order leaves the book or the
// timeout expires. Returns the cumulative filled quantity and whether the
// order is still open.
func (e *Executor) AwaitFill(ctx context.Context, inst, orderID string, timeout, poll time.Duration) (float64, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var filled float64
	for {
		status, err := e.client.OrderStatus(ctx, inst, orderID)
		if err != nil && !exchange.IsTransient(err) {
			return filled, false, err
		}
		if err == nil {
			filled = status.FilledQty
			switch status.State {
			case exchange.Filled:
				return filled, false, nil
			case exchange.Rejected:
				return filled, false, &exchange.RejectError{Reason: "order rejected after placement"}
			case exchange.Canceled:
				return filled, false, nil
			}
		}
		select {
		case <-ctx.Done():
			return filled, false, ctx.Err()
		case <-deadline.C:
			status, err := e.client.OrderStatus(ctx, inst, orderID)
			if err == nil {
				filled = status.FilledQty
				return filled, status.State == exchange.Pending || status.State == exchange.Partial, nil
			}
			return filled, true, nil
		case <-ticker.C:
		}
	}
}

func (e *Executor) remember(key, orderID string) {
	e.mu.Lock()
	e.cache[key] = orderID
	e.mu.Unlock()
}

func (e *Executor) placeWithRetry(ctx context.Context, order exchange.Order) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.client.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return "", err
	}
	if orderID == "" {
		e.metrics.OrdersFailed.Inc()
		return "", errors.New("empty order id")
	}
	e.metrics.OrdersPlaced.Inc()
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !exchange.IsTransient(err) {
			return err
		}
		if attempt >= e.maxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		e.metrics.OrderRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
