package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Event kinds emitted by the engine. Severity is implied by the kind;
// delivery is fire-and-forget either way.
const (
	KindEngineStarted   = "engine_started"
	KindPositionOpened  = "position_opened"
	KindRebalanced      = "rebalanced"
	KindFundingReceipt  = "funding_receipt"
	KindEmergencyUnwind = "emergency_unwind"
	KindPositionClosed  = "position_closed"
	KindPositionFailed  = "position_failed"
)

// Notifier is the one-way notification channel. Implementations must never
// block trade decisions; failures are logged and dropped.
type Notifier interface {
	Emit(kind string, payload map[string]any)
}

type noop struct{}

func (noop) Emit(string, map[string]any) {}

func NewNoop() Notifier { return noop{} }

// Sender delivers a rendered message somewhere external.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Emitter decouples the transactional path from delivery: Emit enqueues and
// returns; a single goroutine drains the queue. A full queue drops the
// event rather than stalling the caller.
type Emitter struct {
	sender Sender
	log    *zap.Logger
	queue  chan string
}

func NewEmitter(sender Sender, log *zap.Logger) *Emitter {
	return &Emitter{
		sender: sender,
		log:    log,
		queue:  make(chan string, 64),
	}
}

func (e *Emitter) Emit(kind string, payload map[string]any) {
	msg := render(kind, payload)
	select {
	case e.queue <- msg:
	default:
		e.log.Warn("alert queue full, dropping event", zap.String("kind", kind))
	}
}

func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.queue:
			if err := e.sender.Send(ctx, msg); err != nil && ctx.Err() == nil {
				e.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}

func render(kind string, payload map[string]any) string {
	if len(payload) == 0 {
		return kind
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return kind + ": " + strings.Join(parts, " ")
}
