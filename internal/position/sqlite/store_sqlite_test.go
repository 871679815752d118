package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"okx-carry-bot/internal/position"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testPosition(id string) position.CarryPosition {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return position.CarryPosition{
		ID:       id,
		SpotInst: "DOGE-USDT",
		SwapInst: "DOGE-USDT-SWAP",
		Status:   position.StatusInit,
		Thresholds: position.RiskThresholds{
			HedgeTolerance:   0.02,
			RebalanceBand:    0.01,
			LiquidationFloor: 0.03,
			BorrowMultiplier: 2,
			MaxLoanToValue:   3,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func transition(pos position.CarryPosition, to position.Status, cause string) (position.CarryPosition, position.TransitionRecord) {
	next := pos
	next.Status = to
	next.Version = pos.Version + 1
	next.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	rec := position.TransitionRecord{
		PositionID: pos.ID,
		From:       pos.Status,
		To:         to,
		Version:    next.Version,
		Time:       next.UpdatedAt,
		Cause:      cause,
	}
	return next, rec
}

func TestCreateLoadRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pos := testPosition("pos-1")
	pos.SpotQty = 1000
	pos.FuturesQty = 1000
	pos.BorrowAmount = 1900

	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Load(ctx, "pos-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SpotQty != 1000 || got.FuturesQty != 1000 || got.BorrowAmount != 1900 {
		t.Fatalf("unexpected quantities: %+v", got)
	}
	if got.Thresholds.HedgeTolerance != 0.02 || got.Thresholds.MaxLoanToValue != 3 {
		t.Fatalf("thresholds not preserved: %+v", got.Thresholds)
	}
	if got.Status != position.StatusInit {
		t.Fatalf("expected INIT, got %s", got.Status)
	}
}

func TestLoadNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, position.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendTransitionVersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pos := testPosition("pos-1")
	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("create: %v", err)
	}

	next, rec := transition(pos, position.StatusOpening, position.CauseOpenRequested)
	if _, err := store.AppendTransition(ctx, next, rec); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// a writer that skipped a version cannot commit past the stored row
	ahead, aheadRec := transition(next, position.StatusActive, position.CauseLegsFilled)
	ahead.Version = next.Version + 2
	aheadRec.Version = ahead.Version
	if _, err := store.AppendTransition(ctx, ahead, aheadRec); !errors.Is(err, position.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// transitioning off a reloaded copy succeeds
	cur, err := store.Load(ctx, pos.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	next2, rec2 := transition(cur, position.StatusActive, position.CauseLegsFilled)
	if _, err := store.AppendTransition(ctx, next2, rec2); err != nil {
		t.Fatalf("second transition: %v", err)
	}
}

func TestAppendTransitionStaleWriterConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pos := testPosition("pos-1")
	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("create: %v", err)
	}
	next, rec := transition(pos, position.StatusOpening, position.CauseOpenRequested)
	if _, err := store.AppendTransition(ctx, next, rec); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	next2, rec2 := transition(next, position.StatusActive, position.CauseLegsFilled)
	if _, err := store.AppendTransition(ctx, next2, rec2); err != nil {
		t.Fatalf("second transition: %v", err)
	}

	// a writer that read version 1 and tries to commit version 2 now
	// collides with the ledger entry for version 2
	late, lateRec := transition(next, position.StatusFailed, position.CauseUnrecoverable)
	got, err := store.AppendTransition(ctx, late, lateRec)
	if err != nil {
		t.Fatalf("replay path errored: %v", err)
	}
	// version 2 was already committed as ACTIVE; the stale writer gets the
	// committed row back, not its own write
	if got.Status != position.StatusActive {
		t.Fatalf("expected committed ACTIVE, got %s", got.Status)
	}
}

func TestAppendTransitionIdempotentReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pos := testPosition("pos-1")
	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("create: %v", err)
	}
	next, rec := transition(pos, position.StatusOpening, position.CauseOpenRequested)
	first, err := store.AppendTransition(ctx, next, rec)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	replayed, err := store.AppendTransition(ctx, next, rec)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != first.Status || replayed.Version != first.Version {
		t.Fatalf("replay returned %+v, expected %+v", replayed, first)
	}
	records, err := store.Transitions(ctx, pos.ID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 ledger record after replay, got %d", len(records))
	}
}

func TestAppendTransitionRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pos := testPosition("pos-1")
	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("create: %v", err)
	}
	next, rec := transition(pos, position.StatusActive, position.CauseLegsFilled)
	if _, err := store.AppendTransition(ctx, next, rec); !errors.Is(err, position.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for INIT -> ACTIVE, got %v", err)
	}
}

func TestListOpenExcludesTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := testPosition("active-1")
	if err := store.Create(ctx, active); err != nil {
		t.Fatalf("create: %v", err)
	}
	next, rec := transition(active, position.StatusOpening, position.CauseOpenRequested)
	if _, err := store.AppendTransition(ctx, next, rec); err != nil {
		t.Fatalf("transition: %v", err)
	}

	failed := testPosition("failed-1")
	if err := store.Create(ctx, failed); err != nil {
		t.Fatalf("create: %v", err)
	}
	fnext, frec := transition(failed, position.StatusFailed, position.CauseUnrecoverable)
	if _, err := store.AppendTransition(ctx, fnext, frec); err != nil {
		t.Fatalf("transition: %v", err)
	}

	open, err := store.ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "active-1" {
		t.Fatalf("expected only active-1 open, got %+v", open)
	}
}

func TestTransitionsOrderedByVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pos := testPosition("pos-1")
	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("create: %v", err)
	}
	cur := pos
	steps := []struct {
		to    position.Status
		cause string
	}{
		{position.StatusOpening, position.CauseOpenRequested},
		{position.StatusActive, position.CauseLegsFilled},
		{position.StatusRebalancing, position.CauseRebalanceNeeded},
		{position.StatusActive, position.CauseAdjustmentFilled},
	}
	for _, step := range steps {
		next, rec := transition(cur, step.to, step.cause)
		rec.OrderIDs = []string{"oid-" + step.cause}
		committed, err := store.AppendTransition(ctx, next, rec)
		if err != nil {
			t.Fatalf("transition to %s: %v", step.to, err)
		}
		cur = committed
	}
	records, err := store.Transitions(ctx, pos.ID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(records) != len(steps) {
		t.Fatalf("expected %d records, got %d", len(steps), len(records))
	}
	for i, rec := range records {
		if rec.Version != int64(i+1) {
			t.Fatalf("record %d has version %d", i, rec.Version)
		}
		if rec.To != steps[i].to {
			t.Fatalf("record %d is %s, expected %s", i, rec.To, steps[i].to)
		}
		if len(rec.OrderIDs) != 1 || rec.OrderIDs[0] != "oid-"+steps[i].cause {
			t.Fatalf("record %d order ids %v", i, rec.OrderIDs)
		}
	}
}

func TestKV(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "cloid:abc", "oid-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if val, ok, err := store.Get(ctx, "cloid:abc"); err != nil || !ok || val != "oid-1" {
		t.Fatalf("expected oid-1, got %q ok=%v err=%v", val, ok, err)
	}
	if err := store.Set(ctx, "cloid:abc", "oid-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if val, _, _ := store.Get(ctx, "cloid:abc"); val != "oid-2" {
		t.Fatalf("expected overwrite to oid-2, got %q", val)
	}
	if err := store.Delete(ctx, "cloid:abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "cloid:abc"); ok {
		t.Fatalf("expected key deleted")
	}
}
