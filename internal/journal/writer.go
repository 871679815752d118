package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"okx-carry-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PositionSnapshot is one observability row per evaluation cycle. The
// sqlite store stays the source of truth; this journal only feeds
// dashboards and can be lossy.
type PositionSnapshot struct {
	Time                time.Time
	PositionID          string
	Status              string
	SpotQty             float64
	FuturesQty          float64
	BorrowAmount        float64
	EntryBasis          float64
	FundingAccrued      float64
	SpotPrice           float64
	FuturesPrice        float64
	FundingRate         float64
	HedgeDrift          float64
	LiquidationDistance float64
}

type Transition struct {
	Time       time.Time
	PositionID string
	From       string
	To         string
	Version    int64
	Cause      string
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	snapshots   chan PositionSnapshot
	transitions chan Transition
	started     atomic.Bool
	dropSnap    atomic.Uint64
	dropTrans   atomic.Uint64
}

func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		snapshots:   make(chan PositionSnapshot, queueSize),
		transitions: make(chan Transition, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSnapshot(snap PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snap:
	default:
		if w.dropSnap.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal snapshot queue full")
		}
	}
}

func (w *Writer) EnqueueTransition(trans Transition) {
	if w == nil {
		return
	}
	select {
	case w.transitions <- trans:
	default:
		if w.dropTrans.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal transition queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		case trans := <-w.transitions:
			w.writeTransition(ctx, trans)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		status TEXT NOT NULL,
		spot_qty DOUBLE PRECISION NOT NULL,
		futures_qty DOUBLE PRECISION NOT NULL,
		borrow_amount DOUBLE PRECISION NOT NULL,
		entry_basis DOUBLE PRECISION NOT NULL,
		funding_accrued DOUBLE PRECISION NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		futures_price DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		hedge_drift DOUBLE PRECISION NOT NULL,
		liq_distance DOUBLE PRECISION NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		version BIGINT NOT NULL,
		cause TEXT NOT NULL
	)`, w.table("position_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"position_snapshots", "position_transitions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSnapshot(ctx context.Context, snap PositionSnapshot) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, status, spot_qty, futures_qty, borrow_amount, entry_basis,
		funding_accrued, spot_price, futures_price, funding_rate, hedge_drift, liq_distance
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time, snap.PositionID, snap.Status,
		snap.SpotQty, snap.FuturesQty, snap.BorrowAmount, snap.EntryBasis,
		snap.FundingAccrued, snap.SpotPrice, snap.FuturesPrice, snap.FundingRate,
		snap.HedgeDrift, snap.LiquidationDistance,
	); err != nil && w.log != nil {
		w.log.Warn("journal snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTransition(ctx context.Context, trans Transition) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, from_status, to_status, version, cause
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("position_transitions"))
	if _, err := w.db.ExecContext(ctx, query,
		trans.Time, trans.PositionID, trans.From, trans.To, trans.Version, trans.Cause,
	); err != nil && w.log != nil {
		w.log.Warn("journal transition insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
