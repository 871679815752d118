package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"okx-carry-bot/internal/position"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// the engine serializes writers per position; a single connection keeps
	// sqlite's own locking out of the picture
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			spot_inst TEXT NOT NULL,
			swap_inst TEXT NOT NULL,
			status TEXT NOT NULL,
			spot_qty REAL NOT NULL,
			futures_qty REAL NOT NULL,
			borrow_amount REAL NOT NULL,
			entry_basis REAL NOT NULL,
			funding_accrued REAL NOT NULL,
			thresholds BLOB NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			position_id TEXT NOT NULL REFERENCES positions(id),
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			version INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			cause TEXT NOT NULL,
			order_ids TEXT NOT NULL,
			PRIMARY KEY (position_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, pos position.CarryPosition) error {
	thresholds, err := msgpack.Marshal(pos.Thresholds)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO positions
		(id, spot_inst, swap_inst, status, spot_qty, futures_qty, borrow_amount, entry_basis, funding_accrued, thresholds, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.SpotInst, pos.SwapInst, string(pos.Status),
		pos.SpotQty, pos.FuturesQty, pos.BorrowAmount, pos.EntryBasis, pos.FundingAccrued,
		thresholds, pos.Version, pos.CreatedAt.UnixMilli(), pos.UpdatedAt.UnixMilli())
	return err
}

func (s *Store) Load(ctx context.Context, id string) (position.CarryPosition, error) {
	row := s.db.QueryRowContext(ctx, selectPosition+` WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return position.CarryPosition{}, position.ErrNotFound
	}
	return pos, err
}

func (s *Store) ListOpen(ctx context.Context) ([]position.CarryPosition, error) {
	rows, err := s.db.QueryContext(ctx, selectPosition+` WHERE status NOT IN (?, ?) ORDER BY created_at`,
		string(position.StatusClosed), string(position.StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []position.CarryPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// AppendTransition commits next together with its ledger record, guarded by
// the optimistic version check. Replaying an already-committed version
// returns the stored row without writing anything.
func (s *Store) AppendTransition(ctx context.Context, next position.CarryPosition, rec position.TransitionRecord) (position.CarryPosition, error) {
	if rec.PositionID != next.ID || rec.Version != next.Version || rec.To != next.Status {
		return position.CarryPosition{}, fmt.Errorf("transition record does not match position %s", next.ID)
	}
	if !position.CanTransition(rec.From, rec.To) {
		return position.CarryPosition{}, fmt.Errorf("%w: %s -> %s", position.ErrInvalidTransition, rec.From, rec.To)
	}
	expected := rec.Version - 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return position.CarryPosition{}, err
	}
	defer tx.Rollback()

	var applied string
	err = tx.QueryRowContext(ctx, `SELECT to_status FROM transitions WHERE position_id = ? AND version = ?`,
		rec.PositionID, rec.Version).Scan(&applied)
	switch {
	case err == nil:
		// already committed; idempotent replay
		row := tx.QueryRowContext(ctx, selectPosition+` WHERE id = ?`, rec.PositionID)
		pos, err := scanPosition(row)
		if err != nil {
			return position.CarryPosition{}, err
		}
		return pos, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return position.CarryPosition{}, err
	}

	thresholds, err := msgpack.Marshal(next.Thresholds)
	if err != nil {
		return position.CarryPosition{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE positions SET
		status = ?, spot_qty = ?, futures_qty = ?, borrow_amount = ?, entry_basis = ?,
		funding_accrued = ?, thresholds = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Status), next.SpotQty, next.FuturesQty, next.BorrowAmount, next.EntryBasis,
		next.FundingAccrued, thresholds, next.Version, next.UpdatedAt.UnixMilli(),
		next.ID, expected)
	if err != nil {
		return position.CarryPosition{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return position.CarryPosition{}, err
	}
	if affected == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM positions WHERE id = ?`, next.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return position.CarryPosition{}, position.ErrNotFound
		}
		if err != nil {
			return position.CarryPosition{}, err
		}
		return position.CarryPosition{}, fmt.Errorf("%w: have %d, expected %d", position.ErrVersionConflict, current, expected)
	}

	orderIDs, err := json.Marshal(rec.OrderIDs)
	if err != nil {
		return position.CarryPosition{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO transitions
		(position_id, from_status, to_status, version, ts, cause, order_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.PositionID, string(rec.From), string(rec.To), rec.Version,
		rec.Time.UnixMilli(), rec.Cause, string(orderIDs)); err != nil {
		return position.CarryPosition{}, err
	}
	if err := tx.Commit(); err != nil {
		return position.CarryPosition{}, err
	}
	return next, nil
}

func (s *Store) Transitions(ctx context.Context, id string) ([]position.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT position_id, from_status, to_status, version, ts, cause, order_ids
		FROM transitions WHERE position_id = ? ORDER BY version`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []position.TransitionRecord
	for rows.Next() {
		var rec position.TransitionRecord
		var from, to, orderIDs string
		var ts int64
		if err := rows.Scan(&rec.PositionID, &from, &to, &rec.Version, &ts, &rec.Cause, &orderIDs); err != nil {
			return nil, err
		}
		rec.From = position.Status(from)
		rec.To = position.Status(to)
		rec.Time = time.UnixMilli(ts).UTC()
		if err := json.Unmarshal([]byte(orderIDs), &rec.OrderIDs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get, Set and Delete back the executor's client-order-id cache.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

const selectPosition = `SELECT id, spot_inst, swap_inst, status, spot_qty, futures_qty,
	borrow_amount, entry_basis, funding_accrued, thresholds, version, created_at, updated_at
	FROM positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (position.CarryPosition, error) {
	var pos position.CarryPosition
	var status string
	var thresholds []byte
	var createdAt, updatedAt int64
	if err := row.Scan(&pos.ID, &pos.SpotInst, &pos.SwapInst, &status,
		&pos.SpotQty, &pos.FuturesQty, &pos.BorrowAmount, &pos.EntryBasis, &pos.FundingAccrued,
		&thresholds, &pos.Version, &createdAt, &updatedAt); err != nil {
		return position.CarryPosition{}, err
	}
	pos.Status = position.Status(status)
	pos.CreatedAt = time.UnixMilli(createdAt).UTC()
	pos.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := msgpack.Unmarshal(thresholds, &pos.Thresholds); err != nil {
		return position.CarryPosition{}, err
	}
	return pos, nil
}
