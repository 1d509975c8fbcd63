package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "ethgasmeter/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
	now    func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (UserRepository, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: pragmas below are per-connection and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `SELECT user_telegram_id, threshold, is_notified, version, updated_at FROM user_threshold`

func (s *sqliteStore) FindByID(ctx context.Context, userID int64) (UserThreshold, bool, error) {
	if s.closed.Load() {
		return UserThreshold{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE user_telegram_id = ?`, userID)
	u, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserThreshold{}, false, nil
	}
	if err != nil {
		return UserThreshold{}, false, err
	}
	return u, true, nil
}

func (s *sqliteStore) FindWhere(ctx context.Context, q Query) ([]UserThreshold, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var where string
	switch q.kind {
	case queryEntering:
		where = ` WHERE threshold IS NOT NULL AND threshold <= ? AND is_notified = 0`
	case queryExiting:
		where = ` WHERE threshold IS NOT NULL AND threshold > ? AND is_notified = 1`
	default:
		return nil, fmt.Errorf("invalid query %s", q)
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+where+` ORDER BY user_telegram_id`, q.price)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserThreshold
	for rows.Next() {
		u, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Save runs the batch in one transaction. Version mismatches skip the row
// and are collected into a *ConflictError after commit; any other error
// rolls the whole batch back.
func (s *sqliteStore) Save(ctx context.Context, rows ...UserThreshold) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC().Format(timeLayout)
	var conflicts []int64
	for _, u := range rows {
		var res sql.Result
		if u.Version == 0 {
			res, err = tx.ExecContext(ctx,
				`INSERT INTO user_threshold(user_telegram_id, threshold, is_notified, version, updated_at)
				 VALUES(?,?,?,1,?)
				 ON CONFLICT(user_telegram_id) DO NOTHING`,
				u.UserID, nullFloat(u.Threshold), u.IsNotified, now,
			)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE user_threshold
				 SET threshold = ?, is_notified = ?, version = version + 1, updated_at = ?
				 WHERE user_telegram_id = ? AND version = ?`,
				nullFloat(u.Threshold), u.IsNotified, now, u.UserID, u.Version,
			)
		}
		if err != nil {
			return fmt.Errorf("save user %d: %w", u.UserID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			conflicts = append(conflicts, u.UserID)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &ConflictError{IDs: conflicts}
	}
	return nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrClosed
	}
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(threshold),
		        COALESCE(SUM(CASE WHEN threshold IS NOT NULL AND is_notified = 1 THEN 1 ELSE 0 END), 0)
		 FROM user_threshold`,
	).Scan(&st.Users, &st.Active, &st.Notified)
	return st, err
}

// Maintain refreshes planner statistics and truncates the WAL.
func (s *sqliteStore) Maintain(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	s.log.Debug("sqlite maintenance done", logx.Duration("took", time.Since(start)))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(r rowScanner) (UserThreshold, error) {
	var (
		u         UserThreshold
		threshold sql.NullFloat64
		updatedAt sql.NullString
	)
	if err := r.Scan(&u.UserID, &threshold, &u.IsNotified, &u.Version, &updatedAt); err != nil {
		return UserThreshold{}, err
	}
	if threshold.Valid {
		v := threshold.Float64
		u.Threshold = &v
	}
	if updatedAt.Valid {
		if t, err := time.Parse(timeLayout, updatedAt.String); err == nil {
			u.UpdatedAt = t
		}
	}
	return u, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
