package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("store: run not found")

// Store represents the SQLite statistics store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := Memory
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == Memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginRun starts a run and returns its ID.
func (s *Store) BeginRun(ctx context.Context, device string, thresholdMs int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, device, threshold_ms, started_at) VALUES (?, ?, ?, ?)`,
		id, device, thresholdMs, s.now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// EndRun closes a run and stores its totals.
func (s *Store) EndRun(ctx context.Context, id string, totals RunTotals) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, chatter_count = ?, deferred_count = ?, flushed_count = ?, dropped_count = ?
		WHERE id = ?`,
		s.now().UnixNano(), totals.Chatter, totals.Deferred, totals.Flushed, totals.Dropped, id,
	)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordChatter inserts a single chatter record.
func (s *Store) RecordChatter(ctx context.Context, c ChatterRecord) error {
	return s.RecordChatterBatch(ctx, []ChatterRecord{c})
}

// RecordChatterBatch inserts records in one transaction.
func (s *Store) RecordChatterBatch(ctx context.Context, records []ChatterRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chatter (run_id, key_code, key_name, pressed_ns, released_ns, repressed_ns)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range records {
		if _, err := stmt.ExecContext(ctx,
			c.RunID, c.KeyCode, c.KeyName, unixNano(c.PressedAt), unixNano(c.ReleasedAt), unixNano(c.RepressedAt),
		); err != nil {
			return fmt.Errorf("insert chatter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// KeyStats aggregates chatter since the given time, most chattering key
// first. A zero since covers everything.
func (s *Store) KeyStats(ctx context.Context, since time.Time) ([]KeyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_code, MAX(key_name), COUNT(*),
		       MIN(repressed_ns - released_ns), AVG(repressed_ns - released_ns), MAX(repressed_ns)
		FROM chatter
		WHERE repressed_ns >= ?
		GROUP BY key_code
		ORDER BY COUNT(*) DESC, key_code ASC`,
		unixNano(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query key stats: %w", err)
	}
	defer rows.Close()

	var stats []KeyStat
	for rows.Next() {
		var (
			ks     KeyStat
			minGap int64
			avgGap float64
			lastNs int64
		)
		if err := rows.Scan(&ks.KeyCode, &ks.KeyName, &ks.Count, &minGap, &avgGap, &lastNs); err != nil {
			return nil, fmt.Errorf("scan key stats: %w", err)
		}
		ks.MinGap = time.Duration(minGap)
		ks.AvgGap = time.Duration(avgGap)
		ks.Last = time.Unix(0, lastNs)
		stats = append(stats, ks)
	}
	return stats, rows.Err()
}

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device, threshold_ms, started_at, ended_at,
		       chatter_count, deferred_count, flushed_count, dropped_count
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device, threshold_ms, started_at, ended_at,
		       chatter_count, deferred_count, flushed_count, dropped_count
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ChatterCount returns how many chatter records a run has.
func (s *Store) ChatterCount(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chatter WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chatter: %w", err)
	}
	return n, nil
}

// Prune deletes runs that started before cutoff, with their chatter.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ? AND ended_at IS NOT NULL`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r       Run
		started int64
		ended   sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Device, &r.ThresholdMs, &started, &ended,
		&r.Chatter, &r.Deferred, &r.Flushed, &r.Dropped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = time.Unix(0, started)
	if ended.Valid {
		r.EndedAt = time.Unix(0, ended.Int64)
	}
	return r, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
