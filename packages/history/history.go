// Package history records every splitrun invocation in a SQLite database so
// runs can be compared and slow units found across CI jobs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
	"github.com/google/uuid"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	shard       TEXT NOT NULL DEFAULT '',
	workers     INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	not_run     INTEGER NOT NULL,
	timed_out   INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	incomplete  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS unit_results (
	run_id      TEXT NOT NULL,
	unit        TEXT NOT NULL,
	worker      INTEGER NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	timed_out   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at);
CREATE INDEX IF NOT EXISTS idx_unit_results_run ON unit_results (run_id);
CREATE INDEX IF NOT EXISTS idx_unit_results_unit ON unit_results (unit);
`

// Run is one recorded invocation
type Run struct {
	ID         string
	StartedAt  time.Time
	Shard      string
	Workers    int
	Total      int
	Passed     int
	Failed     int
	NotRun     int
	TimedOut   int
	Duration   time.Duration
	Incomplete bool
}

// Success reports whether every unit of the run ran and passed
func (r *Run) Success() bool {
	return r.Failed == 0 && !r.Incomplete
}

// UnitStat aggregates every recorded execution of one unit
type UnitStat struct {
	Unit     string
	Runs     int
	Failures int
	Average  time.Duration
	Max      time.Duration
}

// Store is a run history database
type Store struct {
	db           *sql.DB
	path         string
	queryTimeout time.Duration
}

// Open opens or creates the history database. The location is a file path or
// a sqlite:// connection string; missing parent directories are created.
func Open(location string) (*Store, error) {
	driver, path, err := parseConnectionString(location)
	if err != nil {
		return nil, err
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create history directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases alive and serialises writers
	db.SetMaxOpenConns(1)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{
		db:           db,
		path:         path,
		queryTimeout: 30 * time.Second,
	}, nil
}

// Path returns the database file
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRun records a report and all of its unit results. A report without a
// run id gets a fresh one. It returns the id the run was stored under.
func (s *Store) SaveRun(ctx context.Context, report *runner.Report) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	sum := report.Summary
	id := sum.RunID
	if id == "" {
		id = uuid.NewString()
	}
	startedAt := sum.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	shard := ""
	if sum.Shard != nil {
		shard = sum.Shard.String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, shard, workers, total, passed, failed, not_run, timed_out, duration_ns, incomplete)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, startedAt.UnixNano(), shard, sum.Workers, sum.TotalUnits, sum.Passed, sum.Failed,
		sum.NotRun, sum.TimedOut, int64(sum.Duration), sum.Incomplete)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO unit_results (run_id, unit, worker, exit_code, duration_ns, passed, timed_out)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare unit insert: %w", err)
	}
	defer stmt.Close()

	for _, res := range report.Results {
		if _, err := stmt.ExecContext(ctx, id, res.Unit, res.WorkerID, res.ExitCode,
			int64(res.Duration), res.Passed(), res.TimedOut); err != nil {
			return "", fmt.Errorf("insert unit %s: %w", res.Unit, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// RecentRuns returns up to limit runs, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, shard, workers, total, passed, failed, not_run, timed_out, duration_ns, incomplete
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r         Run
			started   int64
			durationN int64
		)
		if err := rows.Scan(&r.ID, &started, &r.Shard, &r.Workers, &r.Total, &r.Passed, &r.Failed,
			&r.NotRun, &r.TimedOut, &durationN, &r.Incomplete); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		r.Duration = time.Duration(durationN)
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return runs, nil
}

// LastRun returns the newest recorded run for shard ("" for unsharded runs),
// or nil when there is none
func (s *Store) LastRun(ctx context.Context, shard string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var (
		r         Run
		started   int64
		durationN int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, shard, workers, total, passed, failed, not_run, timed_out, duration_ns, incomplete
		 FROM runs WHERE shard = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, shard).
		Scan(&r.ID, &started, &r.Shard, &r.Workers, &r.Total, &r.Passed, &r.Failed,
			&r.NotRun, &r.TimedOut, &durationN, &r.Incomplete)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	r.StartedAt = time.Unix(0, started)
	r.Duration = time.Duration(durationN)
	return &r, nil
}

// SlowestUnits returns up to limit units ordered by average duration, slowest first
func (s *Store) SlowestUnits(ctx context.Context, limit int) ([]UnitStat, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT unit, COUNT(*), SUM(CASE WHEN passed THEN 0 ELSE 1 END),
		        CAST(AVG(duration_ns) AS INTEGER), MAX(duration_ns)
		 FROM unit_results GROUP BY unit ORDER BY AVG(duration_ns) DESC, unit LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var stats []UnitStat
	for rows.Next() {
		var (
			u        UnitStat
			avg, longest int64
		)
		if err := rows.Scan(&u.Unit, &u.Runs, &u.Failures, &avg, &longest); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		u.Average = time.Duration(avg)
		u.Max = time.Duration(longest)
		stats = append(stats, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return stats, nil
}

// Prune deletes all but the newest keep runs and returns how many were removed
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const stale = `SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM unit_results WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("prune units: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// parseConnectionString parses a history location into driver and DSN
// Supported formats:
// - sqlite://path/to/history.db
// - sqlite:./history.db
// - path/to/history.db
func parseConnectionString(connStr string) (driver string, dsn string, err error) {
	connStr = strings.TrimSpace(connStr)
	if connStr == "" {
		return "", "", fmt.Errorf("empty history location")
	}

	// Handle sqlite:// and sqlite: prefixes
	if strings.HasPrefix(connStr, "sqlite://") {
		return "sqlite3", strings.TrimPrefix(connStr, "sqlite://"), nil
	}
	if strings.HasPrefix(connStr, "sqlite:") {
		return "sqlite3", strings.TrimPrefix(connStr, "sqlite:"), nil
	}

	if i := strings.Index(connStr, "://"); i > 0 {
		return "", "", fmt.Errorf("unsupported database scheme: %s", connStr[:i])
	}
	return "sqlite3", connStr, nil
}
