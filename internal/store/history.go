// SPDX-License-Identifier: MIT

// Package store persists the refresh run ledger in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Run is one refresh attempt, successful or not.
type Run struct {
	ID              string
	StartedAt       time.Time
	Duration        time.Duration
	Products        []string
	BytesDownloaded int64
	GridFingerprint string
	Resampling      string
	// Error is empty for successful runs.
	Error string
}

// Succeeded reports whether the run completed without error.
func (r Run) Succeeded() bool {
	return r.Error == ""
}

// History provides SQLite persistence for refresh runs.
type History struct {
	db *sql.DB
}

// Open initializes the history database and runs migrations.
// WAL mode plus busy_timeout keeps concurrent API reads from blocking
// the refresh writer.
func Open(dbPath string) (*History, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	h := &History{db: db}
	if err := h.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return h, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS refresh_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		products TEXT NOT NULL,
		bytes_downloaded INTEGER NOT NULL DEFAULT 0,
		grid_fingerprint TEXT NOT NULL DEFAULT '',
		resampling TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_refresh_runs_started ON refresh_runs(started_at);
	`

	_, err := h.db.Exec(schema)
	return err
}

// RecordRun inserts a finished run.
func (h *History) RecordRun(ctx context.Context, run Run) error {
	query := `
	INSERT INTO refresh_runs (id, started_at, duration_ms, products, bytes_downloaded, grid_fingerprint, resampling, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := h.db.ExecContext(ctx, query,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.Duration.Milliseconds(),
		strings.Join(run.Products, ","),
		run.BytesDownloaded,
		run.GridFingerprint,
		run.Resampling,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest runs first, at most limit rows.
func (h *History) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
	SELECT id, started_at, duration_ms, products, bytes_downloaded, grid_fingerprint, resampling, error
	FROM refresh_runs
	ORDER BY started_at DESC
	LIMIT ?
	`

	rows, err := h.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastSuccess returns the most recent run that completed without error,
// or sql.ErrNoRows if none exists yet.
func (h *History) LastSuccess(ctx context.Context) (Run, error) {
	query := `
	SELECT id, started_at, duration_ms, products, bytes_downloaded, grid_fingerprint, resampling, error
	FROM refresh_runs
	WHERE error = ''
	ORDER BY started_at DESC
	LIMIT 1
	`
	return scanRun(h.db.QueryRowContext(ctx, query))
}

// Prune removes runs older than the cutoff and returns the number deleted.
func (h *History) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx,
		"DELETE FROM refresh_runs WHERE started_at < ?",
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run        Run
		startedAt  string
		durationMS int64
		products   string
	)
	if err := row.Scan(&run.ID, &startedAt, &durationMS, &products,
		&run.BytesDownloaded, &run.GridFingerprint, &run.Resampling, &run.Error); err != nil {
		return Run{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	run.StartedAt = ts
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if products != "" {
		run.Products = strings.Split(products, ",")
	}
	return run, nil
}
