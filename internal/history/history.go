// Package history keeps a log of synchronization runs in an embedded
// SQLite database.
//
// Architecture:
//   - Database file: <data_dir>/.ledger/history.db
//   - WAL mode: the HTTP layer reads while a run is being recorded
//   - Schema: runs, outcomes (one row per target, in run order)
//
// A DB is a gitsync.Observer: register it with the engine and every
// completed run is appended, including runs where a push failed and the
// commit stayed local.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/ledger/internal/gitsync"
)

const (
	// DefaultLimit is the number of runs Recent returns when asked for none
	DefaultLimit = 20

	// MaxLimit caps a single Recent query
	MaxLimit = 500
)

// Run is one recorded synchronization run
type Run struct {
	ID int64 `json:"id"`
	OK bool  `json:"ok"`
	gitsync.Report
}

// DB wraps the history database connection
type DB struct {
	conn *sql.DB
	path string
	keep int
}

// Open creates or opens the history database at path and ensures its schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL is persistent in the database file
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string { return db.path }

// SetRetention keeps only the newest keep runs after each insert.
// Zero or less keeps everything.
func (db *DB) SetRetention(keep int) {
	db.keep = keep
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		triggered_by TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		ok          INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		run_id      INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		position    INTEGER NOT NULL,
		target      TEXT NOT NULL,
		dir         TEXT NOT NULL,
		changed     INTEGER NOT NULL,
		committed   INTEGER NOT NULL,
		pushed      INTEGER NOT NULL,
		remote      TEXT NOT NULL DEFAULT '',
		branch      TEXT NOT NULL DEFAULT '',
		commit_hash TEXT NOT NULL DEFAULT '',
		conflicts   TEXT NOT NULL DEFAULT '[]',
		state       TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_target ON outcomes(target);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RunFinished implements gitsync.Observer
func (db *DB) RunFinished(ctx context.Context, report gitsync.Report) error {
	_, err := db.RecordRun(ctx, report)
	return err
}

// RecordRun appends a run and its outcomes and returns the run id
func (db *DB) RecordRun(ctx context.Context, report gitsync.Report) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (triggered_by, started_at, finished_at, ok) VALUES (?, ?, ?, ?)`,
		report.Trigger,
		report.StartedAt.UTC().Format(time.RFC3339Nano),
		report.FinishedAt.UTC().Format(time.RFC3339Nano),
		report.OK(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}

	for i, o := range report.Outcomes {
		conflicts, err := json.Marshal(nonNil(o.Conflicts))
		if err != nil {
			return 0, fmt.Errorf("failed to marshal conflicts: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outcomes (run_id, position, target, dir, changed, committed, pushed,
				remote, branch, commit_hash, conflicts, state, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, o.Target, o.Dir, o.Changed, o.Committed, o.Pushed,
			o.Remote, o.Branch, o.Commit, string(conflicts), o.State.String(), o.Error,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert outcome for %s: %w", o.Target, err)
		}
	}

	if db.keep > 0 {
		for _, q := range []string{
			`DELETE FROM outcomes WHERE run_id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)`,
			`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)`,
		} {
			if _, err := tx.ExecContext(ctx, q, db.keep); err != nil {
				return 0, fmt.Errorf("failed to prune history: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// Recent returns up to limit runs, newest first
func (db *DB) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, triggered_by, started_at, finished_at, ok FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &started, &finished, &r.OK); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	_ = rows.Close()

	for i := range runs {
		outcomes, err := db.outcomes(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Outcomes = outcomes
	}

	if runs == nil {
		runs = []Run{}
	}
	return runs, nil
}

func (db *DB) outcomes(ctx context.Context, runID int64) ([]gitsync.Outcome, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT target, dir, changed, committed, pushed, remote, branch, commit_hash,
			conflicts, state, error
		FROM outcomes WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []gitsync.Outcome{}
	for rows.Next() {
		var (
			o         gitsync.Outcome
			conflicts string
			state     string
		)
		if err := rows.Scan(&o.Target, &o.Dir, &o.Changed, &o.Committed, &o.Pushed,
			&o.Remote, &o.Branch, &o.Commit, &conflicts, &state, &o.Error); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		if err := json.Unmarshal([]byte(conflicts), &o.Conflicts); err != nil {
			return nil, fmt.Errorf("failed to parse conflicts for %s: %w", o.Target, err)
		}
		if len(o.Conflicts) == 0 {
			o.Conflicts = nil
		}
		if err := o.State.UnmarshalText([]byte(state)); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return outcomes, nil
}

// Count returns the number of recorded runs
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
