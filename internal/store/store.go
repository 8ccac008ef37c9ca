// Package store persists the job log and the read models of readyd in
// SQLite.
//
// The events table is append-only. Jobs change state only through the
// guarded transitions in ClaimJob and FinishJob. Projection rows
// (task_analyses, story_summaries, task_suggestions) are derived from
// events and can be dropped and rebuilt with ResetProjections.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist for the org.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned when a job is no longer requested.
	ErrClaimConflict = errors.New("job already claimed")
	// ErrIllegalTransition is returned for a state change the lifecycle
	// forbids.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is the store implementation.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" keeps it in
// process.
func Open(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		org_id TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		story_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		use_repo_context INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		classification TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stories (
		org_id TEXT NOT NULL,
		id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (org_id, id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		org_id TEXT NOT NULL,
		id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (org_id, id)
	);

	CREATE TABLE IF NOT EXISTS task_analyses (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		org_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		score TEXT NOT NULL,
		vague_terms TEXT NOT NULL,
		missing_elements TEXT NOT NULL,
		recommendations TEXT NOT NULL,
		analyzed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS story_summaries (
		org_id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (org_id, story_id)
	);

	CREATE TABLE IF NOT EXISTS task_suggestions (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		file_paths TEXT NOT NULL,
		code_examples TEXT NOT NULL,
		confidence INTEGER NOT NULL,
		acceptance_criteria TEXT NOT NULL,
		estimated_hours REAL,
		clarity_score INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repo_configs (
		org_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		id TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT '',
		validated INTEGER NOT NULL DEFAULT 0,
		last_validated_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (org_id, project_id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, seq);
	CREATE INDEX IF NOT EXISTS idx_jobs_debounce ON jobs(org_id, kind, content_hash, updated_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_story ON tasks(org_id, story_id, position);
	CREATE INDEX IF NOT EXISTS idx_analyses_story ON task_analyses(org_id, story_id, seq);
	CREATE INDEX IF NOT EXISTS idx_suggestions_story ON task_suggestions(org_id, story_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
