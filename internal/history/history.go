// Package history keeps finished deployment runs in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"provisioner/internal/deploy"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	solution_id TEXT NOT NULL,
	preset_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	log_path    TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_started ON runs(started_at);
CREATE TABLE IF NOT EXISTS steps (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	step_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	required    INTEGER NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
)`

// Run is a recorded deployment.
type Run struct {
	RunID      string
	SolutionID string
	PresetID   string
	Status     deploy.RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	LogPath    string
	Error      string
	// Steps is filled by Get only.
	Steps []Step
}

// Step is a recorded step of a run.
type Step struct {
	StepID     string
	Type       string
	Target     string
	Required   bool
	Status     deploy.StepStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store records runs, keeping at most maxRecords of them.
type Store struct {
	db         *sql.DB
	maxRecords int
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, maxRecords int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers from concurrent runs.
	db.SetMaxOpenConns(1)
	s := New(db, maxRecords)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise history %s: %w", path, err)
	}
	return s, nil
}

// New wraps an open database. maxRecords <= 0 keeps everything.
func New(db *sql.DB, maxRecords int) *Store {
	return &Store{db: db, maxRecords: maxRecords}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Record stores r, replacing an earlier record with the same run id, and
// prunes the oldest runs beyond the cap.
func (s *Store) Record(ctx context.Context, r *deploy.RunResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.record(ctx, tx, r); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record run %s: %w", r.RunID, err)
	}
	return tx.Commit()
}

func (s *Store) record(ctx context.Context, tx *sql.Tx, r *deploy.RunResult) error {
	runErr := ""
	if err := r.Err(); err != nil {
		runErr = err.Error()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(run_id, solution_id, preset_id, status, started_at, finished_at, log_path, error) VALUES(?,?,?,?,?,?,?,?)`,
		r.RunID, r.SolutionID, r.PresetID, string(r.Status), unixNano(r.StartedAt), unixNano(r.FinishedAt), r.LogPath, runErr,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE run_id = ?`, r.RunID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO steps(run_id, seq, step_id, type, target, required, status, error, started_at, finished_at) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, st := range r.Steps {
		stepErr := ""
		if st.Error != nil {
			stepErr = st.Error.Error()
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, i, st.StepID, string(st.Type), st.Target, boolToInt(st.Required),
			string(st.Status), stepErr, unixNano(st.StartedAt), unixNano(st.FinishedAt)); err != nil {
			return err
		}
	}
	if s.maxRecords <= 0 {
		return nil
	}
	const stale = `SELECT run_id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE run_id IN (`+stale+`)`, s.maxRecords); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (`+stale+`)`, s.maxRecords)
	return err
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	SolutionID string
	Limit      int
}

// List returns runs newest first, without steps.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	q := `SELECT run_id, solution_id, preset_id, status, started_at, finished_at, log_path, error FROM runs`
	var args []interface{}
	if f.SolutionID != "" {
		q += ` WHERE solution_id = ?`
		args = append(args, f.SolutionID)
	}
	q += ` ORDER BY started_at DESC, rowid DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r              Run
		status         string
		started, ended int64
	)
	if err := sc.Scan(&r.RunID, &r.SolutionID, &r.PresetID, &status, &started, &ended, &r.LogPath, &r.Error); err != nil {
		return nil, err
	}
	r.Status = deploy.RunStatus(status)
	r.StartedAt, r.FinishedAt = fromUnixNano(started), fromUnixNano(ended)
	return &r, nil
}

// Get returns one run with its steps in plan order.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, solution_id, preset_id, status, started_at, finished_at, log_path, error FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, type, target, required, status, error, started_at, finished_at FROM steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st             Step
			required       int
			status         string
			started, ended int64
		)
		if err := rows.Scan(&st.StepID, &st.Type, &st.Target, &required, &status, &st.Error, &started, &ended); err != nil {
			return nil, err
		}
		st.Required = required != 0
		st.Status = deploy.StepStatus(status)
		st.StartedAt, st.FinishedAt = fromUnixNano(started), fromUnixNano(ended)
		r.Steps = append(r.Steps, st)
	}
	return r, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
