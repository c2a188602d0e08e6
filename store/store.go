// Package store keeps the history of prediction and evaluation runs in a
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/scoring"
)

// Run kinds.
const (
	KindPredict  = "predict"
	KindEvaluate = "evaluate"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one row of the history.
type Run struct {
	ID          string
	Kind        string
	Mode        string
	PostProcess bool
	Split       string
	OutputDir   string
	StartedAt   time.Time
	FinishedAt  time.Time
	Examples    int
	Status      string
	Error       string
	// Metrics is nil for prediction runs and for failed evaluations.
	Metrics *scoring.Report
}

// ExampleResult is the per-example score of an evaluation run.
type ExampleResult struct {
	Position int
	Example  string
	// Ratio is the median scaling ratio, 0 when scaling was off.
	Ratio  float64
	Report scoring.Report
}

// Store wraps the run history database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema. ":memory:" gives a private in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, evalerr.IO("create database directory", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, evalerr.IO("open database "+path, err)
	}
	// One connection: SQLite has a single writer and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, evalerr.IO("configure database", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a running row, filling ID, StartedAt and Status.
func (s *Store) StartRun(ctx context.Context, r Run) (Run, error) {
	r.ID = uuid.New().String()
	r.StartedAt = time.Now().UTC()
	r.Status = StatusRunning
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, mode, post_process, split, output_dir, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Mode, r.PostProcess, r.Split, r.OutputDir, r.StartedAt.UnixMilli(), r.Status)
	if err != nil {
		return r, evalerr.IO("insert run", err)
	}
	return r, nil
}

// FinishRun closes a run. A nil runErr marks it succeeded; metrics may be nil.
func (s *Store) FinishRun(ctx context.Context, id string, examples int, metrics *scoring.Report, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	vals := make([]any, 7)
	if metrics != nil {
		for i, v := range metrics.Values() {
			vals[i] = v
		}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, examples = ?, status = ?, error = ?,
			abs_rel = ?, sq_rel = ?, rmse = ?, rmse_log = ?, a1 = ?, a2 = ?, a3 = ?
		WHERE id = ?`,
		append(append([]any{time.Now().UTC().UnixMilli(), examples, status, msg}, vals...), id)...)
	if err != nil {
		return evalerr.IO("update run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return evalerr.NotFoundf("run %s", id)
	}
	return nil
}

// RecordExamples stores per-example scores of an evaluation run.
func (s *Store) RecordExamples(ctx context.Context, runID string, results []ExampleResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return evalerr.IO("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO example_results (run_id, example, position, ratio, abs_rel, sq_rel, rmse, rmse_log, a1, a2, a3)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return evalerr.IO("prepare example insert", err)
	}
	defer stmt.Close()
	for _, r := range results {
		v := r.Report.Values()
		if _, err := stmt.ExecContext(ctx, runID, r.Example, r.Position, r.Ratio,
			v[0], v[1], v[2], v[3], v[4], v[5], v[6]); err != nil {
			return evalerr.IO("insert example result", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return evalerr.IO("commit", err)
	}
	return nil
}

// ExampleResults returns the per-example scores of a run in manifest order.
func (s *Store) ExampleResults(ctx context.Context, runID string) ([]ExampleResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, example, ratio, abs_rel, sq_rel, rmse, rmse_log, a1, a2, a3
		FROM example_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, evalerr.IO("query example results", err)
	}
	defer rows.Close()

	var out []ExampleResult
	for rows.Next() {
		var r ExampleResult
		var v [7]float64
		var ratio sql.NullFloat64
		if err := rows.Scan(&r.Position, &r.Example, &ratio, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6]); err != nil {
			return nil, evalerr.IO("scan example result", err)
		}
		r.Ratio = ratio.Float64
		r.Report = scoring.FromValues(v)
		out = append(out, r)
	}
	return out, rows.Err()
}

const runColumns = `id, kind, mode, post_process, split, output_dir, started_at, finished_at,
	examples, status, error, abs_rel, sq_rel, rmse, rmse_log, a1, a2, a3`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	var m [7]sql.NullFloat64
	if err := sc.Scan(&r.ID, &r.Kind, &r.Mode, &r.PostProcess, &r.Split, &r.OutputDir, &started, &finished,
		&r.Examples, &r.Status, &r.Error, &m[0], &m[1], &m[2], &m[3], &m[4], &m[5], &m[6]); err != nil {
		return r, err
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	if m[0].Valid {
		var v [7]float64
		for i := range m {
			v[i] = m[i].Float64
		}
		rep := scoring.FromValues(v)
		r.Metrics = &rep
	}
	return r, nil
}

// GetRun loads one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, evalerr.NotFoundf("run %s", id)
	}
	if err != nil {
		return r, evalerr.IO("query run", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, evalerr.IO("query runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, evalerr.IO("scan run", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
