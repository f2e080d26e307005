// Package history records mart construction runs in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one recorded construction run.
type Run struct {
	ID           string     `json:"id"`
	TargetSchema string     `json:"target_schema"`
	DataSets     []string   `json:"datasets"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	Actions      int        `json:"actions"`
	ConfigPath   string     `json:"config_path,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Duration returns how long the run took, or how long it has been running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// DataSetRun counts the actions emitted for one dataset in one schema partition.
type DataSetRun struct {
	RunID     string
	DataSet   string
	Partition string
	Actions   int
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	target_schema TEXT NOT NULL,
	datasets      TEXT NOT NULL,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	actions       INTEGER NOT NULL DEFAULT 0,
	config_path   TEXT NOT NULL DEFAULT '',
	started_at    TEXT NOT NULL,
	completed_at  TEXT
);
CREATE TABLE IF NOT EXISTS dataset_runs (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	dataset   TEXT NOT NULL,
	partition TEXT NOT NULL,
	actions   INTEGER NOT NULL,
	PRIMARY KEY (run_id, dataset, partition)
);
`

// timeFormat is fixed width so stored timestamps sort chronologically as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed run history. Timestamps are stored as UTC text.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
// ":memory:" opens a private in-memory store.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening history: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun records the start of a run.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, target_schema, datasets, status, config_path, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.TargetSchema, strings.Join(r.DataSets, ","), r.Status, r.ConfigPath, formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("creating run %s: %w", r.ID, err)
	}
	return nil
}

// RecordDataSet stores the action count of one dataset pass.
func (s *Store) RecordDataSet(ctx context.Context, d DataSetRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dataset_runs (run_id, dataset, partition, actions) VALUES (?, ?, ?, ?)`,
		d.RunID, d.DataSet, d.Partition, d.Actions)
	if err != nil {
		return fmt.Errorf("recording dataset %s of run %s: %w", d.DataSet, d.RunID, err)
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *Store) CompleteRun(ctx context.Context, id, status string, actions int, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, actions = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, actions, errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("completing run %s: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `id, target_schema, datasets, status, error, actions, config_path, started_at, completed_at`

// Runs returns the most recent runs first. A limit of zero returns every run.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Run returns one run.
func (s *Store) Run(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// DataSets returns the per-dataset breakdown of a run.
func (s *Store) DataSets(ctx context.Context, runID string) ([]DataSetRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, dataset, partition, actions FROM dataset_runs WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing datasets of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []DataSetRun
	for rows.Next() {
		var d DataSetRun
		if err := rows.Scan(&d.RunID, &d.DataSet, &d.Partition, &d.Actions); err != nil {
			return nil, fmt.Errorf("scanning dataset run: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r         Run
		datasets  string
		started   string
		completed sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.TargetSchema, &datasets, &r.Status, &r.Error, &r.Actions,
		&r.ConfigPath, &started, &completed); err != nil {
		return nil, err
	}
	if datasets != "" {
		r.DataSets = strings.Split(datasets, ",")
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	return &r, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
