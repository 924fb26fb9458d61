package phantom_probe

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

// RunStore keeps finished runs and their steps in sqlite.
type RunStore struct {
	db *sql.DB
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	State      string
	Success    bool
	Planned    int
	Attempted  int
	Error      string
}

// StepRecord is one row of the steps table.
type StepRecord struct {
	Seq      int
	Waypoint string
	Outcome  string
	Attempts int
	Elapsed  time.Duration
	Error    string
}

func OpenRunStore(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open run history %s", path)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at INTEGER,
			finished_at INTEGER,
			state TEXT,
			success INTEGER,
			planned INTEGER,
			attempted INTEGER,
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT,
			seq INTEGER,
			waypoint TEXT,
			outcome TEXT,
			attempts INTEGER,
			elapsed_ms INTEGER,
			error TEXT,
			PRIMARY KEY (run_id, seq)
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to create run history tables")
		}
	}

	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error {
	return s.db.Close()
}

// Record stores a finished run in one transaction.
func (s *RunStore) Record(ctx context.Context, result SequenceResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, state, success, planned, attempted, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.StartedAt.UnixMilli(), result.FinishedAt.UnixMilli(), result.State.String(),
		boolToInt(result.Success), result.Planned, len(result.Steps), errString(result.Err))
	if err != nil {
		return errors.Wrapf(err, "failed to record run %s", result.RunID)
	}

	for i, step := range result.Steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, seq, waypoint, outcome, attempts, elapsed_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, i, step.Waypoint.Name, step.Outcome.String(), step.Attempts,
			step.Elapsed.Milliseconds(), errString(step.Err))
		if err != nil {
			return errors.Wrapf(err, "failed to record step %d of run %s", i, result.RunID)
		}
	}

	return tx.Commit()
}

// Recent returns up to limit runs, newest first.
func (s *RunStore) Recent(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, state, success, planned, attempted, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var started, finished int64
		var success int
		if err := rows.Scan(&r.ID, &started, &finished, &r.State, &success, &r.Planned, &r.Attempted, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		r.Success = success != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Steps returns the recorded steps of one run in order.
func (s *RunStore) Steps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, waypoint, outcome, attempts, elapsed_ms, error FROM steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var st StepRecord
		var elapsed int64
		if err := rows.Scan(&st.Seq, &st.Waypoint, &st.Outcome, &st.Attempts, &elapsed, &st.Error); err != nil {
			return nil, err
		}
		st.Elapsed = time.Duration(elapsed) * time.Millisecond
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
