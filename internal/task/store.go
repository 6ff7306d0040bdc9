// Package task is the persistent todo list. Tasks move pending -> running ->
// done/failed; each finished run is appended to the run log.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Add inserts a new pending task and returns its id.
func (s *Store) Add(ctx context.Context, description string) (string, error) {
	if description == "" {
		return "", fmt.Errorf("description is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks(id, description, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?);
`, id, description, StatusPending, now, now)
	if err != nil {
		return "", fmt.Errorf("add task: %w", err)
	}
	return id, nil
}

// Get fetches one task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, description, status, response, created_at, updated_at
FROM tasks WHERE id = ?;
`, id)
	return scanTask(row)
}

// List returns tasks newest first. An empty status matches all tasks.
func (s *Store) List(ctx context.Context, status Status) ([]*Task, error) {
	query := `
SELECT id, description, status, response, created_at, updated_at
FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkRunning transitions a pending task to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusRunning, "")
}

// MarkDone transitions a task to done, recording the worker's response.
func (s *Store) MarkDone(ctx context.Context, id, response string) error {
	return s.setStatus(ctx, id, StatusDone, response)
}

// MarkFailed transitions a task to failed, recording the failure detail.
func (s *Store) MarkFailed(ctx context.Context, id, detail string) error {
	return s.setStatus(ctx, id, StatusFailed, detail)
}

func (s *Store) setStatus(ctx context.Context, id string, status Status, response string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var resp any
	if response != "" {
		resp = response
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, response = COALESCE(?, response), updated_at = ?
WHERE id = ?;
`, status, resp, now, id)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a task and its run history.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM run_log WHERE task_id = ?;`, id)
	if err != nil {
		return fmt.Errorf("remove run log for %s: %w", id, err)
	}
	return nil
}

// RecordRun appends one finished supervision session to the run log.
func (s *Store) RecordRun(ctx context.Context, r Run) (string, error) {
	if r.TaskID == "" {
		return "", fmt.Errorf("task id is empty")
	}
	if r.Outcome == "" {
		return "", fmt.Errorf("outcome is empty")
	}

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}

	var detail any
	if r.Detail != "" {
		detail = r.Detail
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_log(id, task_id, outcome, detail, envelopes, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, r.TaskID, r.Outcome, detail, r.Envelopes,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// Runs returns the run history for a task, newest first.
func (s *Store) Runs(ctx context.Context, taskID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, outcome, detail, envelopes, started_at, finished_at
FROM run_log WHERE task_id = ?
ORDER BY finished_at DESC, rowid DESC;
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r         Run
			detail    sql.NullString
			startedS  string
			finishedS string
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Outcome, &detail, &r.Envelopes, &startedS, &finishedS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if detail.Valid {
			r.Detail = detail.String
		}
		if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, finishedS); err == nil {
			r.FinishedAt = t
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t        Task
		response sql.NullString
		statusS  string
		createdS string
		updatedS string
	)
	err := row.Scan(&t.ID, &t.Description, &statusS, &response, &createdS, &updatedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = Status(statusS)
	if response.Valid {
		t.Response = response.String
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedS); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}
