package task

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is one unit of user work. Response holds the worker's final answer
// once a run completes.
type Task struct {
	ID          string
	Description string
	Status      Status
	Response    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Run is one completed supervision session for a task.
type Run struct {
	ID         string
	TaskID     string
	Outcome    string
	Detail     string
	Envelopes  int
	StartedAt  time.Time
	FinishedAt time.Time
}
