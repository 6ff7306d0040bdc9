// Package runner drives supervised sessions for stored tasks. It picks up
// pending tasks, launches the supervisor, and folds each Result back into
// the task store, run log, and event hub.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/squire/internal/events"
	"github.com/mattjoyce/squire/internal/router"
	"github.com/mattjoyce/squire/internal/supervisor"
	"github.com/mattjoyce/squire/internal/task"
	"github.com/mattjoyce/squire/internal/worker"
)

// Runner executes tasks one at a time through the supervisor.
type Runner struct {
	store    *task.Store
	sup      *supervisor.Supervisor
	hub      *events.Hub
	logger   *slog.Logger
	interval time.Duration
}

// New builds a runner. supCfg's OnUpdate is owned by the runner; anything
// set there is replaced by the hub publisher.
func New(store *task.Store, supCfg supervisor.Config, hub *events.Hub, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:    store,
		hub:      hub,
		logger:   logger,
		interval: time.Second,
	}
	supCfg.OnUpdate = r.publishUpdate
	r.sup = supervisor.New(supCfg, logger)
	return r
}

func (r *Runner) publishUpdate(u supervisor.Update) {
	if u.Effect.Kind == router.KindHeartbeat {
		return
	}
	r.hub.Publish(events.RunUpdate, events.RunUpdateData{
		TaskID:  u.TaskID,
		Kind:    string(u.Effect.Kind),
		Message: u.Effect.Message,
	})
}

// RunTask executes one task end to end: status transitions, the supervised
// session, the run log entry, and the finish event.
func (r *Runner) RunTask(ctx context.Context, t *task.Task) supervisor.Result {
	start := time.Now()

	if err := r.store.MarkRunning(ctx, t.ID); err != nil {
		r.logger.Error("mark running failed", "task_id", t.ID, "error", err)
		return supervisor.Result{Outcome: supervisor.OutcomeLaunchFailed, Err: err.Error(), ExitCode: -1}
	}
	r.hub.Publish(events.RunStarted, events.RunResultData{TaskID: t.ID, Outcome: "started"})

	res := r.sup.Launch(ctx, worker.Payload{TaskID: t.ID, Description: t.Description})

	// Store updates after the session use a fresh context; the session
	// context may already be canceled on shutdown.
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.store.RecordRun(sctx, task.Run{
		TaskID:     t.ID,
		Outcome:    string(res.Outcome),
		Detail:     res.Err,
		Envelopes:  res.Envelopes,
		StartedAt:  start,
		FinishedAt: time.Now(),
	}); err != nil {
		r.logger.Error("record run failed", "task_id", t.ID, "error", err)
	}

	if res.Outcome == supervisor.OutcomeCompleted {
		if err := r.store.MarkDone(sctx, t.ID, string(res.Response)); err != nil {
			r.logger.Error("mark done failed", "task_id", t.ID, "error", err)
		}
	} else {
		if err := r.store.MarkFailed(sctx, t.ID, res.Err); err != nil {
			r.logger.Error("mark failed failed", "task_id", t.ID, "error", err)
		}
	}

	r.hub.Publish(events.RunFinished, events.RunResultData{
		TaskID:  t.ID,
		Outcome: string(res.Outcome),
		Detail:  res.Err,
	})
	r.logger.Info("run finished",
		"task_id", t.ID, "outcome", res.Outcome,
		"envelopes", res.Envelopes, "duration", res.Duration)
	return res
}

// Start polls for pending tasks and runs them oldest first, one at a time,
// until ctx is canceled.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("runner loop started")
	defer r.logger.Info("runner loop stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t, err := r.nextPending(ctx)
			if err != nil {
				r.logger.Error("scan for pending tasks failed", "error", err)
				continue
			}
			if t == nil {
				continue
			}
			r.RunTask(ctx, t)
		}
	}
}

// nextPending returns the oldest pending task, or nil when idle.
func (r *Runner) nextPending(ctx context.Context) (*task.Task, error) {
	pending, err := r.store.List(ctx, task.StatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	// List is newest first.
	return pending[len(pending)-1], nil
}
