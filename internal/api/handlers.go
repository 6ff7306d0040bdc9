package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/squire/internal/events"
	"github.com/mattjoyce/squire/internal/task"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is the health check body.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// TaskView is a task as rendered to API clients.
type TaskView struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Response    string    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskDetail adds the run history to a TaskView.
type TaskDetail struct {
	TaskView
	Runs []RunView `json:"runs"`
}

// RunView is one supervision session as rendered to API clients.
type RunView struct {
	ID         string    `json:"id"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Envelopes  int       `json:"envelopes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// AddTaskRequest is the body for POST /api/tasks.
type AddTaskRequest struct {
	Description string `json:"description"`
}

// MarkDoneRequest is the optional body for POST /api/tasks/{id}/done.
type MarkDoneRequest struct {
	Response string `json:"response"`
}

// EventsResponse is the body for GET /api/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	LastID int64          `json:"last_id"`
}

func toView(t *task.Task) TaskView {
	return TaskView{
		ID:          t.ID,
		Description: t.Description,
		Status:      string(t.Status),
		Response:    t.Response,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	tasks, err := s.tasks.List(r.Context(), status)
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toView(t))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req AddTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Description == "" {
		s.writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	id, err := s.tasks.Add(r.Context(), req.Description)
	if err != nil {
		s.logger.Error("add task failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to add task")
		return
	}
	s.hub.Publish(events.TaskAdded, map[string]string{"task_id": id})

	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load created task")
		return
	}
	respondJSON(w, http.StatusCreated, toView(t))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	t, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task failed", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	runs, err := s.tasks.Runs(r.Context(), id)
	if err != nil {
		s.logger.Error("load runs failed", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load run history")
		return
	}

	detail := TaskDetail{TaskView: toView(t)}
	for _, run := range runs {
		detail.Runs = append(detail.Runs, RunView{
			ID:         run.ID,
			Outcome:    run.Outcome,
			Detail:     run.Detail,
			Envelopes:  run.Envelopes,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		})
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	err := s.tasks.Remove(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("remove task failed", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove task")
		return
	}
	s.hub.Publish(events.TaskRemoved, map[string]string{"task_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkDone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	var req MarkDoneRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	err := s.tasks.MarkDone(r.Context(), id, req.Response)
	if errors.Is(err, task.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("mark done failed", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to mark task done")
		return
	}
	s.hub.Publish(events.TaskDone, map[string]string{"task_id": id})

	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	respondJSON(w, http.StatusOK, toView(t))
}

// handleEvents returns buffered events newer than ?since=N. Clients poll
// with the last_id they saw.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	evs := s.hub.SnapshotSince(since)
	resp := EventsResponse{Events: evs, LastID: since}
	if len(evs) > 0 {
		resp.LastID = evs[len(evs)-1].ID
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
