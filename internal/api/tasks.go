package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/univy/docpipe/internal/task"
)

// tasksHandler exposes task status and listing.
type tasksHandler struct {
	gateway Gateway
	logger  *slog.Logger
}

// taskList is the listing envelope.
type taskList struct {
	Tasks []*task.Task `json:"tasks"`
	Count int          `json:"count"`
}

// get handles GET /api/v1/tasks/{id}.
func (h *tasksHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_task_id", "task id must be a UUID")
		return
	}

	t, err := h.gateway.Status(r.Context(), id)
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", "no task with id "+id.String())
	case err != nil:
		h.logger.Error("loading task", "task_id", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "loading the task failed")
	default:
		writeJSON(w, http.StatusOK, t)
	}
}

// list handles GET /api/v1/tasks?status=&kind=&limit=.
func (h *tasksHandler) list(w http.ResponseWriter, r *http.Request) {
	f, err := taskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_filter", err.Error())
		return
	}

	tasks, err := h.gateway.Tasks(r.Context(), f)
	if err != nil {
		h.logger.Error("listing tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "listing tasks failed")
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, taskList{Tasks: tasks, Count: len(tasks)})
}

// taskFilter builds a store filter from the list query parameters.
func taskFilter(r *http.Request) (task.Filter, error) {
	var f task.Filter
	q := r.URL.Query()

	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !task.ValidStatus(st) {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Status = st
	}
	if k := q.Get("kind"); k != "" {
		kd := task.Kind(k)
		if !task.ValidKind(kd) {
			return f, fmt.Errorf("unknown kind %q", k)
		}
		f.Kind = kd
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}
