package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/univy/docpipe/internal/task"
)

// adminHandler fires the maintenance triggers.
type adminHandler struct {
	gateway Gateway
	logger  *slog.Logger
}

// triggerResponse reports the maintenance task a trigger resolved to.
// Created is false when the trigger coalesced with an already active
// task of the same kind.
type triggerResponse struct {
	Task    *task.Task `json:"task"`
	Created bool       `json:"created"`
}

// scan handles POST /api/v1/admin/scan.
func (h *adminHandler) scan(w http.ResponseWriter, r *http.Request) {
	t, created, err := h.gateway.TriggerScan(r.Context())
	h.writeTrigger(w, "scan", t, created, err)
}

// cleanup handles POST /api/v1/admin/cleanup. An optional max_age query
// parameter in Go duration syntax (e.g. 48h) overrides the configured
// retention for this run.
func (h *adminHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "bad_max_age", "max_age must be a positive duration like 48h")
			return
		}
		maxAge = d
	}

	t, created, err := h.gateway.TriggerCleanup(r.Context(), maxAge)
	h.writeTrigger(w, "cleanup", t, created, err)
}

func (h *adminHandler) writeTrigger(w http.ResponseWriter, kind string, t *task.Task, created bool, err error) {
	if err != nil {
		h.logger.Error("maintenance trigger failed", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "triggering "+kind+" failed")
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, triggerResponse{Task: t, Created: created})
}
