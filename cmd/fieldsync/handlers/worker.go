package handlers

import (
	"net/http"

	"github.com/kimhsiao/fieldsync/internal/worker"
)

// WorkerHandler exposes the background worker and the install prompt.
type WorkerHandler struct {
	coordinator *worker.Coordinator
}

// NewWorkerHandler creates a new WorkerHandler.
func NewWorkerHandler(c *worker.Coordinator) *WorkerHandler {
	return &WorkerHandler{coordinator: c}
}

// Status handles GET /api/worker/status
func (h *WorkerHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Status())
}

// Update handles POST /api/worker/update
// {"version": "..."} installs a new version; {"apply": true} activates the waiting one.
func (h *WorkerHandler) Update(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Version string `json:"version"`
		Apply   bool   `json:"apply"`
	}
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, err)
		return
	}
	if request.Version == "" && !request.Apply {
		badRequest(w, r, "version or apply is required")
		return
	}

	installed := false
	if request.Version != "" {
		var err error
		installed, err = h.coordinator.CheckForUpdate(r.Context(), worker.Script{Version: request.Version})
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	if request.Apply {
		if err := h.coordinator.ApplyUpdate(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"installed": installed,
		"applied":   request.Apply,
		"status":    h.coordinator.Status(),
	})
}

// QueueCount handles GET /api/worker/queue-count
// Resolves to 0 when the worker does not answer in time.
func (h *WorkerHandler) QueueCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": h.coordinator.GetQueuedPhotoCount(r.Context()),
	})
}

// InstallStatus handles GET /api/install
func (h *WorkerHandler) InstallStatus(w http.ResponseWriter, r *http.Request) {
	st := h.coordinator.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"can_install": st.CanInstall,
		"standalone":  st.Standalone,
	})
}

// Install handles POST /api/install
// The captured prompt is single use; later calls report "unavailable".
func (h *WorkerHandler) Install(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.coordinator.PromptInstall(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcome": outcome})
}
