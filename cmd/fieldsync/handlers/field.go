package handlers

import (
	"net/http"
	"strconv"

	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/services"
)

// FieldHandler handles routes, jobs and the shift clock.
type FieldHandler struct {
	routes *services.RouteService
	jobs   *services.JobService
	shifts *services.ShiftService
}

// NewFieldHandler creates a new FieldHandler.
func NewFieldHandler(routes *services.RouteService, jobs *services.JobService, shifts *services.ShiftService) *FieldHandler {
	return &FieldHandler{routes: routes, jobs: jobs, shifts: shifts}
}

// TodayRoute handles GET /api/routes/today?date=YYYY-MM-DD&force=1
func (h *FieldHandler) TodayRoute(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	result, err := h.routes.Today(r.Context(), r.URL.Query().Get("date"), force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UpdateJob handles PATCH /api/jobs/{id}
func (h *FieldHandler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, err)
		return
	}

	update, err := h.jobs.UpdateStatus(r.Context(), r.PathValue("id"), request.Status, request.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// PendingJobs handles GET /api/jobs/pending
func (h *FieldHandler) PendingJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.Pending(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.CachedJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// CurrentShift handles GET /api/shift
func (h *FieldHandler) CurrentShift(w http.ResponseWriter, r *http.Request) {
	shift, err := h.shifts.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shift": shift})
}

// ShiftAction handles POST /api/shift/{action}
// Actions: clock-in, start-break, end-break, clock-out.
func (h *FieldHandler) ShiftAction(w http.ResponseWriter, r *http.Request) {
	var request services.ShiftRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, err)
		return
	}

	shift, err := h.shifts.Apply(r.Context(), r.PathValue("action"), request)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}
