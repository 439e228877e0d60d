package handlers

import (
	"net/http"
	"strconv"

	"github.com/kimhsiao/fieldsync/internal/sync/network"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
)

// SyncHandler handles sync status, manual sync and connectivity reports.
type SyncHandler struct {
	status    *status.Aggregator
	scheduler *scheduler.Scheduler
	network   *network.Monitor
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(agg *status.Aggregator, sched *scheduler.Scheduler, monitor *network.Monitor) *SyncHandler {
	return &SyncHandler{status: agg, scheduler: sched, network: monitor}
}

// GetStatus handles GET /api/sync/status
// Returns queue stats, last sync time, connectivity and drain state.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.status.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	response := map[string]interface{}{
		"queue":        snap.Queue,
		"last_sync_at": snap.LastSyncAt,
		"online":       snap.Online,
		"syncing":      snap.Syncing,
	}
	if h.scheduler != nil {
		response["scheduler"] = h.scheduler.GetStatus()
	}
	writeJSON(w, http.StatusOK, response)
}

// Trigger handles POST /api/sync/trigger
// Starts a drain in the background; with ?wait=1 the drain result is returned.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	if wait {
		result, err := h.scheduler.SyncNow(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if !h.scheduler.TriggerSync(r.Context()) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"started": false,
			"message": "a sync is already in progress",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
}

// SetConnectivity handles POST /api/connectivity
// The UI reports browser online/offline transitions here.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, err)
		return
	}
	if request.Online == nil {
		badRequest(w, r, "online is required")
		return
	}

	h.network.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": h.network.IsOnline()})
}
