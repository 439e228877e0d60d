package handlers

import (
	"net/http"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// API bundles the handlers mounted by NewRouter.
type API struct {
	Photos *PhotoHandler
	Field  *FieldHandler
	Sync   *SyncHandler
	Worker *WorkerHandler
	// Events serves the websocket event stream. Optional.
	Events http.Handler
}

// NewRouter mounts the local API.
func NewRouter(api API) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "fieldsync",
		})
	})

	mux.HandleFunc("GET /api/routes/today", api.Field.TodayRoute)
	mux.HandleFunc("PATCH /api/jobs/{id}", api.Field.UpdateJob)
	mux.HandleFunc("GET /api/jobs/pending", api.Field.PendingJobs)
	mux.HandleFunc("GET /api/shift", api.Field.CurrentShift)
	mux.HandleFunc("POST /api/shift/{action}", api.Field.ShiftAction)

	mux.HandleFunc("POST /api/photos", api.Photos.Capture)
	mux.HandleFunc("GET /api/photos", api.Photos.List)
	mux.HandleFunc("GET /api/photos/stats", api.Photos.Stats)
	mux.HandleFunc("POST /api/photos/{id}/retry", api.Photos.Retry)
	mux.HandleFunc("DELETE /api/photos/{id}", api.Photos.Delete)

	mux.HandleFunc("GET /api/sync/status", api.Sync.GetStatus)
	mux.HandleFunc("POST /api/sync/trigger", api.Sync.Trigger)
	mux.HandleFunc("POST /api/connectivity", api.Sync.SetConnectivity)

	mux.HandleFunc("GET /api/worker/status", api.Worker.Status)
	mux.HandleFunc("POST /api/worker/update", api.Worker.Update)
	mux.HandleFunc("GET /api/worker/queue-count", api.Worker.QueueCount)
	mux.HandleFunc("GET /api/install", api.Worker.InstallStatus)
	mux.HandleFunc("POST /api/install", api.Worker.Install)

	if api.Events != nil {
		mux.Handle("GET /ws", api.Events)
	}

	return withRequestLog(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
