package handlers

import (
	"io"
	"net/http"

	"github.com/kimhsiao/fieldsync/internal/capture"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// MaxPhotoUpload bounds the size of a captured photo accepted by the API.
const MaxPhotoUpload = 32 << 20

// PhotoHandler handles the photo upload queue.
type PhotoHandler struct {
	queue      *queue.PhotoQueue
	compressor *capture.Compressor
}

// NewPhotoHandler creates a new PhotoHandler.
func NewPhotoHandler(q *queue.PhotoQueue, compressor *capture.Compressor) *PhotoHandler {
	return &PhotoHandler{queue: q, compressor: compressor}
}

// Capture handles POST /api/photos
// Multipart fields: job_id, type and the photo file.
func (h *PhotoHandler) Capture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxPhotoUpload)
	if err := r.ParseMultipartForm(MaxPhotoUpload); err != nil {
		badRequest(w, r, "invalid multipart form")
		return
	}

	jobID := r.FormValue("job_id")
	photoType := models.PhotoType(r.FormValue("type"))

	file, _, err := r.FormFile("photo")
	if err != nil {
		badRequest(w, r, "photo is required")
		return
	}
	defer file.Close()

	blob, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, errors.Wrap(errors.ErrInvalid, "failed to read photo", err))
		return
	}
	if len(blob) > 0 && h.compressor != nil {
		blob = h.compressor.Compress(r.Context(), jobID+"/"+string(photoType), blob)
	}

	id, err := h.queue.Enqueue(r.Context(), jobID, blob, photoType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":    id,
		"bytes": len(blob),
	})
}

// List handles GET /api/photos
func (h *PhotoHandler) List(w http.ResponseWriter, r *http.Request) {
	photos, err := h.queue.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if photos == nil {
		photos = []*models.QueuedPhoto{}
	}
	writeJSON(w, http.StatusOK, photos)
}

// Stats handles GET /api/photos/stats
func (h *PhotoHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Retry handles POST /api/photos/{id}/retry
// One manual attempt, regardless of how many automatic attempts failed.
func (h *PhotoHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.queue.Retry(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": "uploaded",
	})
}

// Delete handles DELETE /api/photos/{id}
func (h *PhotoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
