// Package queue provides the durable photo upload queue used while offline.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Uploader sends a single photo to the server and returns its server id.
type Uploader interface {
	UploadPhoto(ctx context.Context, jobID, photoID string, blob []byte, mime string, photoType models.PhotoType) (string, error)
}

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// EventType identifies a queue event.
type EventType string

const (
	EventPhotoUploaded EventType = "photo.uploaded"
	EventPhotoFailed   EventType = "photo.failed"
)

// Event describes the outcome of one upload attempt.
type Event struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id"`
	PhotoID    string    `json:"photo_id"`
	ServerID   string    `json:"server_id,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	Exhausted  bool      `json:"exhausted,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Stats holds queue counts by status.
type Stats struct {
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// ProcessResult summarizes one drain pass.
type ProcessResult struct {
	Attempted int `json:"attempted"`
	Uploaded  int `json:"uploaded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// PhotoQueue persists captured photos and uploads them when online.
// Every status transition is a keyed conditional update, so concurrent
// Process passes never upload the same photo twice.
type PhotoQueue struct {
	handle     *db.Handle
	uploader   Uploader
	online     Connectivity
	now        func() time.Time
	maxRetries int

	recoverOnce sync.Once

	mu          sync.Mutex
	lastCreated int64
	subscribers map[int]func(Event)
	nextSubID   int

	background sync.WaitGroup
}

// Option configures a PhotoQueue.
type Option func(*PhotoQueue)

// WithClock overrides the clock used for createdAt stamps.
func WithClock(now func() time.Time) Option {
	return func(q *PhotoQueue) {
		q.now = now
	}
}

// WithMaxRetries overrides the automatic retry cap.
func WithMaxRetries(n int) Option {
	return func(q *PhotoQueue) {
		q.maxRetries = n
	}
}

// New creates a PhotoQueue over handle, which must use db.PhotoSchema.
func New(handle *db.Handle, uploader Uploader, online Connectivity, opts ...Option) *PhotoQueue {
	q := &PhotoQueue{
		handle:      handle,
		uploader:    uploader,
		online:      online,
		now:         time.Now,
		maxRetries:  models.MaxPhotoRetries,
		subscribers: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// conn opens the photo database and, on first use, recovers rows orphaned
// in the uploading state by a previous process.
func (q *PhotoQueue) conn(ctx context.Context) (*db.DB, error) {
	conn, err := q.handle.Open(ctx)
	if err != nil {
		return nil, err
	}
	q.recoverOnce.Do(func() {
		if n, err := recoverOrphans(ctx, conn); err != nil {
			logging.Error("Failed to recover orphaned uploads", err)
		} else if n > 0 {
			logging.Info("Recovered orphaned uploads", map[string]interface{}{"count": n})
		}
	})
	return conn, nil
}

// =====================================================
// Enqueue
// =====================================================

// Enqueue persists a pending photo and returns its id. When online a drain
// pass is started in the background and not awaited.
func (q *PhotoQueue) Enqueue(ctx context.Context, jobID string, blob []byte, photoType models.PhotoType) (string, error) {
	if jobID == "" {
		return "", errors.New(errors.ErrInvalid, "job id is required")
	}
	if !photoType.Valid() {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("invalid photo type %q", photoType))
	}
	if len(blob) == 0 {
		return "", errors.New(errors.ErrInvalid, "photo is empty")
	}

	conn, err := q.conn(ctx)
	if err != nil {
		return "", err
	}

	photo := &models.QueuedPhoto{
		JobID:     jobID,
		Type:      photoType,
		Blob:      blob,
		MimeType:  mimetype.Detect(blob).String(),
		CreatedAt: q.nextCreatedAt(),
		Status:    models.PhotoPending,
	}
	photo.ID = models.PhotoID(jobID, photoType, photo.CreatedAt)

	_, err = conn.ExecContext(ctx,
		`INSERT INTO photos (id, job_id, type, blob, mime_type, created_at, retry_count, status, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, '')`,
		photo.ID, photo.JobID, string(photo.Type), photo.Blob, photo.MimeType, photo.CreatedAt, string(photo.Status))
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to enqueue photo", err)
	}

	logging.Info("Photo enqueued", map[string]interface{}{
		"photo_id":  photo.ID,
		"job_id":    jobID,
		"type":      string(photoType),
		"mime_type": photo.MimeType,
		"bytes":     len(blob),
	})

	if q.online.IsOnline() {
		bg := context.WithoutCancel(ctx)
		q.background.Add(1)
		go func() {
			defer q.background.Done()
			if _, err := q.Process(bg); err != nil {
				logging.Error("Background upload pass failed", err)
			}
		}()
	}

	return photo.ID, nil
}

// nextCreatedAt returns a strictly increasing millisecond timestamp so ids
// stay unique within this process.
func (q *PhotoQueue) nextCreatedAt() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ts := q.now().UnixMilli()
	if ts <= q.lastCreated {
		ts = q.lastCreated + 1
	}
	q.lastCreated = ts
	return ts
}

// Wait blocks until background passes started by Enqueue have finished.
func (q *PhotoQueue) Wait() {
	q.background.Wait()
}

// =====================================================
// Process
// =====================================================

// Process uploads every pending or failed photo in creation order. It is a
// no-op while offline. Per-photo failures are recorded and the pass
// continues; only storage failures and ctx cancellation end it early.
func (q *PhotoQueue) Process(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult
	if !q.online.IsOnline() {
		return result, nil
	}

	conn, err := q.conn(ctx)
	if err != nil {
		return result, err
	}

	candidates, err := q.list(ctx, conn,
		`WHERE status IN ('pending', 'failed') ORDER BY created_at, rowid`)
	if err != nil {
		return result, err
	}

	for _, photo := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !q.online.IsOnline() {
			logging.Info("Connectivity lost, ending upload pass", map[string]interface{}{
				"remaining": len(candidates) - result.Attempted - result.Skipped,
			})
			break
		}

		if photo.RetryCount >= q.maxRetries {
			if photo.Status != models.PhotoFailed {
				if _, err := conn.ExecContext(ctx,
					`UPDATE photos SET status = 'failed' WHERE id = ? AND status = 'pending'`, photo.ID); err != nil {
					return result, errors.Wrap(errors.ErrStorage, "failed to mark photo failed", err)
				}
			}
			result.Skipped++
			continue
		}

		claimed, err := claim(ctx, conn, photo.ID, q.maxRetries)
		if err != nil {
			return result, err
		}
		if !claimed {
			result.Skipped++
			continue
		}

		result.Attempted++
		ok, err := q.attempt(ctx, conn, photo)
		if err != nil {
			return result, err
		}
		if ok {
			result.Uploaded++
		} else {
			result.Failed++
		}
	}

	if result.Attempted > 0 {
		logging.Info("Upload pass finished", map[string]interface{}{
			"attempted": result.Attempted,
			"uploaded":  result.Uploaded,
			"failed":    result.Failed,
			"skipped":   result.Skipped,
		})
	}
	return result, nil
}

// Retry makes one manual upload attempt for id regardless of the retry cap.
// The returned error is the upload error when the attempt fails.
func (q *PhotoQueue) Retry(ctx context.Context, id string) error {
	if !q.online.IsOnline() {
		return errors.New(errors.ErrOffline, "cannot retry upload while offline")
	}
	conn, err := q.conn(ctx)
	if err != nil {
		return err
	}

	photo, err := q.get(ctx, conn, id, false)
	if err != nil {
		return err
	}

	claimed, err := claim(ctx, conn, id, -1)
	if err != nil {
		return err
	}
	if !claimed {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("photo %s is already uploading", id))
	}

	ok, err := q.attempt(ctx, conn, photo)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrUploadFailed, fmt.Sprintf("manual retry of photo %s failed", id))
	}
	return nil
}

// claim moves id to uploading when it is pending or failed and, when
// maxRetries is non-negative, still under the cap.
func claim(ctx context.Context, conn *db.DB, id string, maxRetries int) (bool, error) {
	query := `UPDATE photos SET status = 'uploading' WHERE id = ? AND status IN ('pending', 'failed')`
	args := []interface{}{id}
	if maxRetries >= 0 {
		query += ` AND retry_count < ?`
		args = append(args, maxRetries)
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to claim photo", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to claim photo", err)
	}
	return n == 1, nil
}

// attempt uploads a claimed photo and records the outcome. It reports
// whether the upload succeeded; the error is only for storage failures.
// Outcomes are written even after ctx ends so a claimed row never stays
// uploading.
func (q *PhotoQueue) attempt(ctx context.Context, conn *db.DB, photo *models.QueuedPhoto) (bool, error) {
	record := context.WithoutCancel(ctx)

	var blob []byte
	if err := conn.QueryRowContext(ctx, `SELECT blob FROM photos WHERE id = ?`, photo.ID).Scan(&blob); err != nil {
		release(record, conn, photo.ID)
		return false, errors.Wrap(errors.ErrStorage, "failed to load photo blob", err)
	}

	serverID, uploadErr := q.uploader.UploadPhoto(ctx, photo.JobID, photo.ID, blob, photo.MimeType, photo.Type)
	if uploadErr == nil {
		if _, err := conn.ExecContext(record, `DELETE FROM photos WHERE id = ?`, photo.ID); err != nil {
			release(record, conn, photo.ID)
			return false, errors.Wrap(errors.ErrStorage, "failed to remove uploaded photo", err)
		}
		logging.Info("Photo uploaded", map[string]interface{}{
			"photo_id":  photo.ID,
			"job_id":    photo.JobID,
			"server_id": serverID,
		})
		q.emit(Event{Type: EventPhotoUploaded, JobID: photo.JobID, PhotoID: photo.ID, ServerID: serverID})
		return true, nil
	}

	// The stored count is authoritative; the candidate list may be stale
	// when passes overlap.
	var retries int
	var status string
	err := conn.QueryRowContext(record,
		`UPDATE photos
		    SET retry_count = retry_count + 1,
		        status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
		        last_error = ?
		  WHERE id = ? AND status = 'uploading'
		RETURNING retry_count, status`,
		q.maxRetries, uploadErr.Error(), photo.ID).Scan(&retries, &status)
	if err == sql.ErrNoRows {
		// Removed or reset while the upload was in flight.
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to record upload failure", err)
	}

	exhausted := models.PhotoStatus(status) == models.PhotoFailed
	logging.ErrorWithCode("Photo upload failed", string(errors.CodeOf(uploadErr)), uploadErr, map[string]interface{}{
		"photo_id":    photo.ID,
		"job_id":      photo.JobID,
		"retry_count": retries,
		"status":      status,
	})
	q.emit(Event{
		Type:       EventPhotoFailed,
		JobID:      photo.JobID,
		PhotoID:    photo.ID,
		RetryCount: retries,
		Exhausted:  exhausted,
		Error:      uploadErr.Error(),
	})
	return false, nil
}

// release returns a claimed photo to pending without counting an attempt.
func release(ctx context.Context, conn *db.DB, id string) {
	if _, err := conn.ExecContext(ctx,
		`UPDATE photos SET status = 'pending' WHERE id = ? AND status = 'uploading'`, id); err != nil {
		logging.Error("Failed to release claimed photo", err, map[string]interface{}{"photo_id": id})
	}
}

// =====================================================
// Queries
// =====================================================

// Stats returns counts by status.
func (q *PhotoQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	conn, err := q.conn(ctx)
	if err != nil {
		return stats, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM photos GROUP BY status`)
	if err != nil {
		return stats, errors.Wrap(errors.ErrStorage, "failed to count photos", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, errors.Wrap(errors.ErrStorage, "failed to count photos", err)
		}
		switch models.PhotoStatus(status) {
		case models.PhotoPending:
			stats.Pending = n
		case models.PhotoUploading:
			stats.Uploading = n
		case models.PhotoFailed:
			stats.Failed = n
		}
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return stats, errors.Wrap(errors.ErrStorage, "failed to count photos", err)
	}
	return stats, nil
}

// Count returns the number of queued photos in any state.
func (q *PhotoQueue) Count(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	return stats.Total, err
}

// List returns queued photos in creation order without their blobs.
func (q *PhotoQueue) List(ctx context.Context) ([]*models.QueuedPhoto, error) {
	conn, err := q.conn(ctx)
	if err != nil {
		return nil, err
	}
	return q.list(ctx, conn, `ORDER BY created_at, rowid`)
}

// Get returns the photo with id including its blob.
func (q *PhotoQueue) Get(ctx context.Context, id string) (*models.QueuedPhoto, error) {
	conn, err := q.conn(ctx)
	if err != nil {
		return nil, err
	}
	return q.get(ctx, conn, id, true)
}

// Remove deletes a queued photo without uploading it.
func (q *PhotoQueue) Remove(ctx context.Context, id string) error {
	conn, err := q.conn(ctx)
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM photos WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove photo", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("photo %s not found", id))
	}
	return nil
}

// Clear deletes every queued photo and returns how many were removed.
func (q *PhotoQueue) Clear(ctx context.Context) (int, error) {
	conn, err := q.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM photos`)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to clear photos", err)
	}
	n, _ := res.RowsAffected()
	logging.Info("Photo queue cleared", map[string]interface{}{"count": n})
	return int(n), nil
}

// Recover resets photos left in the uploading state back to pending. It
// runs automatically on first use; calling it while a pass is in flight
// would let that photo be uploaded twice.
func (q *PhotoQueue) Recover(ctx context.Context) (int, error) {
	conn, err := q.handle.Open(ctx)
	if err != nil {
		return 0, err
	}
	return recoverOrphans(ctx, conn)
}

func recoverOrphans(ctx context.Context, conn *db.DB) (int, error) {
	res, err := conn.ExecContext(ctx, `UPDATE photos SET status = 'pending' WHERE status = 'uploading'`)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to recover photos", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *PhotoQueue) list(ctx context.Context, conn *db.DB, clause string) ([]*models.QueuedPhoto, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT id, job_id, type, mime_type, created_at, retry_count, status, last_error FROM photos `+clause)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list photos", err)
	}
	defer rows.Close()

	var photos []*models.QueuedPhoto
	for rows.Next() {
		var p models.QueuedPhoto
		var photoType, status string
		if err := rows.Scan(&p.ID, &p.JobID, &photoType, &p.MimeType, &p.CreatedAt, &p.RetryCount, &status, &p.LastError); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan photo", err)
		}
		p.Type = models.PhotoType(photoType)
		p.Status = models.PhotoStatus(status)
		photos = append(photos, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list photos", err)
	}
	return photos, nil
}

func (q *PhotoQueue) get(ctx context.Context, conn *db.DB, id string, withBlob bool) (*models.QueuedPhoto, error) {
	var p models.QueuedPhoto
	var photoType, status string
	var blob []byte
	err := conn.QueryRowContext(ctx,
		`SELECT id, job_id, type, mime_type, created_at, retry_count, status, last_error, blob FROM photos WHERE id = ?`, id).
		Scan(&p.ID, &p.JobID, &photoType, &p.MimeType, &p.CreatedAt, &p.RetryCount, &status, &p.LastError, &blob)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("photo %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load photo", err)
	}
	p.Type = models.PhotoType(photoType)
	p.Status = models.PhotoStatus(status)
	if withBlob {
		p.Blob = blob
	}
	return &p, nil
}

// =====================================================
// Events
// =====================================================

// Subscribe registers fn for queue events and returns a function that
// removes it. fn is called synchronously from the uploading goroutine.
func (q *PhotoQueue) Subscribe(fn func(Event)) func() {
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subscribers, id)
		q.mu.Unlock()
	}
}

func (q *PhotoQueue) emit(e Event) {
	q.mu.Lock()
	fns := make([]func(Event), 0, len(q.subscribers))
	for _, fn := range q.subscribers {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
