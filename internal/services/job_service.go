package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
)

// JobPusher sends a job status change to the server.
type JobPusher interface {
	PushJob(ctx context.Context, job *models.CachedJob) error
}

// JobUpdate is the outcome of a local status change.
type JobUpdate struct {
	Job    *models.CachedJob `json:"job"`
	Synced bool              `json:"synced"`
}

// JobService records job status changes and pushes them when possible.
// A cached job exists only until the server confirms it.
type JobService struct {
	store   store.Store
	pusher  JobPusher
	network Connectivity
	now     Clock
}

// NewJobService creates a JobService.
func NewJobService(s store.Store, pusher JobPusher, network Connectivity, now Clock) *JobService {
	if now == nil {
		now = time.Now
	}
	return &JobService{store: s, pusher: pusher, network: network, now: now}
}

// UpdateStatus records a status change for jobID and pushes it when online.
// A failed push leaves the change pending for the next sync.
func (j *JobService) UpdateStatus(ctx context.Context, jobID, status, notes string) (*JobUpdate, error) {
	if jobID == "" {
		return nil, errors.New(errors.ErrInvalid, "job id is required")
	}
	if !models.ValidJobStatus(status) {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("invalid job status %q", status))
	}

	job := &models.CachedJob{
		ID:            jobID,
		ScheduledDate: today(j.now),
		Status:        status,
		Notes:         notes,
		Photos:        []string{},
	}

	// Carry route context from today's cached route when the job is on it.
	route, err := j.store.GetRouteByDate(ctx, job.ScheduledDate)
	if err != nil {
		return nil, err
	}
	if route != nil {
		if stop, ok := route.StopByJob(jobID); ok {
			routeID := route.ID
			job.RouteID = &routeID
			job.ClientID = stop.Client.ID
			job.LocationID = stop.Location.ID
		}
	}

	if err := j.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	update := &JobUpdate{Job: job}
	if !j.network.IsOnline() {
		return update, nil
	}

	if err := j.push(ctx, job); err != nil {
		logging.Warn("Job push failed, kept pending", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
		return update, nil
	}
	update.Synced = true
	return update, nil
}

// SyncPending pushes every pending job. It returns how many were confirmed
// and a joined error for those that were not.
func (j *JobService) SyncPending(ctx context.Context) (int, error) {
	pending, err := j.store.GetPendingJobs(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	var errs []error
	for _, job := range pending {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if err := j.push(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		synced++
	}
	return synced, stderrors.Join(errs...)
}

// push sends job and removes it locally once confirmed. A job the server
// no longer knows is dropped.
func (j *JobService) push(ctx context.Context, job *models.CachedJob) error {
	err := j.pusher.PushJob(ctx, job)
	if errors.Is(err, errors.ErrNotFound) {
		logging.Warn("Server does not know job, dropping local change", map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
		err = nil
	}
	if err != nil {
		return err
	}
	return j.store.RemoveJob(ctx, job.ID)
}

// Pending returns the jobs awaiting confirmation.
func (j *JobService) Pending(ctx context.Context) ([]*models.CachedJob, error) {
	return j.store.GetPendingJobs(ctx)
}
