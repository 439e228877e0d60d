// Package scheduler drains local changes to the server when connectivity
// returns or a sync is requested.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// PhotoProcessor runs one upload pass over the photo queue.
type PhotoProcessor interface {
	Process(ctx context.Context) (queue.ProcessResult, error)
}

// PendingSyncer pushes one kind of pending local mutation.
type PendingSyncer interface {
	SyncPending(ctx context.Context) (int, error)
}

// Connectivity is the connectivity source the scheduler follows.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
}

// LastSyncRecorder persists the time of the last clean drain.
type LastSyncRecorder interface {
	SetLastSync(ctx context.Context, t time.Time) error
}

// EventType identifies a scheduler event.
type EventType string

const (
	EventSyncStarted   EventType = "sync.started"
	EventSyncCompleted EventType = "sync.completed"
)

// Event is published around each drain.
type Event struct {
	Type   EventType    `json:"type"`
	Result *DrainResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Photos    queue.ProcessResult `json:"photos"`
	Jobs      int                 `json:"jobs"`
	Shifts    int                 `json:"shifts"`
	Failures  int                 `json:"failures"`
	Offline   bool                `json:"offline,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration"`
}

// Clean reports whether nothing failed during the drain.
func (r *DrainResult) Clean() bool {
	return !r.Offline && r.Failures == 0 && r.Photos.Failed == 0
}

// Scheduler runs drains on connectivity regain and on demand. It never
// polls on a timer while online.
type Scheduler struct {
	photos   PhotoProcessor
	jobs     PendingSyncer
	shifts   PendingSyncer
	network  Connectivity
	recorder LastSyncRecorder
	now      func() time.Time

	stopCh      chan struct{}
	wakeCh      chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	syncInProgress bool
	lastSyncTime   time.Time
	lastResult     *DrainResult
	subscribers    map[int]func(Event)
	nextSubID      int
}

// Config holds scheduler dependencies. Jobs, Shifts and Recorder may be nil.
type Config struct {
	Photos   PhotoProcessor
	Jobs     PendingSyncer
	Shifts   PendingSyncer
	Network  Connectivity
	Recorder LastSyncRecorder
	Now      func() time.Time
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		photos:      cfg.Photos,
		jobs:        cfg.Jobs,
		shifts:      cfg.Shifts,
		network:     cfg.Network,
		recorder:    cfg.Recorder,
		now:         cfg.Now,
		wakeCh:      make(chan struct{}, 1),
		subscribers: make(map[int]func(Event)),
	}
}

// Start subscribes to connectivity and runs an initial drain when online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.unsubscribe = s.network.Subscribe(func(online bool) {
		if online {
			s.wake()
		}
	})

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	if s.network.IsOnline() {
		s.wake()
	}

	logging.Info("Sync scheduler started", nil)
}

// Stop unsubscribes and waits for an in-flight drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wakeCh:
			if !s.network.IsOnline() {
				continue
			}
			if !s.begin() {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}
			s.run(ctx)
		}
	}
}

// TriggerSync starts a drain in the background. It returns false when a
// drain is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.begin() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.WithoutCancel(ctx))
	}()
	return true
}

// SyncNow runs a drain and waits for it. It fails with ErrBusy when a
// drain is already in progress.
func (s *Scheduler) SyncNow(ctx context.Context) (*DrainResult, error) {
	if !s.begin() {
		return nil, errors.New(errors.ErrBusy, "a sync is already in progress")
	}
	return s.run(ctx)
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

// run executes a drain claimed by begin.
func (s *Scheduler) run(ctx context.Context) (*DrainResult, error) {
	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	// Uploads are bounded by the HTTP client timeout, not by the drain.
	s.emit(Event{Type: EventSyncStarted})

	result, err := s.drain(ctx)

	s.mu.Lock()
	s.lastResult = result
	if err == nil && result.Clean() {
		s.lastSyncTime = result.StartedAt.Add(result.Duration)
	}
	s.mu.Unlock()

	evt := Event{Type: EventSyncCompleted, Result: result}
	if err != nil {
		evt.Error = err.Error()
		logging.ErrorWithCode("Sync failed", string(errors.CodeOf(err)), err)
	} else {
		logging.Info("Sync completed", map[string]interface{}{
			"photos_uploaded": result.Photos.Uploaded,
			"photos_failed":   result.Photos.Failed,
			"jobs":            result.Jobs,
			"shifts":          result.Shifts,
			"failures":        result.Failures,
			"duration_ms":     result.Duration.Milliseconds(),
		})
	}
	s.emit(evt)
	return result, err
}

// drain uploads photos, then pending jobs and shifts. Last sync is
// recorded only when every step succeeded.
func (s *Scheduler) drain(ctx context.Context) (*DrainResult, error) {
	result := &DrainResult{StartedAt: s.now()}
	defer func() {
		result.Duration = s.now().Sub(result.StartedAt)
	}()

	if !s.network.IsOnline() {
		result.Offline = true
		return result, nil
	}

	photos, err := s.photos.Process(ctx)
	result.Photos = photos
	if err != nil {
		return result, err
	}

	if s.jobs != nil {
		n, err := s.jobs.SyncPending(ctx)
		result.Jobs = n
		if err != nil {
			result.Failures++
			logging.Warn("Job sync incomplete", map[string]interface{}{"error": err.Error()})
		}
	}
	if s.shifts != nil {
		n, err := s.shifts.SyncPending(ctx)
		result.Shifts = n
		if err != nil {
			result.Failures++
			logging.Warn("Shift sync incomplete", map[string]interface{}{"error": err.Error()})
		}
	}

	if result.Clean() && s.recorder != nil {
		if err := s.recorder.SetLastSync(ctx, s.now()); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Subscribe registers fn for drain events and returns a function that removes it.
func (s *Scheduler) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Scheduler) emit(e Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool         `json:"is_running"`
	IsOnline       bool         `json:"is_online"`
	SyncInProgress bool         `json:"sync_in_progress"`
	LastSyncTime   *time.Time   `json:"last_sync_time,omitempty"`
	LastResult     *DrainResult `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.network.IsOnline(),
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsSyncing reports whether a drain is running.
func (s *Scheduler) IsSyncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncInProgress
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
