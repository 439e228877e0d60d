package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// CompressJob is a photo waiting to be compressed in the background.
type CompressJob struct {
	ID       string
	Blob     []byte
	Callback func(data []byte, err error)
}

// PoolStats holds compression statistics.
type PoolStats struct {
	TotalProcessed int
	SuccessCount   int
	FailureCount   int
	PendingCount   int
	AvgDurationMs  int64
}

// Pool compresses photos on a fixed set of background workers so callers
// such as the capture watcher never block on image work.
type Pool struct {
	jobs      chan *CompressJob
	workers   int
	maxWidth  int
	quality   float64
	wg        sync.WaitGroup
	stopCh    chan struct{}
	mu        sync.Mutex
	isRunning bool
	stats     PoolStats
}

// NewPool creates a compression pool. It does nothing until Start.
func NewPool(queueSize, workers, maxWidth int, quality float64) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		jobs:     make(chan *CompressJob, queueSize),
		workers:  workers,
		maxWidth: maxWidth,
		quality:  quality,
	}
}

// Start starts the workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	logging.Info("Starting compression pool", map[string]interface{}{
		"workers":    p.workers,
		"queue_size": cap(p.jobs),
	})

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the workers and waits for in-flight jobs. Queued jobs are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	stats := p.Stats()
	logging.Info("Compression pool stopped", map[string]interface{}{
		"total_processed": stats.TotalProcessed,
		"success_count":   stats.SuccessCount,
		"failure_count":   stats.FailureCount,
	})
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job *CompressJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return fmt.Errorf("compression pool is not running")
	}

	select {
	case p.jobs <- job:
		p.stats.PendingCount++
		return nil
	default:
		return fmt.Errorf("compression pool is full (capacity: %d)", cap(p.jobs))
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.process(ctx, job, id)
		}
	}
}

func (p *Pool) process(ctx context.Context, job *CompressJob, workerID int) {
	start := time.Now()
	data, err := Compress(ctx, job.Blob, p.maxWidth, p.quality)
	duration := time.Since(start).Milliseconds()

	p.mu.Lock()
	p.stats.PendingCount--
	p.stats.TotalProcessed++
	if err != nil {
		p.stats.FailureCount++
	} else {
		p.stats.SuccessCount++
	}
	total := p.stats.AvgDurationMs*int64(p.stats.TotalProcessed-1) + duration
	p.stats.AvgDurationMs = total / int64(p.stats.TotalProcessed)
	p.mu.Unlock()

	if err != nil {
		logging.Warn("Photo compression failed", map[string]interface{}{
			"job_id":      job.ID,
			"worker_id":   workerID,
			"duration_ms": duration,
			"error":       err.Error(),
		})
	} else {
		logging.Debug("Photo compressed", map[string]interface{}{
			"job_id":      job.ID,
			"worker_id":   workerID,
			"duration_ms": duration,
			"in_bytes":    len(job.Blob),
			"out_bytes":   len(data),
		})
	}

	if job.Callback != nil {
		job.Callback(data, err)
	}
}

// Stats returns a copy of the current statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// IsRunning returns whether the pool is running.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunning
}
