// Package status provides the read-side view of sync state shown to the
// technician.
package status

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// QueueStats reads photo queue counts.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// LastSyncReader reads the last successful sync time.
type LastSyncReader interface {
	GetLastSync(ctx context.Context) (*time.Time, error)
}

// Connectivity reports live reachability.
type Connectivity interface {
	IsOnline() bool
}

// SyncActivity reports whether a drain is running. It may be nil.
type SyncActivity interface {
	IsSyncing() bool
}

// Snapshot is the combined sync state.
type Snapshot struct {
	Queue      queue.Stats `json:"queue"`
	LastSyncAt *time.Time  `json:"last_sync_at"`
	Online     bool        `json:"online"`
	Syncing    bool        `json:"syncing"`
}

// Aggregator combines queue, store and connectivity state. It never writes.
type Aggregator struct {
	queue    QueueStats
	lastSync LastSyncReader
	network  Connectivity
	activity SyncActivity
}

// NewAggregator creates an Aggregator. activity may be nil.
func NewAggregator(q QueueStats, lastSync LastSyncReader, network Connectivity, activity SyncActivity) *Aggregator {
	return &Aggregator{
		queue:    q,
		lastSync: lastSync,
		network:  network,
		activity: activity,
	}
}

// Snapshot returns the current sync state.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	last, err := a.lastSync.GetLastSync(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Queue:      stats,
		LastSyncAt: last,
		Online:     a.network.IsOnline(),
	}
	if a.activity != nil {
		snap.Syncing = a.activity.IsSyncing()
	}
	return snap, nil
}
