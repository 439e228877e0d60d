// Package store provides the persistent local cache of routes, jobs and
// shifts used while the device is offline.
package store

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

const (
	// DefaultRouteTTL is the trust window of a cached route.
	DefaultRouteTTL = 5 * time.Minute
	// DefaultRouteMaxAge is the age after which cached routes are evicted.
	DefaultRouteMaxAge = 7 * 24 * time.Hour
)

// Store defines the interface for cached field data.
type Store interface {
	// Route operations
	SaveRoute(ctx context.Context, route *models.CachedRoute) error
	GetRouteByDate(ctx context.Context, date string) (*models.CachedRoute, error)
	GetRouteByID(ctx context.Context, id string) (*models.CachedRoute, error)
	IsStale(route *models.CachedRoute, ttl time.Duration) bool
	EvictOldRoutes(ctx context.Context, maxAge time.Duration) (int, error)

	// Job operations
	SaveJob(ctx context.Context, job *models.CachedJob) error
	GetPendingJobs(ctx context.Context) ([]*models.CachedJob, error)
	GetJobsByRoute(ctx context.Context, routeID string) ([]*models.CachedJob, error)
	RemoveJob(ctx context.Context, id string) error

	// Shift operations
	SaveShift(ctx context.Context, shift *models.CachedShift) error
	GetShiftByDate(ctx context.Context, date string) (*models.CachedShift, error)
	GetShiftByID(ctx context.Context, id string) (*models.CachedShift, error)
	GetUnsyncedShifts(ctx context.Context) ([]*models.CachedShift, error)

	// Sync metadata
	SetLastSync(ctx context.Context, t time.Time) error
	GetLastSync(ctx context.Context) (*time.Time, error)

	ClearAll(ctx context.Context) error
}
