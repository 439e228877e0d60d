package services

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
)

// RouteFetcher loads the assigned route from the server.
type RouteFetcher interface {
	FetchTodayRoute(ctx context.Context, date string) (*models.CachedRoute, error)
}

// Route sources reported with a RouteResult.
const (
	SourceCache      = "cache"
	SourceNetwork    = "network"
	SourceStaleCache = "stale_cache"
)

// RouteResult is a route together with where it came from.
type RouteResult struct {
	Route  *models.CachedRoute `json:"route"`
	Source string              `json:"source"`
	Stale  bool                `json:"stale"`
}

// RouteService serves today's route from cache or network.
type RouteService struct {
	store   store.Store
	fetcher RouteFetcher
	network Connectivity
	ttl     time.Duration
	now     Clock

	// onRefreshed is called after a route was fetched and cached
	onRefreshed func(route *models.CachedRoute)
}

// NewRouteService creates a RouteService. ttl <= 0 uses store.DefaultRouteTTL.
func NewRouteService(s store.Store, fetcher RouteFetcher, network Connectivity, ttl time.Duration, now Clock) *RouteService {
	if ttl <= 0 {
		ttl = store.DefaultRouteTTL
	}
	if now == nil {
		now = time.Now
	}
	return &RouteService{store: s, fetcher: fetcher, network: network, ttl: ttl, now: now}
}

// SetOnRefreshed sets the callback invoked after a network refresh.
func (r *RouteService) SetOnRefreshed(fn func(route *models.CachedRoute)) {
	r.onRefreshed = fn
}

// Today returns the route for date (today when empty). A fresh cached route
// is returned without a request unless force is set. When the fetch fails
// the cached route is returned even if stale; with no cache while offline
// the error is ErrOffline.
func (r *RouteService) Today(ctx context.Context, date string, force bool) (*RouteResult, error) {
	if date == "" {
		date = today(r.now)
	}

	cached, err := r.store.GetRouteByDate(ctx, date)
	if err != nil {
		return nil, err
	}

	if cached != nil && !force && !r.store.IsStale(cached, r.ttl) {
		return &RouteResult{Route: cached, Source: SourceCache}, nil
	}

	if !r.network.IsOnline() {
		if cached != nil {
			return &RouteResult{Route: cached, Source: SourceStaleCache, Stale: r.store.IsStale(cached, r.ttl)}, nil
		}
		return nil, errors.New(errors.ErrOffline, "no cached route for "+date+" while offline")
	}

	fetched, err := r.fetcher.FetchTodayRoute(ctx, date)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		if cached != nil {
			logging.Warn("Route refresh failed, serving cached route", map[string]interface{}{
				"date":  date,
				"error": err.Error(),
			})
			return &RouteResult{Route: cached, Source: SourceStaleCache, Stale: r.store.IsStale(cached, r.ttl)}, nil
		}
		return nil, err
	}

	if err := fetched.Validate(); err != nil {
		logging.Warn("Server route failed validation", map[string]interface{}{
			"route_id": fetched.ID,
			"error":    err.Error(),
		})
	}
	if err := r.store.SaveRoute(ctx, fetched); err != nil {
		return nil, err
	}

	logging.Info("Route refreshed", map[string]interface{}{
		"route_id": fetched.ID,
		"date":     date,
		"stops":    len(fetched.Stops),
	})
	if r.onRefreshed != nil {
		r.onRefreshed(fetched)
	}
	return &RouteResult{Route: fetched, Source: SourceNetwork}, nil
}
