package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

const lastSyncKey = "last_sync"

// SQLiteStore implements Store on the cache database.
type SQLiteStore struct {
	handle *db.Handle
	now    func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the clock used for cachedAt stamps and age checks.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// NewSQLiteStore creates a store over handle. The database is opened on first use.
func NewSQLiteStore(handle *db.Handle, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{handle: handle, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteStore) conn(ctx context.Context) (*db.DB, error) {
	return s.handle.Open(ctx)
}

// =====================================================
// Routes
// =====================================================

// SaveRoute upserts route and stamps its CachedAt. A replaced row is
// reinserted so it becomes the most recent write for its date.
func (s *SQLiteStore) SaveRoute(ctx context.Context, route *models.CachedRoute) error {
	if route == nil || route.ID == "" {
		return errors.New(errors.ErrInvalid, "route id is required")
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}

	route.CachedAt = s.now().UnixMilli()
	data, err := json.Marshal(route)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode route", err)
	}

	_, err = conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO routes (id, date, cached_at, data) VALUES (?, ?, ?, ?)`,
		route.ID, route.Date, route.CachedAt, string(data))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to save route", err)
	}
	return nil
}

// GetRouteByDate returns the most recently written route for date, or nil.
func (s *SQLiteStore) GetRouteByDate(ctx context.Context, date string) (*models.CachedRoute, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var route models.CachedRoute
	found, err := getOne(ctx, conn, &route,
		`SELECT data FROM routes WHERE date = ? ORDER BY cached_at DESC, rowid DESC LIMIT 1`, date)
	if err != nil || !found {
		return nil, err
	}
	return &route, nil
}

// GetRouteByID returns the route with id, or nil.
func (s *SQLiteStore) GetRouteByID(ctx context.Context, id string) (*models.CachedRoute, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var route models.CachedRoute
	found, err := getOne(ctx, conn, &route, `SELECT data FROM routes WHERE id = ?`, id)
	if err != nil || !found {
		return nil, err
	}
	return &route, nil
}

// IsStale reports whether route is older than ttl. A nil route is stale.
func (s *SQLiteStore) IsStale(route *models.CachedRoute, ttl time.Duration) bool {
	if route == nil {
		return true
	}
	return route.IsStale(s.now(), ttl)
}

// EvictOldRoutes deletes every route cached more than maxAge ago and
// returns how many were removed.
func (s *SQLiteStore) EvictOldRoutes(ctx context.Context, maxAge time.Duration) (int, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().UnixMilli() - maxAge.Milliseconds()
	res, err := conn.ExecContext(ctx, `DELETE FROM routes WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to evict routes", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count evicted routes", err)
	}
	return int(n), nil
}

// =====================================================
// Jobs
// =====================================================

// SaveJob upserts a pending job mutation.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *models.CachedJob) error {
	if job == nil || job.ID == "" {
		return errors.New(errors.ErrInvalid, "job id is required")
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}

	job.CachedAt = s.now().UnixMilli()
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode job", err)
	}

	var routeID interface{}
	if !job.Unassigned() {
		routeID = *job.RouteID
	}
	_, err = conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (id, scheduled_date, route_id, cached_at, data) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.ScheduledDate, routeID, job.CachedAt, string(data))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to save job", err)
	}
	return nil
}

// GetPendingJobs returns every cached job, oldest first.
func (s *SQLiteStore) GetPendingJobs(ctx context.Context) ([]*models.CachedJob, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return getMany[models.CachedJob](ctx, conn, `SELECT data FROM jobs ORDER BY cached_at, rowid`)
}

// GetJobsByRoute returns cached jobs that belong to routeID.
func (s *SQLiteStore) GetJobsByRoute(ctx context.Context, routeID string) ([]*models.CachedJob, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return getMany[models.CachedJob](ctx, conn,
		`SELECT data FROM jobs WHERE route_id = ? ORDER BY cached_at, rowid`, routeID)
}

// RemoveJob deletes a job once the server confirmed it. Missing ids are ignored.
func (s *SQLiteStore) RemoveJob(ctx context.Context, id string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove job", err)
	}
	return nil
}

// =====================================================
// Shifts
// =====================================================

// SaveShift upserts a shift snapshot.
func (s *SQLiteStore) SaveShift(ctx context.Context, shift *models.CachedShift) error {
	if shift == nil || shift.ID == "" {
		return errors.New(errors.ErrInvalid, "shift id is required")
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}

	shift.CachedAt = s.now().UnixMilli()
	data, err := json.Marshal(shift)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode shift", err)
	}

	_, err = conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO shifts (id, shift_date, cached_at, synced, data) VALUES (?, ?, ?, ?, ?)`,
		shift.ID, shift.ShiftDate, shift.CachedAt, boolToInt(shift.Synced), string(data))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to save shift", err)
	}
	return nil
}

// GetShiftByDate returns the most recently written shift for date, or nil.
func (s *SQLiteStore) GetShiftByDate(ctx context.Context, date string) (*models.CachedShift, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var shift models.CachedShift
	found, err := getOne(ctx, conn, &shift,
		`SELECT data FROM shifts WHERE shift_date = ? ORDER BY cached_at DESC, rowid DESC LIMIT 1`, date)
	if err != nil || !found {
		return nil, err
	}
	return &shift, nil
}

// GetShiftByID returns the shift with id, or nil.
func (s *SQLiteStore) GetShiftByID(ctx context.Context, id string) (*models.CachedShift, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var shift models.CachedShift
	found, err := getOne(ctx, conn, &shift, `SELECT data FROM shifts WHERE id = ?`, id)
	if err != nil || !found {
		return nil, err
	}
	return &shift, nil
}

// GetUnsyncedShifts returns shifts with local changes the server has not seen.
func (s *SQLiteStore) GetUnsyncedShifts(ctx context.Context) ([]*models.CachedShift, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return getMany[models.CachedShift](ctx, conn,
		`SELECT data FROM shifts WHERE synced = 0 ORDER BY cached_at, rowid`)
}

// =====================================================
// Sync metadata
// =====================================================

// SetLastSync records the time of the last fully successful sync.
func (s *SQLiteStore) SetLastSync(ctx context.Context, t time.Time) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSyncKey, strconv.FormatInt(t.UnixMilli(), 10))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to record last sync", err)
	}
	return nil
}

// GetLastSync returns the last successful sync time, or nil if never synced.
func (s *SQLiteStore) GetLastSync(ctx context.Context) (*time.Time, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var value string
	err = conn.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, lastSyncKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read last sync", err)
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, fmt.Sprintf("corrupt last sync value %q", value), err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// ClearAll wipes every collection and the sync metadata in one transaction.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"routes", "jobs", "shifts", "sync_meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to clear "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to commit clear", err)
	}
	return nil
}

// =====================================================
// Helpers
// =====================================================

func getOne(ctx context.Context, conn *db.DB, dest interface{}, query string, args ...interface{}) (bool, error) {
	var data string
	err := conn.QueryRowContext(ctx, query, args...).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "query failed", err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to decode record", err)
	}
	return true, nil
}

func getMany[T any](ctx context.Context, conn *db.DB, query string, args ...interface{}) ([]*T, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "query failed", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan failed", err)
		}
		item := new(T)
		if err := json.Unmarshal([]byte(data), item); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to decode record", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "row iteration failed", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
