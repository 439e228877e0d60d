// Package db provides database connection management for the local stores.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

//go:embed migrations
var migrationFS embed.FS

// Schema names one physically separate database file and its migrations.
type Schema struct {
	Name string
	File string
	Dir  string
}

var (
	// CacheSchema holds routes, jobs, shifts and sync metadata.
	CacheSchema = Schema{Name: "cache", File: "fieldsync.db", Dir: "migrations/cache"}
	// PhotoSchema holds queued photo blobs.
	PhotoSchema = Schema{Name: "photos", File: "photos.db", Dir: "migrations/photos"}
)

// DB wraps the sql.DB with FieldSync-specific configuration.
type DB struct {
	*sql.DB
	Path   string
	Schema Schema
}

// Open opens a SQLite database for schema under dataDir and applies its
// pending migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - a busy timeout so the worker and the API can share the file
func Open(ctx context.Context, dataDir string, schema Schema) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, schema.File)

	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to apply %q", p), err)
		}
	}

	migrator := NewMigrator(sqlDB, migrationFS, schema.Dir)
	if err := migrator.Up(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to migrate %s database", schema.Name), err)
	}

	return &DB{DB: sqlDB, Path: dbPath, Schema: schema}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Handle is a lazily opened, shared database connection. Concurrent callers
// of Open wait for the same in-flight open and receive the same *DB. A failed
// open is not cached, so a later call retries.
type Handle struct {
	dataDir string
	schema  Schema

	group singleflight.Group

	mu    sync.Mutex
	db    *DB
	opens int
}

// NewHandle creates a Handle for schema under dataDir without opening it.
func NewHandle(dataDir string, schema Schema) *Handle {
	return &Handle{dataDir: dataDir, schema: schema}
}

// Open returns the live database, opening and migrating it on first use.
func (h *Handle) Open(ctx context.Context) (*DB, error) {
	h.mu.Lock()
	if h.db != nil {
		db := h.db
		h.mu.Unlock()
		return db, nil
	}
	h.mu.Unlock()

	v, err, _ := h.group.Do(h.schema.Name, func() (interface{}, error) {
		h.mu.Lock()
		if h.db != nil {
			db := h.db
			h.mu.Unlock()
			return db, nil
		}
		h.mu.Unlock()

		// Waiters share this open; one caller's cancellation must not fail the rest.
		db, err := Open(context.WithoutCancel(ctx), h.dataDir, h.schema)
		if err != nil {
			logging.Error("Failed to open database", err, map[string]interface{}{
				"schema": h.schema.Name,
				"dir":    h.dataDir,
			})
			return nil, err
		}

		h.mu.Lock()
		h.db = db
		h.opens++
		h.mu.Unlock()

		logging.Info("Database opened", map[string]interface{}{
			"schema": h.schema.Name,
			"path":   db.Path,
		})
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DB), nil
}

// Close closes the live database, if any. A later Open reopens it.
func (h *Handle) Close() error {
	h.mu.Lock()
	db := h.db
	h.db = nil
	h.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}
