// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	db, err := Open(ctx, tmpDir, CacheSchema)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	if _, err := os.Stat(filepath.Join(tmpDir, "fieldsync.db")); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify WAL mode is enabled
	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	// Verify every collection exists
	for _, table := range []string{"routes", "jobs", "shifts", "sync_meta"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	// Verify secondary indexes
	for _, index := range []string{"idx_routes_date", "idx_jobs_scheduled_date", "idx_jobs_route_id", "idx_shifts_shift_date"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", index, err)
		}
	}
}

// TestOpen_photoSchemaIsSeparate verifies photos live in their own file.
func TestOpen_photoSchemaIsSeparate(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	photos, err := Open(ctx, tmpDir, PhotoSchema)
	if err != nil {
		t.Fatalf("Open(photos) failed: %v", err)
	}
	defer photos.Close()

	if photos.Path != filepath.Join(tmpDir, "photos.db") {
		t.Errorf("Path = %s", photos.Path)
	}

	var name string
	if err := photos.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='routes'").Scan(&name); err == nil {
		t.Error("photos database must not contain the routes collection")
	}
	if err := photos.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='photos'").Scan(&name); err != nil {
		t.Errorf("photos table not found: %v", err)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	_, err := Open(context.Background(), "/dev/null/invalid_path/that/cannot/be/created", CacheSchema)
	if err == nil {
		t.Fatal("Open() with invalid path should return error")
	}
	if !errors.Is(err, errors.ErrStorage) {
		t.Errorf("expected STORAGE_ERROR, got %v", err)
	}
}

// TestOpen_reopenPreservesData verifies migrations are idempotent across reopen.
func TestOpen_reopenPreservesData(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	db, err := Open(ctx, tmpDir, CacheSchema)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO routes (id, date, cached_at, data) VALUES ('r1', '2026-10-18', 1, '{}')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	db.Close()

	db, err = Open(ctx, tmpDir, CacheSchema)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM routes").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected route to survive reopen, got %d rows", count)
	}
}

// =====================================================
// Handle Tests
// =====================================================

// TestHandle_concurrentOpen verifies concurrent callers share one open.
func TestHandle_concurrentOpen(t *testing.T) {
	h := NewHandle(t.TempDir(), CacheSchema)
	defer h.Close()

	const callers = 16
	results := make([]*DB, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.Open(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d received a different handle", i)
		}
	}
	if h.opens != 1 {
		t.Errorf("expected exactly 1 physical open, got %d", h.opens)
	}
}

// TestHandle_retryAfterFailure verifies a failed open is not cached.
func TestHandle_retryAfterFailure(t *testing.T) {
	h := NewHandle("/dev/null/nope", CacheSchema)
	if _, err := h.Open(context.Background()); err == nil {
		t.Fatal("Open() should fail for an invalid directory")
	}

	h.dataDir = t.TempDir()
	db, err := h.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() after fixing directory failed: %v", err)
	}
	defer h.Close()
	if db == nil {
		t.Fatal("Open() returned nil db")
	}
}

// TestHandle_closeThenReopen verifies Close releases the handle.
func TestHandle_closeThenReopen(t *testing.T) {
	h := NewHandle(t.TempDir(), PhotoSchema)
	first, err := h.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	second, err := h.Open(context.Background())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer h.Close()
	if first == second {
		t.Error("expected a fresh handle after Close")
	}
	if err := (&Handle{}).Close(); err != nil {
		t.Errorf("Close() on unopened handle = %v", err)
	}
}
