// Package db provides database schema migration management.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration represents an applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies versioned, additive migrations from an fs.FS.
// Files are named V<version>__<description>.up.sql.
type Migrator struct {
	db         *sql.DB
	fsys       fs.FS
	migrateDir string
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB, fsys fs.FS, migrateDir string) *Migrator {
	return &Migrator{
		db:         db,
		fsys:       fsys,
		migrateDir: migrateDir,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

type migrationFile struct {
	version     int
	name        string
	description string
}

// files lists migration files in version order.
func (m *Migrator) files() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.fsys, m.migrateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		parts := strings.SplitN(strings.TrimSuffix(name, ".up.sql"), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil || version <= 0 {
			continue
		}
		files = append(files, migrationFile{version: version, name: name, description: parts[1]})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// Up applies all pending migrations. Already-applied migrations whose file
// content changed are rejected: schema changes must arrive as new versions.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema_migrations: %w", err)
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedChecksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedChecksums[mig.Version] = mig.Checksum
	}

	files, err := m.files()
	if err != nil {
		return err
	}

	for _, f := range files {
		content, err := fs.ReadFile(m.fsys, path.Join(m.migrateDir, f.name))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", f.name, err)
		}
		checksum := checksumOf(content)

		if existing, ok := appliedChecksums[f.version]; ok {
			if existing != checksum {
				return fmt.Errorf("migration V%d was modified after being applied", f.version)
			}
			continue
		}

		if err := m.applyMigration(ctx, f, content, checksum); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", f.version, err)
		}
	}

	return nil
}

// applyMigration applies a single migration in a transaction.
func (m *Migrator) applyMigration(ctx context.Context, f migrationFile, content []byte, checksum string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, f.version, time.Now().Unix(), f.description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func checksumOf(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
