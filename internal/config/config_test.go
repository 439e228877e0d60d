package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

func TestNewFromEnv_defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FIELDSYNC_DATA_DIR", dir)

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "127.0.0.1:8090", cfg.Listen)
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 30*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 5*time.Minute, cfg.RouteTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RouteMaxAge)
	assert.Equal(t, 1920, cfg.MaxWidth)
	assert.InDelta(t, 0.8, cfg.JPEGQuality, 1e-9)
	assert.Equal(t, filepath.Join(dir, "inbox"), cfg.InboxDir)
	assert.True(t, cfg.InboxEnabled())
	assert.Equal(t, "1", cfg.WorkerVersion)

	assert.True(t, errors.Is(cfg.RequireServer(), errors.ErrInvalid))
}

func TestNewFromEnv_overrides(t *testing.T) {
	t.Setenv("FIELDSYNC_DATA_DIR", t.TempDir())
	t.Setenv("FIELDSYNC_SERVER_URL", "https://dispatch.example.com")
	t.Setenv("FIELDSYNC_HTTP_TIMEOUT", "15")
	t.Setenv("FIELDSYNC_ROUTE_TTL", "90s")
	t.Setenv("FIELDSYNC_MAX_WIDTH", "not-a-number")
	t.Setenv("FIELDSYNC_INBOX_DIR", "-")

	cfg, err := NewFromEnv(WithListen(":9999"), WithServerURL(""))
	require.NoError(t, err)

	assert.Equal(t, "https://dispatch.example.com", cfg.ServerURL)
	assert.NoError(t, cfg.RequireServer())
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 90*time.Second, cfg.RouteTTL)
	assert.Equal(t, 1920, cfg.MaxWidth)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.False(t, cfg.InboxEnabled())
}

func TestNewFromEnv_invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"relative server url", "FIELDSYNC_SERVER_URL", "dispatch.local"},
		{"quality out of range", "FIELDSYNC_JPEG_QUALITY", "1.5"},
		{"negative width", "FIELDSYNC_MAX_WIDTH", "-1"},
		{"bad cron", "FIELDSYNC_EVICT_CRON", "every day"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FIELDSYNC_DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.val)

			_, err := NewFromEnv()
			assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FIELDSYNC_WORKER_VERSION=7\nFIELDSYNC_LISTEN=:1\n"), 0o600))

	t.Setenv("FIELDSYNC_DATA_DIR", t.TempDir())
	t.Setenv("FIELDSYNC_LISTEN", ":2")
	// Load only sets unset variables; register cleanup for the one it sets
	t.Setenv("FIELDSYNC_WORKER_VERSION", "")
	require.NoError(t, os.Unsetenv("FIELDSYNC_WORKER_VERSION"))

	require.NoError(t, LoadDotEnv(path))
	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "7", cfg.WorkerVersion)
	assert.Equal(t, ":2", cfg.Listen)

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
