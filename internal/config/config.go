// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Config holds all daemon configuration.
//
// Environment Variables:
// - FIELDSYNC_DATA_DIR: directory holding fieldsync.db and photos.db (default: ~/.fieldsync)
// - FIELDSYNC_SERVER_URL: dispatch server base URL (required for serve)
// - FIELDSYNC_API_TOKEN: bearer token for the dispatch server (optional)
// - FIELDSYNC_LISTEN: local API address (default: 127.0.0.1:8090)
// - FIELDSYNC_HTTP_TIMEOUT: server request timeout (default: 60s)
// - FIELDSYNC_PROBE_INTERVAL: connectivity probe interval (default: 30s)
// - FIELDSYNC_ROUTE_TTL: cached route freshness (default: 5m)
// - FIELDSYNC_ROUTE_MAX_AGE: cached route eviction age (default: 168h)
// - FIELDSYNC_EVICT_CRON: eviction schedule (default: "0 3 * * *")
// - FIELDSYNC_INBOX_DIR: capture inbox directory (default: <data dir>/inbox, "-" disables)
// - FIELDSYNC_MAX_WIDTH: compressed photo width bound (default: 1920)
// - FIELDSYNC_JPEG_QUALITY: compressed photo quality 0-1 (default: 0.8)
// - FIELDSYNC_LOG_LEVEL: debug, info, warn or error (default: info)
// - FIELDSYNC_LOG_FILE: rotated log file, stderr when empty
// - FIELDSYNC_DISPLAY_MODE: how the UI is hosted (default: browser)
// - FIELDSYNC_WORKER_VERSION: version of the background worker (default: 1)
type Config struct {
	DataDir   string `json:"data_dir"`
	ServerURL string `json:"server_url"`
	APIToken  string `json:"-"`
	Listen    string `json:"listen"`

	HTTPTimeout   time.Duration `json:"http_timeout"`
	ProbeInterval time.Duration `json:"probe_interval"`

	RouteTTL    time.Duration `json:"route_ttl"`
	RouteMaxAge time.Duration `json:"route_max_age"`
	EvictCron   string        `json:"evict_cron"`

	InboxDir    string  `json:"inbox_dir"`
	MaxWidth    int     `json:"max_width"`
	JPEGQuality float64 `json:"jpeg_quality"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	DisplayMode   string `json:"display_mode"`
	WorkerVersion string `json:"worker_version"`
}

// Option adjusts a Config after it is read from the environment.
type Option func(*Config)

// WithDataDir overrides the data directory.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		if dir != "" {
			c.DataDir = dir
		}
	}
}

// WithServerURL overrides the server URL.
func WithServerURL(u string) Option {
	return func(c *Config) {
		if u != "" {
			c.ServerURL = u
		}
	}
}

// WithListen overrides the local API address.
func WithListen(addr string) Option {
	return func(c *Config) {
		if addr != "" {
			c.Listen = addr
		}
	}
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to load "+path, err)
	}
	logging.Debug("Loaded environment file", map[string]interface{}{"path": path})
	return nil
}

// NewFromEnv builds a Config from environment variables and opts.
func NewFromEnv(opts ...Option) (*Config, error) {
	cfg := &Config{
		DataDir:       getEnvString("FIELDSYNC_DATA_DIR", defaultDataDir()),
		ServerURL:     getEnvString("FIELDSYNC_SERVER_URL", ""),
		APIToken:      getEnvString("FIELDSYNC_API_TOKEN", ""),
		Listen:        getEnvString("FIELDSYNC_LISTEN", "127.0.0.1:8090"),
		HTTPTimeout:   getEnvDuration("FIELDSYNC_HTTP_TIMEOUT", 60*time.Second),
		ProbeInterval: getEnvDuration("FIELDSYNC_PROBE_INTERVAL", 30*time.Second),
		RouteTTL:      getEnvDuration("FIELDSYNC_ROUTE_TTL", 5*time.Minute),
		RouteMaxAge:   getEnvDuration("FIELDSYNC_ROUTE_MAX_AGE", 7*24*time.Hour),
		EvictCron:     getEnvString("FIELDSYNC_EVICT_CRON", "0 3 * * *"),
		InboxDir:      getEnvString("FIELDSYNC_INBOX_DIR", ""),
		MaxWidth:      getEnvInt("FIELDSYNC_MAX_WIDTH", 1920),
		JPEGQuality:   getEnvFloat("FIELDSYNC_JPEG_QUALITY", 0.8),
		LogLevel:      getEnvString("FIELDSYNC_LOG_LEVEL", "info"),
		LogFile:       getEnvString("FIELDSYNC_LOG_FILE", ""),
		DisplayMode:   getEnvString("FIELDSYNC_DISPLAY_MODE", "browser"),
		WorkerVersion: getEnvString("FIELDSYNC_WORKER_VERSION", "1"),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.InboxDir == "" {
		cfg.InboxDir = filepath.Join(cfg.DataDir, "inbox")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InboxEnabled reports whether the capture inbox should be watched.
func (c *Config) InboxEnabled() bool {
	return c.InboxDir != "-"
}

// RequireServer fails when no server URL is configured.
func (c *Config) RequireServer() error {
	if c.ServerURL == "" {
		return errors.New(errors.ErrInvalid, "FIELDSYNC_SERVER_URL is required")
	}
	return nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrInvalid, "FIELDSYNC_DATA_DIR is required")
	}
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New(errors.ErrInvalid, fmt.Sprintf("FIELDSYNC_SERVER_URL %q is not an absolute URL", c.ServerURL))
		}
	}
	if c.MaxWidth <= 0 {
		return errors.New(errors.ErrInvalid, "FIELDSYNC_MAX_WIDTH must be positive")
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 1 {
		return errors.New(errors.ErrInvalid, "FIELDSYNC_JPEG_QUALITY must be in (0, 1]")
	}
	if _, err := cron.ParseStandard(c.EvictCron); err != nil {
		return errors.Wrap(errors.ErrInvalid, fmt.Sprintf("FIELDSYNC_EVICT_CRON %q is invalid", c.EvictCron), err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
