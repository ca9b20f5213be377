package swiftq

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the in-scope contract spec.md §6 names: the record the
// core consumes, however an embedder chooses to build it. Parsing it
// from the environment is left to cmd/ via caarlos0/env — the core
// library never reads the environment itself.
type Config struct {
	Host             string `env:"SWIFTQ_HOST" envDefault:"localhost"`
	Port             int    `env:"SWIFTQ_PORT" envDefault:"5432"`
	User             string `env:"SWIFTQ_USER" envDefault:"postgres"`
	Password         string `env:"SWIFTQ_PASSWORD" envDefault:""`
	Database         string `env:"SWIFTQ_DATABASE" envDefault:"postgres"`
	ConnectionString string `env:"SWIFTQ_CONNECTION_STRING" envDefault:""`

	Schema string `env:"SWIFTQ_SCHEMA" envDefault:"swift_queue"`
	Max    int    `env:"SWIFTQ_POOL_MAX" envDefault:"10"`

	ArchiveIntervalSeconds       int  `env:"SWIFTQ_ARCHIVE_INTERVAL_SECONDS" envDefault:"86400"`
	ArchiveFailedIntervalSeconds int  `env:"SWIFTQ_ARCHIVE_FAILED_INTERVAL_SECONDS" envDefault:"86400"`
	DeleteAfterSeconds           int  `env:"SWIFTQ_DELETE_AFTER_SECONDS" envDefault:"86400"`
	MaintenanceIntervalSeconds   int  `env:"SWIFTQ_MAINTENANCE_INTERVAL_SECONDS" envDefault:"300"`
	MonitorStateIntervalSeconds  int  `env:"SWIFTQ_MONITOR_STATE_INTERVAL_SECONDS" envDefault:"60"`
	ClockMonitorIntervalSeconds  int  `env:"SWIFTQ_CLOCK_MONITOR_INTERVAL_SECONDS" envDefault:"60"`
	PollingIntervalSeconds       int  `env:"SWIFTQ_POLLING_INTERVAL_SECONDS" envDefault:"2"`
	AutoCreateDatabase           bool `env:"SWIFTQ_AUTO_CREATE_DATABASE" envDefault:"false"`

	// RateLimitCapacity <= 0 disables the producer-side token-bucket
	// throttle in front of Send (supplemented feature, SPEC_FULL.md §4).
	RateLimitCapacity       int     `env:"SWIFTQ_RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefillPerSec   float64 `env:"SWIFTQ_RATE_LIMIT_REFILL_PER_SEC" envDefault:"0"`
	RedisAddr               string  `env:"SWIFTQ_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword           string  `env:"SWIFTQ_REDIS_PASSWORD" envDefault:""`
	RedisDB                 int     `env:"SWIFTQ_REDIS_DB" envDefault:"0"`

	// BlobOffloadBytes <= 0 disables S3 blob offload during archival.
	BlobOffloadBytes int    `env:"SWIFTQ_BLOB_OFFLOAD_BYTES" envDefault:"0"`
	BlobBucket       string `env:"SWIFTQ_BLOB_BUCKET" envDefault:""`
	BlobRegion       string `env:"SWIFTQ_BLOB_REGION" envDefault:"us-east-1"`
	BlobEndpoint     string `env:"SWIFTQ_BLOB_ENDPOINT" envDefault:""`
	BlobPathStyle    bool   `env:"SWIFTQ_BLOB_PATH_STYLE" envDefault:"false"`

	MetricsAddr string `env:"SWIFTQ_METRICS_ADDR" envDefault:":9090"`

	ShutdownTimeout time.Duration `env:"SWIFTQ_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DSN builds a libpq connection string, preferring ConnectionString
// when set.
func (c Config) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database,
	)
}

// Validate checks the closed set of Config fields for internal
// consistency, independent of connectivity.
func (c Config) Validate() error {
	if c.Max <= 0 {
		return fmt.Errorf("pool max must be positive, got %d", c.Max)
	}
	if c.ArchiveIntervalSeconds <= 0 {
		return fmt.Errorf("archive interval must be positive, got %d", c.ArchiveIntervalSeconds)
	}
	if c.ArchiveFailedIntervalSeconds <= 0 {
		return fmt.Errorf("archive failed interval must be positive, got %d", c.ArchiveFailedIntervalSeconds)
	}
	if c.DeleteAfterSeconds <= 0 {
		return fmt.Errorf("delete-after interval must be positive, got %d", c.DeleteAfterSeconds)
	}
	if c.MaintenanceIntervalSeconds <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %d", c.MaintenanceIntervalSeconds)
	}
	if c.MonitorStateIntervalSeconds <= 0 {
		return fmt.Errorf("monitor-state interval must be positive, got %d", c.MonitorStateIntervalSeconds)
	}
	if c.ClockMonitorIntervalSeconds <= 0 {
		return fmt.Errorf("clock-monitor interval must be positive, got %d", c.ClockMonitorIntervalSeconds)
	}
	if c.PollingIntervalSeconds <= 0 {
		return fmt.Errorf("polling interval must be positive, got %d", c.PollingIntervalSeconds)
	}
	if c.ConnectionString == "" && c.Host == "" {
		return fmt.Errorf("either connection string or host must be set")
	}
	return nil
}

// CronEnabled reports whether the timekeeper may run, per spec.md
// §4.4: cron is disabled entirely when the debounce window (the
// archive interval) is under 60 seconds.
func (c Config) CronEnabled() bool {
	return c.ArchiveIntervalSeconds >= 60
}

// Load parses a Config from the environment. It is the thin env-var
// convenience spec.md §6's configuration table describes — used only
// by cmd/ entrypoints; the core never calls it itself, so embedders
// remain free to build a Config however they like.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
