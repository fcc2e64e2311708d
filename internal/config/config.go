// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every tunable the service reads at startup.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Session    SessionConfig    `mapstructure:"session"`
	Health     HealthConfig     `mapstructure:"health"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Snapshots  SnapshotsConfig  `mapstructure:"snapshots"`
	Status     StatusConfig     `mapstructure:"status"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// CrawlConfig governs the supervisor's scaling behavior.
type CrawlConfig struct {
	MaxWorkers             int     `mapstructure:"max_workers"`
	CheckIntervalSeconds   int     `mapstructure:"check_interval_seconds"`
	ScaleUpCooldownSeconds int     `mapstructure:"scale_up_cooldown_seconds"`
	StallAfterSeconds      int     `mapstructure:"stall_after_seconds"`
	MinFreeMemoryMB        int     `mapstructure:"min_free_memory_mb"`
	MaxCPUPercent          float64 `mapstructure:"max_cpu_percent"`
	HealthTickSeconds      int     `mapstructure:"health_tick_seconds"`
	MaxSessionRestarts     int     `mapstructure:"max_session_restarts"`
	QuarantineRetentionHrs int     `mapstructure:"quarantine_retention_hours"`
}

// SessionConfig governs browser sessions and pagination.
type SessionConfig struct {
	RootURL         string  `mapstructure:"root_url"`
	StoreLocatorURL string  `mapstructure:"store_locator_url"`
	UserAgent       string  `mapstructure:"user_agent"`
	Headless        bool    `mapstructure:"headless"`
	NavTimeoutSec   int     `mapstructure:"nav_timeout_seconds"`
	ContentWaitSec  int     `mapstructure:"content_wait_seconds"`
	HostQPS         float64 `mapstructure:"host_qps"`
	PageSize        int     `mapstructure:"page_size"`
	MaxPages        int     `mapstructure:"max_pages"`
	PacingMinMs     int     `mapstructure:"pacing_min_ms"`
	PacingMaxMs     int     `mapstructure:"pacing_max_ms"`
}

// HealthConfig sets the per-counter suspect/block thresholds.
type HealthConfig struct {
	ZeroResultSuspect      int `mapstructure:"zero_result_suspect"`
	ZeroResultBlock        int `mapstructure:"zero_result_block"`
	TransportSuspect       int `mapstructure:"transport_suspect"`
	TransportBlock         int `mapstructure:"transport_block"`
	ExtractionSuspect      int `mapstructure:"extraction_suspect"`
	ExtractionBlock        int `mapstructure:"extraction_block"`
	SuspectDelaySeconds    int `mapstructure:"suspect_delay_seconds"`
	BlockedDelaySeconds    int `mapstructure:"blocked_delay_seconds"`
}

// IngestConfig governs validation and alert thresholds.
type IngestConfig struct {
	MinPrice          float64            `mapstructure:"min_price"`
	MaxPrice          float64            `mapstructure:"max_price"`
	PriceDropPct      float64            `mapstructure:"price_drop_pct"`
	AbsoluteDrops     map[string]float64 `mapstructure:"absolute_drops"`
	ClearanceDiscount float64            `mapstructure:"clearance_discount"`
}

// DBConfig controls the Postgres pool. An empty DSN selects the
// in-memory store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// PubSubConfig routes alerts to a topic when set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SnapshotsConfig selects where quarantine snapshots are archived.
// GCSBucket wins when both are set; neither disables archival.
type SnapshotsConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// StatusConfig controls the status file contract.
type StatusConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk and environment. path may be empty,
// in which case defaults plus SHELFWATCH_* environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHELFWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)

	v.SetDefault("crawl.max_workers", 4)
	v.SetDefault("crawl.check_interval_seconds", 15)
	v.SetDefault("crawl.scale_up_cooldown_seconds", 120)
	v.SetDefault("crawl.stall_after_seconds", 300)
	v.SetDefault("crawl.min_free_memory_mb", 1024)
	v.SetDefault("crawl.max_cpu_percent", 80)
	v.SetDefault("crawl.health_tick_seconds", 10)
	v.SetDefault("crawl.max_session_restarts", 3)
	v.SetDefault("crawl.quarantine_retention_hours", 168)

	v.SetDefault("session.user_agent", "shelfwatch/1.0")
	v.SetDefault("session.headless", true)
	v.SetDefault("session.nav_timeout_seconds", 30)
	v.SetDefault("session.content_wait_seconds", 20)
	v.SetDefault("session.host_qps", 0.5)
	v.SetDefault("session.page_size", 24)
	v.SetDefault("session.max_pages", 40)
	v.SetDefault("session.pacing_min_ms", 2000)
	v.SetDefault("session.pacing_max_ms", 7000)

	v.SetDefault("health.zero_result_suspect", 3)
	v.SetDefault("health.zero_result_block", 8)
	v.SetDefault("health.transport_suspect", 3)
	v.SetDefault("health.transport_block", 6)
	v.SetDefault("health.extraction_suspect", 4)
	v.SetDefault("health.extraction_block", 10)
	v.SetDefault("health.suspect_delay_seconds", 5)
	v.SetDefault("health.blocked_delay_seconds", 15)

	v.SetDefault("ingest.min_price", 0.01)
	v.SetDefault("ingest.max_price", 50000)
	v.SetDefault("ingest.price_drop_pct", 0.25)
	v.SetDefault("ingest.clearance_discount", 0.5)

	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)

	v.SetDefault("status.path", "shelfwatch-status.json")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.MaxWorkers <= 0 {
		return fmt.Errorf("crawl.max_workers must be > 0")
	}
	if c.Crawl.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("crawl.check_interval_seconds must be > 0")
	}
	if c.Session.PageSize <= 0 {
		return fmt.Errorf("session.page_size must be > 0")
	}
	if c.Session.MaxPages <= 0 {
		return fmt.Errorf("session.max_pages must be > 0")
	}
	if c.Session.PacingMaxMs < c.Session.PacingMinMs {
		return fmt.Errorf("session.pacing_max_ms must be >= session.pacing_min_ms")
	}
	if c.Ingest.PriceDropPct < 0 || c.Ingest.PriceDropPct > 1 {
		return fmt.Errorf("ingest.price_drop_pct must be in [0, 1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	return nil
}

// CheckInterval returns the supervisor tick as a duration.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Crawl.CheckIntervalSeconds) * time.Second
}
