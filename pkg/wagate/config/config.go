// Package config defines all configuration structures for the wagate
// gateway daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full gateway configuration.
type Config struct {
	// DataDir is the base directory for local durable state: per-agent
	// credential databases and the gateway SQLite database.
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the path to the gateway SQLite database (message log,
	// webhook outbox). If empty, defaults to {DataDir}/wagate.db.
	DatabasePath string `yaml:"database_path"`

	// Supabase configures the persisted session store and object storage.
	Supabase SupabaseConfig `yaml:"supabase"`

	// Session configures the connection lifecycle controller.
	Session SessionConfig `yaml:"session"`

	// Webhook configures the automation endpoint forwarder.
	Webhook WebhookConfig `yaml:"webhook"`

	// Media configures audio media storage.
	Media MediaConfig `yaml:"media"`

	// Health configures liveness checks and boot-time restore.
	Health HealthConfig `yaml:"health"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`
}

// SupabaseConfig holds the persisted-store connection settings.
type SupabaseConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	// SessionsTable is the table holding persisted session records.
	SessionsTable string `yaml:"sessions_table"`

	// AgentsTable is the table mapping agents to tenants and webhook overrides.
	AgentsTable string `yaml:"agents_table"`

	// CacheTTL bounds how long agent/tenant lookups are cached.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// SessionConfig holds connection lifecycle tuning.
type SessionConfig struct {
	// DeviceName is shown in the WhatsApp linked-devices list.
	DeviceName string `yaml:"device_name"`

	// InitCooldown is the minimum interval between initialize attempts
	// for the same agent.
	InitCooldown time.Duration `yaml:"init_cooldown"`

	// QRWindow is the QR stability window: a QR accepted for an agent is
	// immutable for this long, later reissues are dropped.
	QRWindow time.Duration `yaml:"qr_window"`

	// PreflightTimeout bounds the reachability check against the protocol
	// service before a session is opened.
	PreflightTimeout time.Duration `yaml:"preflight_timeout"`

	// PreflightAddr is the host:port dialed by the preflight check.
	PreflightAddr string `yaml:"preflight_addr"`

	// RestartDelay is the fixed delay before the single automatic
	// reconnect after a post-pairing restart-required close.
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// WebhookConfig holds forwarding settings.
type WebhookConfig struct {
	// DefaultURL is the environment-tier default destination; a per-agent
	// override in the agent directory wins over it.
	DefaultURL string `yaml:"default_url"`

	// Timeout is the hard per-POST timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts bounds retries for transient/5xx failures.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the initial backoff between delivery attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// MediaConfig holds audio storage settings.
type MediaConfig struct {
	// Bucket is the primary private bucket for audio objects.
	Bucket string `yaml:"bucket"`

	// FallbackBucket is used when creating the primary bucket fails.
	FallbackBucket string `yaml:"fallback_bucket"`

	// SignedURLTTL is the validity of issued signed URLs.
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
}

// HealthConfig holds monitor settings.
type HealthConfig struct {
	// CheckInterval is how often per-session liveness is evaluated.
	CheckInterval time.Duration `yaml:"check_interval"`

	// NeverConnectedAfter flags sessions that are alive but have never
	// reached connected for longer than this.
	NeverConnectedAfter time.Duration `yaml:"never_connected_after"`

	// SweepInterval is how often stale QR codes are removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// RestoreBackoff is the initial per-agent backoff during boot restore.
	RestoreBackoff time.Duration `yaml:"restore_backoff"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		DataDir: "./data",
		Supabase: SupabaseConfig{
			SessionsTable: "wa_sessions",
			AgentsTable:   "wa_agents",
			CacheTTL:      5 * time.Minute,
		},
		Session: SessionConfig{
			DeviceName:       "Wagate",
			InitCooldown:     10 * time.Second,
			QRWindow:         2 * time.Minute,
			PreflightTimeout: 5 * time.Second,
			PreflightAddr:    "web.whatsapp.com:443",
			RestartDelay:     2 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:      8 * time.Second,
			MaxAttempts:  4,
			RetryBackoff: 2 * time.Second,
		},
		Media: MediaConfig{
			Bucket:         "wagate-audio",
			FallbackBucket: "wagate-audio-alt",
			SignedURLTTL:   7 * 24 * time.Hour,
		},
		Health: HealthConfig{
			CheckInterval:       30 * time.Second,
			NeverConnectedAfter: 10 * time.Minute,
			SweepInterval:       5 * time.Minute,
			RestoreBackoff:      3 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides. A .env file in the working directory is honored.
func Load(path string) (Config, error) {
	cfg := Default()

	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = cfg.DataDir + "/wagate.db"
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("WAGATE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WAGATE_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_KEY"); v != "" {
		c.Supabase.APIKey = v
	}
	if v := os.Getenv("WAGATE_WEBHOOK_URL"); v != "" {
		c.Webhook.DefaultURL = v
	}
	if v := os.Getenv("WAGATE_MEDIA_BUCKET"); v != "" {
		c.Media.Bucket = v
	}
	if v := os.Getenv("WAGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WAGATE_WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Webhook.MaxAttempts = n
		}
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Supabase.URL == "" {
		return fmt.Errorf("supabase URL is required (SUPABASE_URL)")
	}
	if c.Supabase.APIKey == "" {
		return fmt.Errorf("supabase API key is required (SUPABASE_SERVICE_KEY)")
	}
	return nil
}
