package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/MimeLyc/docjobs/internal/jobs"
	"github.com/MimeLyc/docjobs/internal/persistence"
	"github.com/MimeLyc/docjobs/pkg/icron"
)

// Config holds all application configuration.
//
// Values are layered: built-in defaults, then the optional YAML file, then
// .env, then the process environment, then Option overrides.
//
// Environment Variables:
// Storage:
// - DATA_DIR: job store root (default: ./data)
// - DB_PATH: idempotency index file (default: <DATA_DIR>/docjobs.db)
//
// Retention:
// - RAW_TTL, ARTIFACT_TTL, TOMBSTONE_TTL, IDEMPOTENCY_TTL: Go durations
//
// Supervisor:
// - MAX_WORKERS (default: 2)
// - POLL_INTERVAL, HEARTBEAT_INTERVAL, GRACE_DELAY, RECOVERY_STALE_AFTER, SHUTDOWN_TIMEOUT
//
// Server:
// - HTTP_ADDR (default: :8080), GIN_MODE (default: release), MAX_WAIT, MAX_PAYLOAD_BYTES
// - SUBMIT_RATE_LIMIT: submissions per second per client, 0 disables (default: 0)
// - SUBMIT_BURST (default: 10)
//
// Logging:
// - LOG_LEVEL (default: info), LOG_FORMAT (json|text), LOG_FILE (optional, rotated)
//
// Backends:
// - REMOTE_BACKEND_URL, REMOTE_BACKEND_API_KEY, REMOTE_BACKEND_TIMEOUT
//
// Artifact mirror (enabled when S3_BUCKET is set):
// - S3_ENDPOINT, S3_BUCKET, S3_ACCESS_KEY, S3_SECRET_KEY, S3_REGION, S3_USE_SSL, S3_PREFIX
//
// Janitor:
// - JANITOR_CRON (default: @every 10m)
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Backend     BackendConfig     `mapstructure:"backend"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Janitor     JanitorConfig     `mapstructure:"janitor"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`
}

type RetentionConfig struct {
	RawTTL         time.Duration `mapstructure:"raw_ttl"`
	ArtifactTTL    time.Duration `mapstructure:"artifact_ttl"`
	TombstoneTTL   time.Duration `mapstructure:"tombstone_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type SupervisorConfig struct {
	MaxWorkers         int           `mapstructure:"max_workers"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	GraceDelay         time.Duration `mapstructure:"grace_delay"`
	RecoveryStaleAfter time.Duration `mapstructure:"recovery_stale_after"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
	SubmitRateLimit float64       `mapstructure:"submit_rate_limit"`
	SubmitBurst     int           `mapstructure:"submit_burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// BackendConfig configures the optional remote conversion service. The
// passthrough backend is always available.
type BackendConfig struct {
	RemoteURL     string        `mapstructure:"remote_url"`
	RemoteAPIKey  string        `mapstructure:"remote_api_key"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// Enabled reports whether artifacts should be mirrored to object storage.
func (c ObjectStoreConfig) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

type JanitorConfig struct {
	Cron string `mapstructure:"cron"`
}

// Option is a function type for configuring Config
type Option func(*Config)

func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.Storage.DataDir = dir
	}
}

func WithHTTPAddr(addr string) Option {
	return func(c *Config) {
		c.Server.Addr = addr
	}
}

func WithMaxWorkers(n int) Option {
	return func(c *Config) {
		c.Supervisor.MaxWorkers = n
	}
}

var envBindings = map[string]string{
	"storage.data_dir":                "DATA_DIR",
	"storage.db_path":                 "DB_PATH",
	"retention.raw_ttl":               "RAW_TTL",
	"retention.artifact_ttl":          "ARTIFACT_TTL",
	"retention.tombstone_ttl":         "TOMBSTONE_TTL",
	"retention.idempotency_ttl":       "IDEMPOTENCY_TTL",
	"supervisor.max_workers":          "MAX_WORKERS",
	"supervisor.poll_interval":        "POLL_INTERVAL",
	"supervisor.heartbeat_interval":   "HEARTBEAT_INTERVAL",
	"supervisor.grace_delay":          "GRACE_DELAY",
	"supervisor.recovery_stale_after": "RECOVERY_STALE_AFTER",
	"supervisor.shutdown_timeout":     "SHUTDOWN_TIMEOUT",
	"server.addr":                     "HTTP_ADDR",
	"server.mode":                     "GIN_MODE",
	"server.max_wait":                 "MAX_WAIT",
	"server.max_payload_bytes":        "MAX_PAYLOAD_BYTES",
	"server.submit_rate_limit":        "SUBMIT_RATE_LIMIT",
	"server.submit_burst":             "SUBMIT_BURST",
	"log.level":                       "LOG_LEVEL",
	"log.format":                      "LOG_FORMAT",
	"log.file":                        "LOG_FILE",
	"backend.remote_url":              "REMOTE_BACKEND_URL",
	"backend.remote_api_key":          "REMOTE_BACKEND_API_KEY",
	"backend.remote_timeout":          "REMOTE_BACKEND_TIMEOUT",
	"object_store.endpoint":           "S3_ENDPOINT",
	"object_store.bucket":             "S3_BUCKET",
	"object_store.access_key":         "S3_ACCESS_KEY",
	"object_store.secret_key":         "S3_SECRET_KEY",
	"object_store.region":             "S3_REGION",
	"object_store.use_ssl":            "S3_USE_SSL",
	"object_store.prefix":             "S3_PREFIX",
	"janitor.cron":                    "JANITOR_CRON",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.db_path", "")
	v.SetDefault("retention.raw_ttl", jobs.DefaultRawTTL)
	v.SetDefault("retention.artifact_ttl", jobs.DefaultArtifactTTL)
	v.SetDefault("retention.tombstone_ttl", jobs.DefaultTombstoneTTL)
	v.SetDefault("retention.idempotency_ttl", persistence.DefaultIdempotencyTTL)
	v.SetDefault("supervisor.max_workers", jobs.DefaultMaxWorkers)
	v.SetDefault("supervisor.poll_interval", jobs.DefaultPollInterval)
	v.SetDefault("supervisor.heartbeat_interval", jobs.DefaultHeartbeatInterval)
	v.SetDefault("supervisor.grace_delay", time.Duration(0))
	v.SetDefault("supervisor.recovery_stale_after", jobs.DefaultRecoveryStaleAfter)
	v.SetDefault("supervisor.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_wait", 30*time.Second)
	v.SetDefault("server.max_payload_bytes", int64(64<<20))
	v.SetDefault("server.submit_rate_limit", 0.0)
	v.SetDefault("server.submit_burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("backend.remote_url", "")
	v.SetDefault("backend.remote_api_key", "")
	v.SetDefault("backend.remote_timeout", 5*time.Minute)
	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.bucket", "")
	v.SetDefault("object_store.access_key", "")
	v.SetDefault("object_store.secret_key", "")
	v.SetDefault("object_store.region", "us-east-1")
	v.SetDefault("object_store.use_ssl", true)
	v.SetDefault("object_store.prefix", "artifacts")
	v.SetDefault("janitor.cron", "@every 10m")
}

// Load reads configuration. configPath may be empty, in which case
// config.yaml is looked up in ./configs and the working directory and is
// optional.
func Load(configPath string, opts ...Option) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DBPath returns the idempotency index location.
func (c *Config) DBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Storage.DataDir, "docjobs.db")
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Supervisor.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be at least 1, got %d", c.Supervisor.MaxWorkers)
	}
	positive := map[string]time.Duration{
		"RAW_TTL":              c.Retention.RawTTL,
		"ARTIFACT_TTL":         c.Retention.ArtifactTTL,
		"TOMBSTONE_TTL":        c.Retention.TombstoneTTL,
		"IDEMPOTENCY_TTL":      c.Retention.IdempotencyTTL,
		"POLL_INTERVAL":        c.Supervisor.PollInterval,
		"HEARTBEAT_INTERVAL":   c.Supervisor.HeartbeatInterval,
		"RECOVERY_STALE_AFTER": c.Supervisor.RecoveryStaleAfter,
		"SHUTDOWN_TIMEOUT":     c.Supervisor.ShutdownTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Supervisor.GraceDelay < 0 {
		return fmt.Errorf("GRACE_DELAY must not be negative")
	}
	if c.Retention.ArtifactTTL < c.Retention.RawTTL {
		return fmt.Errorf("ARTIFACT_TTL (%s) must not be shorter than RAW_TTL (%s)",
			c.Retention.ArtifactTTL, c.Retention.RawTTL)
	}
	if c.Supervisor.RecoveryStaleAfter <= c.Supervisor.HeartbeatInterval {
		return fmt.Errorf("RECOVERY_STALE_AFTER (%s) must exceed HEARTBEAT_INTERVAL (%s)",
			c.Supervisor.RecoveryStaleAfter, c.Supervisor.HeartbeatInterval)
	}
	if c.Server.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be positive")
	}
	if c.Server.SubmitRateLimit < 0 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT must not be negative")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if err := icron.Validate(c.Janitor.Cron); err != nil {
		return fmt.Errorf("JANITOR_CRON: %w", err)
	}
	return nil
}
