package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/muniplan/internal/validation"
	"gopkg.in/yaml.v3"
)

// Completion trigger names accepted in completion.trigger.
const (
	TriggerTaskCompleted   = "task_completed"
	TriggerMilestoneChange = "milestone_change"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Auth            AuthConfig            `yaml:"auth"`
	Log             LogConfig             `yaml:"log"`
	Ledger          LedgerConfig          `yaml:"ledger"`
	Completion      CompletionConfig      `yaml:"completion"`
	Events          EventsConfig          `yaml:"events"`
	Worker          WorkerConfig          `yaml:"worker"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// DeleteRate is the sustained number of expense deletions per second
	// accepted per client; DeleteBurst is the bucket size.
	DeleteRate  float64 `yaml:"delete_rate"`
	DeleteBurst int     `yaml:"delete_burst"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LedgerConfig tunes retries of conflicting ledger transactions.
type LedgerConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
}

// CompletionConfig selects when completion is recomputed and overrides
// stage weights by milestone name.
type CompletionConfig struct {
	Trigger string         `yaml:"trigger"`
	Weights map[string]int `yaml:"weights"`
}

// EventsConfig configures task-completed event delivery. An empty AMQPURL
// delivers events in process; an empty RedisAddr deduplicates in memory.
type EventsConfig struct {
	AMQPURL       string   `yaml:"amqp_url"`
	Exchange      string   `yaml:"exchange"`
	Queue         string   `yaml:"queue"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"-"` // env-only, never in YAML
	RedisDB       int      `yaml:"redis_db"`
	DedupTTL      Duration `yaml:"dedup_ttl"`

	// Outbox delivery of committed events.
	OutboxInterval   Duration `yaml:"outbox_interval"`
	OutboxRetryDelay Duration `yaml:"outbox_retry_delay"`
	OutboxMaxRetries int      `yaml:"outbox_max_retries"`
	OutboxBatchSize  int      `yaml:"outbox_batch_size"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	AuditInterval    Duration `yaml:"audit_interval"`
	AuditRepair      bool     `yaml:"audit_repair"`
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// SnapshotStorageConfig contains S3-compatible storage settings for
// database snapshots. An empty Bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	Prefix    string   `yaml:"prefix"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	return load(true)
}

// LoadForTooling loads configuration like Load but does not require an API
// key. Offline subcommands (migrate, ledger audit) use it.
func LoadForTooling() (*Config, error) {
	return load(false)
}

func load(requireAPIKey bool) (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("MUNIPLAN_CONFIG_PATH", "config/muniplan.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validateSettings(); err != nil {
		return nil, err
	}
	if requireAPIKey {
		if err := cfg.validateAuth(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			DeleteRate:      5,
			DeleteBurst:     10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/muniplan.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Ledger: LedgerConfig{
			MaxRetries:     5,
			RetryBaseDelay: Duration(10 * time.Millisecond),
		},
		Completion: CompletionConfig{
			Trigger: TriggerTaskCompleted,
		},
		Events: EventsConfig{
			Exchange: "muniplan.events",
			Queue:    "muniplan.completion",
			DedupTTL: Duration(24 * time.Hour),

			OutboxInterval:   Duration(1 * time.Second),
			OutboxRetryDelay: Duration(5 * time.Second),
			OutboxMaxRetries: 10,
			OutboxBatchSize:  100,
		},
		Worker: WorkerConfig{
			AuditInterval:    Duration(1 * time.Hour),
			SnapshotInterval: Duration(1 * time.Hour),
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			Prefix:    "muniplan",
			UseSSL:    &useSSL,
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("MUNIPLAN_PORT", &cfg.Server.Port)
	envDuration("MUNIPLAN_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("MUNIPLAN_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("MUNIPLAN_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if v := os.Getenv("MUNIPLAN_DELETE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.DeleteRate = f
		}
	}
	envInt("MUNIPLAN_DELETE_BURST", &cfg.Server.DeleteBurst)

	// Database
	envString("MUNIPLAN_DB_DRIVER", &cfg.Database.Driver)
	envString("MUNIPLAN_DB_PATH", &cfg.Database.Path)
	envString("MUNIPLAN_DB_DSN", &cfg.Database.DSN)

	// Auth
	envString("MUNIPLAN_API_KEY", &cfg.Auth.APIKey)

	// Log
	envString("MUNIPLAN_LOG_LEVEL", &cfg.Log.Level)
	envString("MUNIPLAN_LOG_FORMAT", &cfg.Log.Format)

	// Ledger
	envInt("MUNIPLAN_LEDGER_MAX_RETRIES", &cfg.Ledger.MaxRetries)
	envDuration("MUNIPLAN_LEDGER_RETRY_BASE_DELAY", &cfg.Ledger.RetryBaseDelay)

	// Completion
	envString("MUNIPLAN_COMPLETION_TRIGGER", &cfg.Completion.Trigger)

	// Events
	envString("MUNIPLAN_AMQP_URL", &cfg.Events.AMQPURL)
	envString("MUNIPLAN_EVENTS_EXCHANGE", &cfg.Events.Exchange)
	envString("MUNIPLAN_EVENTS_QUEUE", &cfg.Events.Queue)
	envString("MUNIPLAN_REDIS_ADDR", &cfg.Events.RedisAddr)
	envString("MUNIPLAN_REDIS_PASSWORD", &cfg.Events.RedisPassword)
	envInt("MUNIPLAN_REDIS_DB", &cfg.Events.RedisDB)
	envDuration("MUNIPLAN_DEDUP_TTL", &cfg.Events.DedupTTL)
	envDuration("MUNIPLAN_OUTBOX_INTERVAL", &cfg.Events.OutboxInterval)
	envDuration("MUNIPLAN_OUTBOX_RETRY_DELAY", &cfg.Events.OutboxRetryDelay)
	envInt("MUNIPLAN_OUTBOX_MAX_RETRIES", &cfg.Events.OutboxMaxRetries)
	envInt("MUNIPLAN_OUTBOX_BATCH_SIZE", &cfg.Events.OutboxBatchSize)

	// Worker
	envDuration("MUNIPLAN_AUDIT_INTERVAL", &cfg.Worker.AuditInterval)
	envBool("MUNIPLAN_AUDIT_REPAIR", &cfg.Worker.AuditRepair)
	envDuration("MUNIPLAN_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)

	// Snapshot storage
	envString("MUNIPLAN_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("MUNIPLAN_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("MUNIPLAN_S3_REGION", &cfg.SnapshotStorage.Region)
	envString("MUNIPLAN_S3_PREFIX", &cfg.SnapshotStorage.Prefix)
	envString("MUNIPLAN_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("MUNIPLAN_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	if v := os.Getenv("MUNIPLAN_S3_USE_SSL"); v != "" {
		b := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &b
	}
	envDuration("MUNIPLAN_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)

	// An explicit "use_ssl: null" clears the pointer.
	if cfg.SnapshotStorage.UseSSL == nil {
		b := true
		cfg.SnapshotStorage.UseSSL = &b
	}
}

// validate checks that configuration values are usable.
// In dev mode (MUNIPLAN_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if err := c.validateSettings(); err != nil {
		return err
	}
	return c.validateAuth()
}

func (c *Config) validateSettings() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if verr := validation.ValidateEnum("completion.trigger", c.Completion.Trigger,
		[]string{TriggerTaskCompleted, TriggerMilestoneChange}); verr != nil {
		return verr
	}
	if errs := validation.ValidateWeights("completion.weights", c.Completion.Weights); len(errs) > 0 {
		return validation.Errors(errs)
	}
	if c.Ledger.MaxRetries < 0 {
		return errors.New("ledger.max_retries must not be negative")
	}
	if c.Events.OutboxInterval <= 0 {
		return errors.New("events.outbox_interval must be positive")
	}
	if c.Events.OutboxMaxRetries < 1 || c.Events.OutboxBatchSize < 1 {
		return errors.New("events.outbox_max_retries and events.outbox_batch_size must be at least 1")
	}
	return nil
}

// ErrMissingAPIKey is returned when serving without MUNIPLAN_API_KEY outside dev mode.
var ErrMissingAPIKey = errors.New("MUNIPLAN_API_KEY is required")

func (c *Config) validateAuth() error {
	if os.Getenv("MUNIPLAN_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
