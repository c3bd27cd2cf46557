package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Index    IndexConfig    `yaml:"index"`
	Worker   WorkerConfig   `yaml:"worker"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig controls push handling.
type SyncConfig struct {
	// ElevatedRoles may edit rows owned by other users.
	ElevatedRoles  []string `yaml:"elevated_roles"`
	MaxPushRows    int      `yaml:"max_push_rows"`
	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
}

// IndexConfig controls the ledger tx index.
type IndexConfig struct {
	PageSize int `yaml:"page_size"`
	// MaxCatchupRows bounds the catch-up a pull request performs inline.
	MaxCatchupRows int `yaml:"max_catchup_rows"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	IndexCatchupInterval     Duration `yaml:"index_catchup_interval"`
	SnapshotInterval         Duration `yaml:"snapshot_interval"`
	IdempotencyCleanInterval Duration `yaml:"idempotency_clean_interval"`
}

// SnapshotConfig contains snapshot distribution settings.
type SnapshotConfig struct {
	Storage SnapshotStorageConfig `yaml:"storage"`
}

// SnapshotStorageConfig configures S3-compatible snapshot storage.
// An empty Bucket keeps snapshots local-only.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	Prefix    string   `yaml:"prefix"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables a rotating log file in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
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
	cfg := newDefaults()

	configPath := getEnv("FORGE_CONFIG_PATH", "config/forge.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
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

// LoadLocal loads configuration for commands that open the database
// directly. Same precedence as Load, but no API key is required.
func LoadLocal() (*Config, error) {
	cfg := newDefaults()

	if err := loadYAMLFile(cfg, getEnv("FORGE_CONFIG_PATH", "config/forge.yaml")); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.validateLimits(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/forge.db",
		},
		Sync: SyncConfig{
			ElevatedRoles:  []string{"admin"},
			MaxPushRows:    5000,
			IdempotencyTTL: Duration(24 * time.Hour),
		},
		Index: IndexConfig{
			PageSize:       500,
			MaxCatchupRows: 5000,
		},
		Worker: WorkerConfig{
			IndexCatchupInterval:     Duration(30 * time.Second),
			SnapshotInterval:         Duration(1 * time.Hour),
			IdempotencyCleanInterval: Duration(1 * time.Hour),
		},
		Snapshot: SnapshotConfig{
			Storage: SnapshotStorageConfig{
				URLExpiry: Duration(15 * time.Minute),
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
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

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("FORGE_PORT", &cfg.Server.Port)
	envDuration("FORGE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FORGE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FORGE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("FORGE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("FORGE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Sync
	if v := os.Getenv("FORGE_ELEVATED_ROLES"); v != "" {
		cfg.Sync.ElevatedRoles = splitList(v)
	}
	envInt("FORGE_MAX_PUSH_ROWS", &cfg.Sync.MaxPushRows)
	envDuration("FORGE_IDEMPOTENCY_TTL", &cfg.Sync.IdempotencyTTL)

	// Index
	envInt("FORGE_INDEX_PAGE_SIZE", &cfg.Index.PageSize)
	envInt("FORGE_INDEX_MAX_CATCHUP_ROWS", &cfg.Index.MaxCatchupRows)

	// Worker
	envDuration("FORGE_INDEX_CATCHUP_INTERVAL", &cfg.Worker.IndexCatchupInterval)
	envDuration("FORGE_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)
	envDuration("FORGE_IDEMPOTENCY_CLEAN_INTERVAL", &cfg.Worker.IdempotencyCleanInterval)

	// Snapshot storage (credentials are env-only)
	s := &cfg.Snapshot.Storage
	if v := os.Getenv("FORGE_SNAPSHOT_BUCKET"); v != "" {
		s.Bucket = v
	}
	if v := os.Getenv("FORGE_SNAPSHOT_ENDPOINT"); v != "" {
		s.Endpoint = v
	}
	if v := os.Getenv("FORGE_SNAPSHOT_REGION"); v != "" {
		s.Region = v
	}
	if v := os.Getenv("FORGE_SNAPSHOT_PREFIX"); v != "" {
		s.Prefix = v
	}
	if v := os.Getenv("FORGE_SNAPSHOT_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		s.UseSSL = &useSSL
	}
	if v := os.Getenv("FORGE_SNAPSHOT_ACCESS_KEY"); v != "" {
		s.AccessKey = v
	}
	if v := os.Getenv("FORGE_SNAPSHOT_SECRET_KEY"); v != "" {
		s.SecretKey = v
	}
	envDuration("FORGE_SNAPSHOT_URL_EXPIRY", &s.URLExpiry)

	// Log
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FORGE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("FORGE_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate checks that required configuration values are set.
// In dev mode (FORGE_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if err := c.validateLimits(); err != nil {
		return err
	}

	if os.Getenv("FORGE_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("FORGE_API_KEY is required")
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Sync.MaxPushRows < 1 {
		return errors.New("sync.max_push_rows must be >= 1")
	}
	if c.Index.PageSize < 1 {
		return errors.New("index.page_size must be >= 1")
	}
	if c.Snapshot.Storage.Bucket != "" && c.Snapshot.Storage.Endpoint == "" {
		return errors.New("snapshot.storage.endpoint is required when a bucket is set")
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
