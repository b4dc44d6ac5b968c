package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Worker   WorkerConfig   `yaml:"worker"`
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

// Remote kinds selectable via remote.kind.
const (
	RemoteKindHTTP = "http"
	RemoteKindS3   = "s3"
)

// RemoteConfig selects and configures the authoritative remote store.
type RemoteConfig struct {
	Kind string           `yaml:"kind"`
	HTTP HTTPRemoteConfig `yaml:"http"`
	S3   S3RemoteConfig   `yaml:"s3"`
}

// HTTPRemoteConfig contains settings for the HTTP remote adapter.
type HTTPRemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// S3RemoteConfig contains settings for the S3-compatible remote adapter.
type S3RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool  `yaml:"use_ssl"`
}

// AuthConfig contains authentication settings for the local API.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig tunes the dispatcher and connectivity monitor.
type SyncConfig struct {
	Interval      Duration `yaml:"interval"`
	BatchSize     int      `yaml:"batch_size"`
	MaxAttempts   int      `yaml:"max_attempts"`
	CallTimeout   Duration `yaml:"call_timeout"`
	BackoffMin    Duration `yaml:"backoff_min"`
	BackoffMax    Duration `yaml:"backoff_max"`
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	DeadLetterRetention     Duration `yaml:"dead_letter_retention"`
	DeadLetterSweepInterval Duration `yaml:"dead_letter_sweep_interval"`
}

// LogConfig contains logging settings. When File is set, output rotates
// via lumberjack instead of going to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
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

	// Determine config path
	configPath := getEnv("TETHER_CONFIG_PATH", "config/tether.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadLocal loads configuration for commands that only touch the local
// database. It applies the same defaults → YAML → env precedence as Load
// but skips remote and auth validation: inspecting the queue must not
// require an API key or a reachable remote.
func LoadLocal() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TETHER_CONFIG_PATH", "config/tether.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8091,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/tether.db",
		},
		Remote: RemoteConfig{
			Kind: RemoteKindHTTP,
			HTTP: HTTPRemoteConfig{
				Timeout: Duration(10 * time.Second),
			},
		},
		Sync: SyncConfig{
			Interval:      Duration(30 * time.Second),
			BatchSize:     50,
			MaxAttempts:   5,
			CallTimeout:   Duration(10 * time.Second),
			BackoffMin:    Duration(1 * time.Second),
			BackoffMax:    Duration(5 * time.Minute),
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
		},
		Worker: WorkerConfig{
			DeadLetterRetention:     Duration(720 * time.Hour),
			DeadLetterSweepInterval: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
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
	if v := os.Getenv("TETHER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TETHER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("TETHER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("TETHER_REMOTE_KIND"); v != "" {
		cfg.Remote.Kind = v
	}
	if v := os.Getenv("TETHER_REMOTE_URL"); v != "" {
		cfg.Remote.HTTP.BaseURL = v
	}
	if v := os.Getenv("TETHER_REMOTE_API_KEY"); v != "" {
		cfg.Remote.HTTP.APIKey = v
	}
	if v := os.Getenv("TETHER_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.HTTP.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_S3_ENDPOINT"); v != "" {
		cfg.Remote.S3.Endpoint = v
	}
	if v := os.Getenv("TETHER_S3_BUCKET"); v != "" {
		cfg.Remote.S3.Bucket = v
	}
	if v := os.Getenv("TETHER_S3_PREFIX"); v != "" {
		cfg.Remote.S3.Prefix = v
	}
	if v := os.Getenv("TETHER_S3_REGION"); v != "" {
		cfg.Remote.S3.Region = v
	}
	if v := os.Getenv("TETHER_S3_ACCESS_KEY"); v != "" {
		cfg.Remote.S3.AccessKey = v
	}
	if v := os.Getenv("TETHER_S3_SECRET_KEY"); v != "" {
		cfg.Remote.S3.SecretKey = v
	}
	if v := os.Getenv("TETHER_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Remote.S3.UseSSL = &useSSL
	}

	// Auth
	if v := os.Getenv("TETHER_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Sync
	if v := os.Getenv("TETHER_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("TETHER_SYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxAttempts = n
		}
	}
	if v := os.Getenv("TETHER_SYNC_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.CallTimeout = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_BACKOFF_MIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffMin = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_BACKOFF_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffMax = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ProbeInterval = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ProbeTimeout = Duration(d)
		}
	}

	// Worker
	if v := os.Getenv("TETHER_DEAD_LETTER_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.DeadLetterRetention = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_DEAD_LETTER_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.DeadLetterSweepInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TETHER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TETHER_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (TETHER_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if c.Sync.BatchSize < 1 {
		return errors.New("sync.batch_size must be at least 1")
	}
	if c.Sync.MaxAttempts < 1 {
		return errors.New("sync.max_attempts must be at least 1")
	}
	if c.Sync.BackoffMin <= 0 || c.Sync.BackoffMax < c.Sync.BackoffMin {
		return errors.New("sync backoff bounds must satisfy 0 < backoff_min <= backoff_max")
	}

	switch c.Remote.Kind {
	case RemoteKindHTTP:
		if c.Remote.HTTP.BaseURL == "" {
			return errors.New("remote.http.base_url is required for kind http")
		}
	case RemoteKindS3:
		if c.Remote.S3.Endpoint == "" || c.Remote.S3.Bucket == "" {
			return errors.New("remote.s3.endpoint and remote.s3.bucket are required for kind s3")
		}
	default:
		return fmt.Errorf("remote.kind must be %q or %q", RemoteKindHTTP, RemoteKindS3)
	}

	// Dev mode bypasses API key validation
	if os.Getenv("TETHER_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("TETHER_API_KEY is required")
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
