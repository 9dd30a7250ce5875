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
	Remote   RemoteConfig   `yaml:"remote"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	Backup   BackupConfig   `yaml:"backup"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains local collaborator API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig describes the backend that pending actions replay against.
type RemoteConfig struct {
	BaseURL   string   `yaml:"base_url"`
	HealthURL string   `yaml:"health_url"`
	APIKey    string   `yaml:"-"` // env-only, never in YAML
	Timeout   Duration `yaml:"timeout"`
}

// AuthConfig contains local API authentication settings.
// An empty key leaves the local API open, which suits a loopback-only listener.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains outbox drain settings.
type SyncConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ClaimLease    Duration `yaml:"claim_lease"`
	StartOnline   bool     `yaml:"start_online"`
}

// CacheConfig contains snapshot eviction settings.
type CacheConfig struct {
	TTL              Duration `yaml:"ttl"`
	EvictionInterval Duration `yaml:"eviction_interval"`
}

// BackupConfig contains local store backup and S3-compatible upload settings.
// Upload is disabled when Bucket is empty.
type BackupConfig struct {
	Interval  Duration `yaml:"interval"`
	Path      string   `yaml:"path"`
	ClientID  string   `yaml:"client_id"`
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File, when set, receives server logs in addition to stdout and is
	// rotated once it reaches MaxSizeMB.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
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
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("WAYPOINT_CONFIG_PATH", "config/waypoint.yaml")

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

// LoadFromFile loads configuration from a specific path, which must exist.
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

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	return newDefaults()
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/waypoint.db",
		},
		Remote: RemoteConfig{
			HealthURL: "/health",
			Timeout:   Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			ProbeInterval: Duration(30 * time.Second),
			ClaimLease:    Duration(5 * time.Minute),
		},
		Cache: CacheConfig{
			TTL:              Duration(7 * 24 * time.Hour),
			EvictionInterval: Duration(1 * time.Hour),
		},
		Backup: BackupConfig{
			Interval:  Duration(1 * time.Hour),
			Path:      "data/backup/current.db",
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

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

func envBool(v string) bool {
	return v == "true" || v == "1"
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("WAYPOINT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("WAYPOINT_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("WAYPOINT_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("WAYPOINT_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("WAYPOINT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("WAYPOINT_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("WAYPOINT_REMOTE_HEALTH_URL"); v != "" {
		cfg.Remote.HealthURL = v
	}
	if v := os.Getenv("WAYPOINT_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	envDuration("WAYPOINT_REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Auth
	if v := os.Getenv("WAYPOINT_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Sync
	envDuration("WAYPOINT_PROBE_INTERVAL", &cfg.Sync.ProbeInterval)
	envDuration("WAYPOINT_CLAIM_LEASE", &cfg.Sync.ClaimLease)
	if v := os.Getenv("WAYPOINT_START_ONLINE"); v != "" {
		cfg.Sync.StartOnline = envBool(v)
	}

	// Cache
	envDuration("WAYPOINT_CACHE_TTL", &cfg.Cache.TTL)
	envDuration("WAYPOINT_EVICTION_INTERVAL", &cfg.Cache.EvictionInterval)

	// Backup
	envDuration("WAYPOINT_BACKUP_INTERVAL", &cfg.Backup.Interval)
	if v := os.Getenv("WAYPOINT_BACKUP_PATH"); v != "" {
		cfg.Backup.Path = v
	}
	if v := os.Getenv("WAYPOINT_CLIENT_ID"); v != "" {
		cfg.Backup.ClientID = v
	}
	if v := os.Getenv("WAYPOINT_S3_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("WAYPOINT_S3_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("WAYPOINT_S3_REGION"); v != "" {
		cfg.Backup.Region = v
	}
	if v := os.Getenv("WAYPOINT_S3_USE_SSL"); v != "" {
		b := envBool(v)
		cfg.Backup.UseSSL = &b
	}
	if v := os.Getenv("WAYPOINT_S3_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("WAYPOINT_S3_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}
	envDuration("WAYPOINT_S3_URL_EXPIRY", &cfg.Backup.URLExpiry)

	// Log
	if v := os.Getenv("WAYPOINT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WAYPOINT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("WAYPOINT_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	positive := []struct {
		name string
		d    Duration
	}{
		{"sync.probe_interval", c.Sync.ProbeInterval},
		{"sync.claim_lease", c.Sync.ClaimLease},
		{"cache.ttl", c.Cache.TTL},
		{"cache.eviction_interval", c.Cache.EvictionInterval},
		{"backup.interval", c.Backup.Interval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}

	if c.Backup.Bucket != "" && c.Backup.Endpoint == "" {
		errs = append(errs, errors.New("backup.endpoint is required when backup.bucket is set"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Log.File != "" && (c.Log.MaxSizeMB <= 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0) {
		errs = append(errs, errors.New("log rotation limits must be non-negative and max_size_mb positive"))
	}

	return errors.Join(errs...)
}

// RemoteConfigured reports whether a replay target is set.
func (c *Config) RemoteConfigured() bool {
	return c.Remote.BaseURL != ""
}

// BackupUploadEnabled reports whether S3-compatible backup upload is configured.
func (c *Config) BackupUploadEnabled() bool {
	return c.Backup.Bucket != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
