// Package config loads the server configuration from file, environment
// and defaults.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (EDGESTORE_*)
//  2. Configuration file (YAML)
//  3. Legacy flat environment names (SECRET_KEY, DATABASE_URL, ...)
//  4. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/edgecloud/edgestore/internal/bytesize"
	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/metadata"
)

// Config is the full server configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP API listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Database configures the metadata store (SQLite or PostgreSQL).
	Database metadata.Config `mapstructure:"database" yaml:"database"`

	// Cache configures the session cache backend.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Storage configures payload placement and upload strategies.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Encryption configures the key hierarchy.
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`

	// Auth configures API token verification.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Metrics contains Prometheus metrics configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Versioning controls file version retention.
	Versioning VersioningConfig `mapstructure:"versioning" yaml:"versioning"`

	// Backup configures cold tier offload to S3.
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`

	// GC configures the garbage collector schedule.
	GC GCConfig `mapstructure:"gc" yaml:"gc"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Host is the bind address. Default: 0.0.0.0
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the API port. Default: 8080
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// MaxBodySize caps request bodies. Must exceed the chunk size.
	// Default: 64MiB
	MaxBodySize bytesize.ByteSize `mapstructure:"max_body_size" yaml:"max_body_size"`
}

// CacheConfig selects and configures the session cache backend.
type CacheConfig struct {
	// Backend is one of "badger", "redis", "memory".
	// Default: badger
	Backend string `mapstructure:"backend" validate:"oneof=badger redis memory" yaml:"backend"`

	// RedisURL is the redis:// connection URL (redis backend).
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`

	// BadgerPath is the database directory (badger backend).
	// Default: <storage.base_path>/sessions
	BadgerPath string `mapstructure:"badger_path" yaml:"badger_path"`
}

// StorageConfig configures payload placement and upload strategies.
type StorageConfig struct {
	// BasePath is the root of the tiered block store.
	// Default: ./data/storage
	BasePath string `mapstructure:"base_path" validate:"required" yaml:"base_path"`

	// TempPath is the staging directory for in-flight chunks.
	// Default: <base_path>/tmp
	TempPath string `mapstructure:"temp_path" yaml:"temp_path"`

	// InlineThreshold is the strict upper bound for inline storage.
	// Default: 512KiB
	InlineThreshold bytesize.ByteSize `mapstructure:"inline_threshold" yaml:"inline_threshold"`

	// SingleObjectThreshold is the strict upper bound for single-object
	// storage. Default: 50MiB
	SingleObjectThreshold bytesize.ByteSize `mapstructure:"single_object_threshold" yaml:"single_object_threshold"`

	// ChunkSize is the transfer chunk size for chunked uploads.
	// Default: 32MiB
	ChunkSize bytesize.ByteSize `mapstructure:"chunk_size" yaml:"chunk_size"`

	// DedupDisabled skips the deduplication pipeline entirely. Large
	// uploads then keep their transfer chunks as the stored layout.
	DedupDisabled bool `mapstructure:"dedup_disabled" yaml:"dedup_disabled"`

	// CrossUserDedup allows full-file and block dedup to match data
	// uploaded by other users. Off by default: enabling it lets a user
	// confirm another user possesses a given file.
	CrossUserDedup bool `mapstructure:"cross_user_dedup" yaml:"cross_user_dedup"`

	// WarmAfter is the idle time before cache payloads move to warm.
	// Default: 720h (30 days)
	WarmAfter time.Duration `mapstructure:"warm_after" yaml:"warm_after"`

	// ColdAfter is the idle time before warm payloads move to cold.
	// Default: 2160h (90 days)
	ColdAfter time.Duration `mapstructure:"cold_after" yaml:"cold_after"`

	// TierInterval is how often the tiering walker runs.
	// Default: 6h
	TierInterval time.Duration `mapstructure:"tier_interval" yaml:"tier_interval"`
}

// EncryptionConfig configures the key hierarchy.
type EncryptionConfig struct {
	// MasterKey is the base64-encoded 32-byte master key. When empty,
	// the master key is derived from Auth.SecretKey.
	MasterKey string `mapstructure:"master_key" yaml:"master_key,omitempty"`
}

// AuthConfig configures API token verification.
type AuthConfig struct {
	// SecretKey signs and verifies HS256 bearer tokens. Required.
	SecretKey string `mapstructure:"secret_key" validate:"required" yaml:"secret_key"`

	// TokenTTL is the lifetime of issued tokens. Default: 24h
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port for the metrics listener. Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// VersioningConfig controls file version retention.
type VersioningConfig struct {
	// Enabled turns version snapshots on re-upload on or off.
	// Default: true
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RetentionDays is how long versions are kept. Default: 30
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`

	// MaxPerFile caps versions per file. Default: 10
	MaxPerFile int `mapstructure:"max_per_file" yaml:"max_per_file"`
}

// BackupConfig configures cold tier offload to S3.
type BackupConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Bucket is the backup bucket name. Required when enabled.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the bucket region. Default: us-east-1
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// Prefix is prepended to every object key. Default: blocks/
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	// Interval is how often the backup walker runs. Default: 12h
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// GCConfig configures the garbage collector schedule.
type GCConfig struct {
	// Interval between automatic runs. Zero disables the scheduler;
	// runs can still be triggered via the admin API or CLI.
	// Default: 1h
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// BatchSize caps the zero-reference candidates per run.
	// Default: 1000
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
}

// Load loads configuration from file, environment and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := GetDefaultConfig()
	if configFileFound {
		if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyLegacyEnv(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML. Permissions are 0600
// because the file carries key material.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable and config file handling.
// Environment variables use the EDGESTORE_ prefix and underscores,
// e.g. EDGESTORE_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("EDGESTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// applyLegacyEnv maps the flat environment names used by earlier
// deployments onto the structured config. Values already set by file
// or EDGESTORE_* variables win.
func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv("SECRET_KEY"); v != "" && cfg.Auth.SecretKey == "" {
		cfg.Auth.SecretKey = v
	}
	if v := os.Getenv("ENCRYPTION_MASTER_KEY"); v != "" && cfg.Encryption.MasterKey == "" {
		cfg.Encryption.MasterKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		applyDatabaseURL(cfg, v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" && cfg.Cache.RedisURL == "" {
		cfg.Cache.RedisURL = v
		if cfg.Cache.Backend == "" {
			cfg.Cache.Backend = "redis"
		}
	}
	if v := os.Getenv("CHUNK_SIZE"); v != "" && cfg.Storage.ChunkSize == 0 {
		if size, err := bytesize.Parse(v); err == nil {
			cfg.Storage.ChunkSize = size
		}
	}
	if v := os.Getenv("INLINE_THRESHOLD"); v != "" && cfg.Storage.InlineThreshold == 0 {
		if size, err := bytesize.Parse(v); err == nil {
			cfg.Storage.InlineThreshold = size
		}
	}
	if v := os.Getenv("SINGLE_OBJECT_THRESHOLD"); v != "" && cfg.Storage.SingleObjectThreshold == 0 {
		if size, err := bytesize.Parse(v); err == nil {
			cfg.Storage.SingleObjectThreshold = size
		}
	}
	if v := os.Getenv("DEDUP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.DedupDisabled = !b
		}
	}
	if v := os.Getenv("VERSION_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && cfg.Versioning.RetentionDays == 0 {
			cfg.Versioning.RetentionDays = days
		}
	}
	if v := os.Getenv("MAX_VERSIONS_PER_FILE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && cfg.Versioning.MaxPerFile == 0 {
			cfg.Versioning.MaxPerFile = n
		}
	}
}

// applyDatabaseURL fills database settings from a postgres:// URL, or
// treats any other value as a SQLite path.
func applyDatabaseURL(cfg *Config, url string) {
	if cfg.Database.Type != "" {
		return
	}
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		cfg.Database.Type = metadata.DatabaseTypePostgres
		host, port, user, password, dbname := parsePostgresURL(url)
		cfg.Database.Postgres.Host = host
		cfg.Database.Postgres.Port = port
		cfg.Database.Postgres.User = user
		cfg.Database.Postgres.Password = password
		cfg.Database.Postgres.Database = dbname
		return
	}
	cfg.Database.Type = metadata.DatabaseTypeSQLite
	cfg.Database.SQLite.Path = strings.TrimPrefix(url, "sqlite://")
}

func parsePostgresURL(url string) (host string, port int, user, password, dbname string) {
	port = 5432
	rest := url[strings.Index(url, "://")+3:]
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		cred := rest[:at]
		rest = rest[at+1:]
		if colon := strings.Index(cred, ":"); colon >= 0 {
			user, password = cred[:colon], cred[colon+1:]
		} else {
			user = cred
		}
	}
	if slash := strings.Index(rest, "/"); slash >= 0 {
		dbname = rest[slash+1:]
		rest = rest[:slash]
	}
	if q := strings.Index(dbname, "?"); q >= 0 {
		dbname = dbname[:q]
	}
	host = rest
	if colon := strings.Index(rest, ":"); colon >= 0 {
		host = rest[:colon]
		if p, err := strconv.Atoi(rest[colon+1:]); err == nil {
			port = p
		}
	}
	return host, port, user, password, dbname
}

// configDecodeHooks converts human-readable strings to ByteSize and
// time.Duration during unmarshal.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory: XDG_CONFIG_HOME or
// ~/.config, under an edgestore subdirectory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "edgestore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "edgestore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
