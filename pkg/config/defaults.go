package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edgecloud/edgestore/internal/bytesize"
	"github.com/edgecloud/edgestore/internal/logger"
)

// Default thresholds for upload strategy selection. These are strict
// upper bounds: a payload exactly at a threshold takes the next
// strategy up.
const (
	DefaultInlineThreshold       = 512 * bytesize.KiB
	DefaultSingleObjectThreshold = 50 * bytesize.MiB
	DefaultChunkSize             = 32 * bytesize.MiB
)

// GetDefaultConfig returns a configuration with all defaults applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in missing configuration with default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.BasePath == "" {
		cfg.Storage.BasePath = filepath.Join("data", "storage")
	}
	if cfg.Storage.TempPath == "" {
		cfg.Storage.TempPath = filepath.Join(cfg.Storage.BasePath, "tmp")
	}
	if cfg.Storage.InlineThreshold == 0 {
		cfg.Storage.InlineThreshold = DefaultInlineThreshold
	}
	if cfg.Storage.SingleObjectThreshold == 0 {
		cfg.Storage.SingleObjectThreshold = DefaultSingleObjectThreshold
	}
	if cfg.Storage.ChunkSize == 0 {
		cfg.Storage.ChunkSize = DefaultChunkSize
	}
	if cfg.Storage.WarmAfter == 0 {
		cfg.Storage.WarmAfter = 30 * 24 * time.Hour
	}
	if cfg.Storage.ColdAfter == 0 {
		cfg.Storage.ColdAfter = 90 * 24 * time.Hour
	}
	if cfg.Storage.TierInterval == 0 {
		cfg.Storage.TierInterval = 6 * time.Hour
	}

	if cfg.Server.MaxBodySize == 0 {
		// Leave headroom above the chunk size for framing overhead.
		cfg.Server.MaxBodySize = cfg.Storage.ChunkSize * 2
	}

	cfg.Database.ApplyDefaults()

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "badger"
	}
	if cfg.Cache.Backend == "badger" && cfg.Cache.BadgerPath == "" {
		cfg.Cache.BadgerPath = filepath.Join(cfg.Storage.BasePath, "sessions")
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Versioning.RetentionDays == 0 {
		cfg.Versioning.Enabled = true
		cfg.Versioning.RetentionDays = 30
	}
	if cfg.Versioning.MaxPerFile == 0 {
		cfg.Versioning.MaxPerFile = 10
	}

	if cfg.Backup.Region == "" {
		cfg.Backup.Region = "us-east-1"
	}
	if cfg.Backup.Prefix == "" {
		cfg.Backup.Prefix = "blocks/"
	}
	if cfg.Backup.Interval == 0 {
		cfg.Backup.Interval = 12 * time.Hour
	}

	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = time.Hour
	}
	if cfg.GC.BatchSize == 0 {
		cfg.GC.BatchSize = 1000
	}
}

// Validate checks the configuration for errors.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if _, err := logger.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required for the redis backend")
	}

	if cfg.Storage.InlineThreshold >= cfg.Storage.SingleObjectThreshold {
		return fmt.Errorf("inline threshold %s must be below single object threshold %s",
			cfg.Storage.InlineThreshold, cfg.Storage.SingleObjectThreshold)
	}
	if cfg.Server.MaxBodySize <= cfg.Storage.ChunkSize {
		return fmt.Errorf("max body size %s must exceed chunk size %s",
			cfg.Server.MaxBodySize, cfg.Storage.ChunkSize)
	}

	if cfg.Backup.Enabled && cfg.Backup.Bucket == "" {
		return fmt.Errorf("backup.bucket is required when backup is enabled")
	}
	return nil
}
