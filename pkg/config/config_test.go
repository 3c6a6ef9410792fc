package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecloud/edgestore/internal/bytesize"
	"github.com/edgecloud/edgestore/pkg/metadata"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DefaultInlineThreshold, cfg.Storage.InlineThreshold)
	assert.Equal(t, DefaultSingleObjectThreshold, cfg.Storage.SingleObjectThreshold)
	assert.Equal(t, DefaultChunkSize, cfg.Storage.ChunkSize)
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, metadata.DatabaseTypeSQLite, cfg.Database.Type)
	assert.False(t, cfg.Storage.CrossUserDedup)
	assert.Equal(t, 30, cfg.Versioning.RetentionDays)
	assert.Equal(t, time.Hour, cfg.GC.Interval)
}

func TestLoad_FromFile(t *testing.T) {
	t.Setenv("SECRET_KEY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
  shutdown_timeout: 10s
storage:
  base_path: /var/lib/edgestore
  chunk_size: 16MiB
auth:
  secret_key: from-file
cache:
  backend: memory
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/var/lib/edgestore", cfg.Storage.BasePath)
	assert.Equal(t, 16*bytesize.MiB, cfg.Storage.ChunkSize)
	assert.Equal(t, "from-file", cfg.Auth.SecretKey)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	// Temp path defaults relative to the configured base path.
	assert.Equal(t, filepath.Join("/var/lib/edgestore", "tmp"), cfg.Storage.TempPath)
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	t.Setenv("SECRET_KEY", "legacy-secret")
	t.Setenv("DATABASE_URL", "postgres://store:pw@db.internal:5433/edgestore?sslmode=disable")
	t.Setenv("REDIS_URL", "redis://cache.internal:6379/0")
	t.Setenv("CHUNK_SIZE", "8MiB")
	t.Setenv("DEDUP_ENABLED", "false")
	t.Setenv("VERSION_RETENTION_DAYS", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "legacy-secret", cfg.Auth.SecretKey)
	assert.Equal(t, metadata.DatabaseTypePostgres, cfg.Database.Type)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 5433, cfg.Database.Postgres.Port)
	assert.Equal(t, "store", cfg.Database.Postgres.User)
	assert.Equal(t, "pw", cfg.Database.Postgres.Password)
	assert.Equal(t, "edgestore", cfg.Database.Postgres.Database)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 8*bytesize.MiB, cfg.Storage.ChunkSize)
	assert.True(t, cfg.Storage.DedupDisabled)
	assert.Equal(t, 7, cfg.Versioning.RetentionDays)
}

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config {
		cfg := GetDefaultConfig()
		cfg.Auth.SecretKey = "s"
		return cfg
	}

	t.Run("missing secret", func(t *testing.T) {
		cfg := GetDefaultConfig()
		assert.Error(t, Validate(cfg))
	})

	t.Run("inline above single threshold", func(t *testing.T) {
		cfg := base()
		cfg.Storage.InlineThreshold = 100 * bytesize.MiB
		assert.Error(t, Validate(cfg))
	})

	t.Run("redis backend without url", func(t *testing.T) {
		cfg := base()
		cfg.Cache.Backend = "redis"
		assert.Error(t, Validate(cfg))
	})

	t.Run("backup without bucket", func(t *testing.T) {
		cfg := base()
		cfg.Backup.Enabled = true
		assert.Error(t, Validate(cfg))
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Level = "LOUD"
		assert.Error(t, Validate(cfg))
	})
}
