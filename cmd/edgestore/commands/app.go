package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/api/auth"
	"github.com/edgecloud/edgestore/pkg/backup"
	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/config"
	"github.com/edgecloud/edgestore/pkg/dedup"
	"github.com/edgecloud/edgestore/pkg/download"
	"github.com/edgecloud/edgestore/pkg/envelope"
	"github.com/edgecloud/edgestore/pkg/gc"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/metrics"
	"github.com/edgecloud/edgestore/pkg/placement"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
	"github.com/edgecloud/edgestore/pkg/upload"
)

// blockFilterCapacity sizes the dedup bloom filter. Oversizing only
// costs memory; undersizing costs extra database lookups.
const blockFilterCapacity = 1 << 20

// app holds the wired service components for the lifetime of a command.
type app struct {
	cfg *config.Config

	meta      *metadata.Store
	blocks    *cas.Store
	sessions  sessioncache.Store
	filter    *cas.BlockFilter
	pipeline  *dedup.Pipeline
	uploads   *upload.Manager
	engine    *download.Engine
	migrator  *placement.Migrator
	collector *gc.Collector
	offloader *backup.Offloader
	tokens    *auth.Service
	metrics   *metrics.StorageMetrics
}

// newApp loads the configuration and wires every component. Callers
// own the returned app and must Close it.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Metrics must come up before any component grabs a recorder.
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	a := &app{cfg: cfg, metrics: metrics.NewStorageMetrics()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	meta, err := metadata.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	a.meta = meta

	blocks, err := cas.NewWithPath(cfg.Storage.BasePath)
	if err != nil {
		return fmt.Errorf("failed to open block store: %w", err)
	}
	a.blocks = blocks

	sessions, err := openSessionCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open session cache: %w", err)
	}
	a.sessions = sessions

	env, err := envelope.NewService(cfg.Encryption.MasterKey, cfg.Auth.SecretKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	a.filter = cas.NewBlockFilter(blockFilterCapacity, 0.01)
	a.pipeline = dedup.New(meta, blocks, a.filter, cfg.Storage.CrossUserDedup)
	if err := a.pipeline.WarmFilter(ctx); err != nil {
		logger.Warn("block filter warmup failed", logger.KeyError, err)
	}

	a.uploads = upload.NewManager(upload.Config{
		InlineThreshold:       int64(cfg.Storage.InlineThreshold),
		SingleObjectThreshold: int64(cfg.Storage.SingleObjectThreshold),
		ChunkSize:             int64(cfg.Storage.ChunkSize),
		TempPath:              cfg.Storage.TempPath,
		DedupEnabled:          !cfg.Storage.DedupDisabled,
		CrossUserDedup:        cfg.Storage.CrossUserDedup,
		VersioningEnabled:     cfg.Versioning.Enabled,
	}, meta, blocks, sessions, env, a.pipeline)

	a.engine = download.NewEngine(meta, blocks, sessions, env)
	a.migrator = placement.NewMigrator(placement.Config{
		WarmAfter: cfg.Storage.WarmAfter,
		ColdAfter: cfg.Storage.ColdAfter,
	}, meta, blocks).WithMetrics(a.metrics)
	a.collector = gc.NewCollector(meta, blocks, a.filter)

	if cfg.Backup.Enabled {
		offloader, err := backup.NewFromConfig(ctx, backup.Config{
			Bucket:   cfg.Backup.Bucket,
			Region:   cfg.Backup.Region,
			Endpoint: cfg.Backup.Endpoint,
			Prefix:   cfg.Backup.Prefix,
		}, meta, blocks)
		if err != nil {
			return fmt.Errorf("failed to initialize backup offloader: %w", err)
		}
		a.offloader = offloader
	}

	tokens, err := auth.NewService(cfg.Auth.SecretKey, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}
	a.tokens = tokens
	return nil
}

func openSessionCache(ctx context.Context, cfg *config.Config) (sessioncache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return sessioncache.NewRedisStore(ctx, cfg.Cache.RedisURL)
	case "memory":
		return sessioncache.NewMemoryStore(), nil
	default:
		return sessioncache.NewBadgerStore(cfg.Cache.BadgerPath)
	}
}

// gcOptions derives collector options from the configuration.
func (a *app) gcOptions(dryRun bool) *gc.Options {
	opts := &gc.Options{
		BatchSize: a.cfg.GC.BatchSize,
		DryRun:    dryRun,
	}
	if a.cfg.Versioning.Enabled && a.cfg.Versioning.RetentionDays > 0 {
		opts.Retention = time.Duration(a.cfg.Versioning.RetentionDays) * 24 * time.Hour
		opts.MaxVersionsPerFile = a.cfg.Versioning.MaxPerFile
	}
	return opts
}

func (a *app) Close() {
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil {
			logger.Warn("session cache close failed", logger.KeyError, err)
		}
	}
	if a.blocks != nil {
		if err := a.blocks.Close(); err != nil {
			logger.Warn("block store close failed", logger.KeyError, err)
		}
	}
	if a.meta != nil {
		if err := a.meta.Close(); err != nil {
			logger.Warn("metadata store close failed", logger.KeyError, err)
		}
	}
}
