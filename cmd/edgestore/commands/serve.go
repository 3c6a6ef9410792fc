package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/api"
	"github.com/edgecloud/edgestore/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the storage server",
	Long: `Start the HTTP API server together with the background
maintenance loops: tier migration, garbage collection and, when
configured, cold tier backup to S3.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(api.Options{
		Host:            a.cfg.Server.Host,
		Port:            a.cfg.Server.Port,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		MaxBodySize:     int64(a.cfg.Server.MaxBodySize),
	}, api.Deps{
		Meta:      a.meta,
		Blocks:    a.blocks,
		Sessions:  a.sessions,
		Uploads:   a.uploads,
		Engine:    a.engine,
		Migrator:  a.migrator,
		Collector: a.collector,
		Tokens:    a.tokens,
		Metrics:   a.metrics,
	})

	startSchedulers(ctx, a)
	startMetricsListener(ctx, a)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("server is running", "addr", srv.Addr())

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received")
		cancel()
		if err := <-serverDone; err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			return err
		}
	}
	logger.Info("server stopped")
	return nil
}

// startSchedulers launches the maintenance loops. Each runs on its own
// ticker until the context ends; a zero interval disables the loop.
func startSchedulers(ctx context.Context, a *app) {
	runEvery(ctx, "tiering", a.cfg.Storage.TierInterval, func(ctx context.Context) error {
		_, err := a.migrator.Run(ctx, "")
		return err
	})

	runEvery(ctx, "gc", a.cfg.GC.Interval, func(ctx context.Context) error {
		if n, err := a.uploads.SweepStaging(ctx); err != nil {
			logger.Warn("staging sweep failed", logger.KeyError, err)
		} else if n > 0 {
			logger.Info("staging swept", "dirs", n)
		}
		stats := a.collector.CollectGarbage(ctx, a.gcOptions(false))
		a.metrics.RecordGC(stats.Deleted, stats.BytesReclaimed)
		if stats.Errors > 0 {
			return fmt.Errorf("%d sweep errors", stats.Errors)
		}
		return nil
	})

	if a.offloader != nil {
		runEvery(ctx, "backup", a.cfg.Backup.Interval, func(ctx context.Context) error {
			_, err := a.offloader.Run(ctx)
			return err
		})
	}
}

func runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		logger.Info("scheduler disabled", "task", name)
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logger.Warn("scheduled task failed", "task", name, logger.KeyError, err)
				}
			}
		}
	}()
}

// startMetricsListener serves the Prometheus scrape endpoint on its own
// port when one is configured. The main router serves /metrics too.
func startMetricsListener(ctx context.Context, a *app) {
	if !a.cfg.Metrics.Enabled || a.cfg.Metrics.Port == 0 || a.cfg.Metrics.Port == a.cfg.Server.Port {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics listener started", "port", a.cfg.Metrics.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", logger.KeyError, err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
