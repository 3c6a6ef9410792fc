// Package api exposes the storage service over HTTP.
//
// All data routes live under /api/v1 and require a bearer token; the
// health probes and the metrics scrape endpoint are open. Responses are
// JSON except for download and preview bodies.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/api/auth"
	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/download"
	"github.com/edgecloud/edgestore/pkg/gc"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/metrics"
	"github.com/edgecloud/edgestore/pkg/placement"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
	"github.com/edgecloud/edgestore/pkg/upload"
)

// Options configures the HTTP listener.
type Options struct {
	Host string
	Port int

	// ShutdownTimeout bounds graceful shutdown. Default: 30s.
	ShutdownTimeout time.Duration

	// RequestTimeout cancels requests that run too long. It must leave
	// room for a full chunk write on slow disks. Default: 5m.
	RequestTimeout time.Duration

	// MaxBodySize caps chunk and direct upload bodies. Default: 64MiB.
	MaxBodySize int64
}

func (o *Options) applyDefaults() {
	if o.Port == 0 {
		o.Port = 8080
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Minute
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = 64 << 20
	}
}

// Deps carries the service components the handlers operate on.
// Migrator and Collector may be nil; their routes then return 503.
type Deps struct {
	Meta      *metadata.Store
	Blocks    *cas.Store
	Sessions  sessioncache.Store
	Uploads   *upload.Manager
	Engine    *download.Engine
	Migrator  *placement.Migrator
	Collector *gc.Collector
	Tokens    *auth.Service
	Metrics   *metrics.StorageMetrics
}

// Server is the API HTTP server. Create it with NewServer, run it with
// Start, and stop it by cancelling the context or calling Stop.
type Server struct {
	server *http.Server
	opts   Options

	meta      *metadata.Store
	blocks    *cas.Store
	sessions  sessioncache.Store
	uploads   *upload.Manager
	engine    *download.Engine
	migrator  *placement.Migrator
	collector *gc.Collector
	tokens    *auth.Service
	metrics   *metrics.StorageMetrics

	maxBodySize  int64
	shutdownOnce sync.Once
}

// NewServer wires the handlers and returns a stopped server.
func NewServer(opts Options, deps Deps) *Server {
	opts.applyDefaults()

	s := &Server{
		opts:        opts,
		meta:        deps.Meta,
		blocks:      deps.Blocks,
		sessions:    deps.Sessions,
		uploads:     deps.Uploads,
		engine:      deps.Engine,
		migrator:    deps.Migrator,
		collector:   deps.Collector,
		tokens:      deps.Tokens,
		metrics:     deps.Metrics,
		maxBodySize: opts.MaxBodySize,
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      s.Routes(),
		ReadTimeout:  opts.RequestTimeout,
		WriteTimeout: opts.RequestTimeout,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

// Start serves requests until the context is cancelled or the listener
// fails. Cancellation triggers graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// The cancelled ctx would abort shutdown immediately; give
		// in-flight requests their own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop shuts the server down gracefully. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.KeyError, err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
