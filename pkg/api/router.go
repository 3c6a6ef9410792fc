package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgecloud/edgestore/pkg/metrics"
)

// Routes builds the chi router. Health probes and the metrics scrape
// endpoint are open; everything under /api/v1 requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.handleHealth)
		r.Get("/ready", s.handleReady)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(JWTAuth(s.tokens))

		r.Route("/upload", func(r chi.Router) {
			r.Post("/init", s.handleUploadInit)
			r.Post("/chunk/{sessionID}", s.handleUploadChunk)
			r.Post("/direct/{sessionID}", s.handleUploadDirect)
			r.Post("/complete/{sessionID}", s.handleUploadComplete)
			r.Get("/resume/{sessionID}", s.handleUploadResume)
			r.Delete("/{sessionID}", s.handleUploadAbort)
		})

		r.Route("/files", func(r chi.Router) {
			r.Get("/", s.handleListFiles)
			r.Post("/bulk-delete", s.handleBulkDelete)

			r.Route("/{fileID}", func(r chi.Router) {
				r.Get("/", s.handleGetFile)
				r.Delete("/", s.handleDeleteFile)
				r.Get("/download", s.handleDownload)
				r.Head("/download", s.handleDownload)
				r.Get("/preview", s.handlePreview)

				r.Get("/versions", s.handleListVersions)
				r.Get("/versions/{number}", s.handleGetVersion)
				r.Post("/versions/{number}/restore", s.handleRestoreVersion)
			})
		})

		r.Route("/storage", func(r chi.Router) {
			r.Get("/stats", s.handleStorageStats)
			r.Post("/optimize", s.handleOptimize)
		})
		r.Get("/dedup/stats", s.handleDedupStats)
		r.Get("/activity", s.handleActivity)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin())
			r.Post("/gc", s.handleGC)
		})
	})

	return r
}
