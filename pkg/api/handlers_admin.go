package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgecloud/edgestore/pkg/gc"
)

// handleStorageStats reports the caller's quota, usage and file
// distribution by storage type and tier.
func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	stats, err := s.meta.StorageStats(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	tiers, err := s.meta.TierDistribution(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_count":        stats.FileCount,
		"logical_bytes":     stats.LogicalBytes,
		"storage_quota":     stats.StorageQuota,
		"storage_used":      stats.StorageUsed,
		"saved_bytes":       stats.SavedBytes,
		"type_distribution": stats.ByType,
		"tier_distribution": tiers,
	})
}

// handleDedupStats reports store-wide deduplication effectiveness.
func (s *Server) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.meta.GlobalDedupStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleActivity lists the caller's activity records, newest first.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	entries, total, err := s.meta.ListActivity(r.Context(), userID(r.Context()), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activity": entries,
		"total":    total,
	})
}

// handleOptimize runs one tier migration pass over the caller's files.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if s.migrator == nil {
		writeErrorStatus(w, http.StatusServiceUnavailable, "unavailable", "tier migration is not configured")
		return
	}
	stats, err := s.migrator.Run(r.Context(), userID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGC runs a garbage collection pass. Admin only.
func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeErrorStatus(w, http.StatusServiceUnavailable, "unavailable", "garbage collection is not configured")
		return
	}
	opts := &gc.Options{}
	if v, err := strconv.ParseBool(r.URL.Query().Get("dry_run")); err == nil {
		opts.DryRun = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("batch_size")); err == nil && v > 0 {
		opts.BatchSize = v
	}
	if v, err := strconv.ParseBool(r.URL.Query().Get("scan_orphans")); err == nil {
		opts.ScanOrphans = v
	}

	stats := s.collector.CollectGarbage(r.Context(), opts)
	if !opts.DryRun {
		s.metrics.RecordGC(stats.Deleted, stats.BytesReclaimed)
	}
	writeJSON(w, http.StatusOK, stats)
}

type versionResponse struct {
	VersionNumber int       `json:"version_number"`
	FileName      string    `json:"file_name"`
	FileSize      int64     `json:"file_size"`
	ContentHash   string    `json:"content_hash"`
	StorageType   string    `json:"storage_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// handleListVersions lists the retained versions of a file.
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	fileID := chi.URLParam(r, "fileID")

	// Ownership check before touching the version table.
	if _, err := s.meta.GetFile(r.Context(), uid, fileID); err != nil {
		writeError(w, err)
		return
	}
	versions, err := s.meta.ListVersions(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]versionResponse, len(versions))
	for i, v := range versions {
		out[i] = versionResponse{
			VersionNumber: v.VersionNumber,
			FileName:      v.FileName,
			FileSize:      v.FileSize,
			ContentHash:   v.ContentHash,
			StorageType:   string(v.StorageType),
			CreatedAt:     v.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

// handleGetVersion returns one retained version's metadata.
func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	fileID := chi.URLParam(r, "fileID")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		badRequest(w, "invalid version number")
		return
	}

	if _, err := s.meta.GetFile(r.Context(), uid, fileID); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.meta.GetVersion(r.Context(), fileID, number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{
		VersionNumber: v.VersionNumber,
		FileName:      v.FileName,
		FileSize:      v.FileSize,
		ContentHash:   v.ContentHash,
		StorageType:   string(v.StorageType),
		CreatedAt:     v.CreatedAt,
	})
}

// handleRestoreVersion makes an older version the current content.
func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	fileID := chi.URLParam(r, "fileID")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		badRequest(w, "invalid version number")
		return
	}

	file, err := s.meta.RestoreVersion(r.Context(), uid, fileID, number)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logActivity(r.Context(), uid, "restore_version", fileID, file.FileName)
	writeJSON(w, http.StatusOK, fileOf(file))
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleReady is the readiness probe: both stores must respond.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.blocks.HealthCheck(r.Context()); err != nil {
		writeErrorStatus(w, http.StatusServiceUnavailable, "not_ready", "block store unavailable")
		return
	}
	if db, err := s.meta.DB().DB(); err != nil || db.PingContext(r.Context()) != nil {
		writeErrorStatus(w, http.StatusServiceUnavailable, "not_ready", "metadata store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}
