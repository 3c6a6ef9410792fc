package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/download"
	"github.com/edgecloud/edgestore/pkg/manifest"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
)

// previewCap bounds how much of a file the preview endpoint decrypts.
const previewCap int64 = 5 << 20

type fileResponse struct {
	ID           string     `json:"id"`
	FolderID     string     `json:"folder_id,omitempty"`
	FileName     string     `json:"file_name"`
	FileSize     int64      `json:"file_size"`
	ContentHash  string     `json:"content_hash"`
	MimeType     string     `json:"mime_type"`
	StorageType  string     `json:"storage_type"`
	Tier         string     `json:"tier"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

func fileOf(f *metadata.File) fileResponse {
	return fileResponse{
		ID:           f.ID,
		FolderID:     f.FolderID,
		FileName:     f.FileName,
		FileSize:     f.FileSize,
		ContentHash:  f.ContentHash,
		MimeType:     f.MimeType,
		StorageType:  string(f.StorageType),
		Tier:         f.Tier,
		CreatedAt:    f.CreatedAt,
		LastAccessed: f.LastAccessed,
	}
}

func decodeManifest(file *metadata.File) (*manifest.Manifest, error) {
	return manifest.Decode(file.Manifest)
}

// pageParams reads limit/offset query parameters with sane bounds.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// handleListFiles lists the caller's files, newest first, optionally
// scoped to one folder.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	folderID := r.URL.Query().Get("folder_id")
	files, total, err := s.meta.ListFiles(r.Context(), userID(r.Context()), folderID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]fileResponse, len(files))
	for i := range files {
		out[i] = fileOf(&files[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out, "total": total})
}

// handleGetFile returns one file's metadata.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.meta.GetFile(r.Context(), userID(r.Context()), chi.URLParam(r, "fileID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileOf(file))
}

// setFileHeaders writes the download headers shared by HEAD and GET.
func setFileHeaders(w http.ResponseWriter, file *metadata.File) {
	contentType := file.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	if len(file.ContentHash) >= 16 {
		w.Header().Set("ETag", fmt.Sprintf("%q", file.ContentHash[:16]))
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", file.FileName))
}

// handleDownload serves file content. HEAD returns headers without
// touching the payload or the access time; GET honors single-range
// requests with 206/416 semantics.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(ctx)
	fileID := chi.URLParam(r, "fileID")

	file, err := s.engine.Stat(ctx, uid, fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.Method == http.MethodHead {
		setFileHeaders(w, file)
		w.Header().Set("Content-Length", strconv.FormatInt(file.FileSize, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	rng, err := download.ParseRange(r.Header.Get("Range"), file.FileSize)
	if err != nil {
		if errors.Is(err, download.ErrUnsatisfiableRange) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", file.FileSize))
		}
		writeError(w, err)
		return
	}

	data, file, err := s.engine.Read(ctx, uid, fileID, rng)
	if err != nil {
		writeError(w, err)
		return
	}

	setFileHeaders(w, file)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	status := http.StatusOK
	if rng != nil {
		w.Header().Set("Content-Range", rng.ContentRange(file.FileSize))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Debug("download write aborted", logger.KeyFileID, file.ID, logger.KeyError, err)
		return
	}

	s.metrics.RecordDownload(string(file.StorageType), int64(len(data)))
	s.logActivity(ctx, uid, "download", file.ID, file.FileName)
}

// handlePreview streams the head of an image file inline.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(ctx)
	fileID := chi.URLParam(r, "fileID")

	file, err := s.engine.Stat(ctx, uid, fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !strings.HasPrefix(file.MimeType, "image/") {
		badRequest(w, "preview is only available for images")
		return
	}

	var rng *download.Range
	if file.FileSize > previewCap {
		rng = &download.Range{Start: 0, End: previewCap - 1}
	}
	data, file, err := s.engine.Read(ctx, uid, fileID, rng)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// deleteFile removes one file and applies the disk-side cleanup its
// metadata transaction reported.
func (s *Server) deleteFile(ctx context.Context, uid, fileID string) (*metadata.DeleteResult, error) {
	result, err := s.meta.DeleteFile(ctx, uid, fileID)
	if err != nil {
		return nil, err
	}

	if result.RemoveObjectHash != "" {
		if err := s.blocks.DeleteObject(ctx, result.RemoveObjectHash); err != nil {
			logger.Warn("object cleanup failed",
				logger.KeyHash, result.RemoveObjectHash, logger.KeyError, err)
		}
	}
	if result.File.StorageType == metadata.StorageInline {
		key := sessioncache.InlineKey(uid, result.File.ContentHash)
		if err := s.sessions.CacheDelete(ctx, key); err != nil {
			logger.Debug("inline cache cleanup failed", logger.KeyError, err)
		}
	}
	return result, nil
}

// handleDeleteFile deletes one file.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	fileID := chi.URLParam(r, "fileID")

	result, err := s.deleteFile(r.Context(), uid, fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logActivity(r.Context(), uid, "delete", fileID, result.File.FileName)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "deleted",
		"file_id": fileID,
	})
}

// handleBulkDelete deletes a batch of files, reporting per-file
// outcomes instead of failing the whole batch.
func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileIDs []string `json:"file_ids"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.FileIDs) == 0 {
		badRequest(w, "file_ids must not be empty")
		return
	}

	uid := userID(r.Context())
	deleted := make([]string, 0, len(req.FileIDs))
	failed := make(map[string]string)
	for _, id := range req.FileIDs {
		if _, err := s.deleteFile(r.Context(), uid, id); err != nil {
			failed[id] = err.Error()
			continue
		}
		deleted = append(deleted, id)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": deleted,
		"failed":  failed,
	})
}

// logActivity records a user-visible event, logging failures instead
// of surfacing them.
func (s *Server) logActivity(ctx context.Context, uid, action, fileID, detail string) {
	err := s.meta.LogActivity(ctx, &metadata.ActivityLog{
		UserID: uid,
		Action: action,
		FileID: fileID,
		Detail: detail,
	})
	if err != nil {
		logger.Warn("activity log failed", logger.KeyError, err)
	}
}
