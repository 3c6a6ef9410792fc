package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
	"github.com/edgecloud/edgestore/pkg/upload"
)

// completedResultTTL keeps the commit result of a direct upload around
// so the completion call can report it after the session is gone.
const completedResultTTL = time.Hour

type initRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type,omitempty"`
	FolderID string `json:"folder_id,omitempty"`
}

type initResponse struct {
	SessionID    string `json:"session_id"`
	Strategy     string `json:"strategy"`
	ChunkSize    int64  `json:"chunk_size"`
	ChunkCount   int    `json:"chunk_count"`
	DirectUpload bool   `json:"direct_upload"`
}

// handleUploadInit opens an upload session.
func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.FileName == "" {
		badRequest(w, "file_name is required")
		return
	}
	if req.FileSize < 0 {
		badRequest(w, "file_size must not be negative")
		return
	}

	session, err := s.uploads.Init(r.Context(), userID(r.Context()), req.FileName, req.FileSize, req.MimeType, req.FolderID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordUploadInitiated(session.Strategy)

	writeJSON(w, http.StatusCreated, initResponse{
		SessionID:    session.ID,
		Strategy:     session.Strategy,
		ChunkSize:    session.ChunkSize,
		ChunkCount:   session.TotalChunks,
		DirectUpload: session.Strategy != upload.StrategyChunked,
	})
}

// chunkPayload reads the chunk bytes from a multipart form field named
// "chunk", falling back to the raw request body.
func chunkPayload(r *http.Request, maxBytes int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxBytes); err == nil {
		part, _, err := r.FormFile("chunk")
		if err == nil {
			defer part.Close()
			return io.ReadAll(io.LimitReader(part, maxBytes))
		}
	}
	return io.ReadAll(io.LimitReader(r.Body, maxBytes))
}

// handleUploadChunk accepts one chunk of a chunked session. Retries of
// an already-recorded index succeed and are acknowledged as such.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	index, err := strconv.Atoi(r.URL.Query().Get("chunk_index"))
	if err != nil {
		badRequest(w, "chunk_index query parameter is required")
		return
	}

	data, err := chunkPayload(r, s.maxBodySize)
	if err != nil {
		badRequest(w, "unreadable chunk payload")
		return
	}

	uid := userID(r.Context())
	session, already, err := s.uploads.AcceptChunk(r.Context(), uid, sessionID, index, data)
	if err != nil {
		writeError(w, err)
		return
	}

	_, missing, err := s.uploads.Resume(r.Context(), uid, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := "received"
	if already {
		status = "already_uploaded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"progress": chunkProgress(len(missing), session.TotalChunks),
	})
}

func chunkProgress(missing, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-missing) / float64(total) * 100
}

type completeResponse struct {
	Status         string  `json:"status"`
	FileID         string  `json:"file_id"`
	FileName       string  `json:"file_name"`
	FileSize       int64   `json:"file_size"`
	ContentHash    string  `json:"content_hash"`
	StorageType    string  `json:"storage_type"`
	SavedBytes     int64   `json:"saved_bytes"`
	DedupRatio     float64 `json:"dedup_ratio"`
	DurationMS     int64   `json:"duration_ms"`
	ThroughputMBps float64 `json:"throughput_mbps"`
}

// handleUploadDirect receives a whole inline or single payload and
// commits it. The result is cached so the follow-up completion call
// can return it.
func (s *Server) handleUploadDirect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	data, err := chunkPayload(r, s.maxBodySize)
	if err != nil {
		badRequest(w, "unreadable payload")
		return
	}

	uid := userID(r.Context())
	started := time.Now()
	file, err := s.uploads.AcceptDirect(r.Context(), uid, sessionID, data)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cacheCompleted(r, sessionID, file, time.Since(started))
	s.metrics.RecordUploadCompleted(string(file.StorageType), file.FileSize)

	writeJSON(w, http.StatusOK, map[string]any{
		"ready_for_completion": true,
		"file_id":              file.ID,
	})
}

// handleUploadComplete finalizes a session. Chunked sessions assemble
// and commit here; direct sessions already committed, so their cached
// result is returned.
func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	uid := userID(r.Context())

	started := time.Now()
	file, err := s.uploads.Complete(r.Context(), uid, sessionID)
	if err != nil {
		if errors.Is(err, sessioncache.ErrSessionNotFound) {
			if resp, ok := s.completedResult(r, sessionID); ok {
				writeJSON(w, http.StatusOK, resp)
				return
			}
		}
		writeError(w, err)
		return
	}
	s.metrics.RecordUploadCompleted(string(file.StorageType), file.FileSize)

	writeJSON(w, http.StatusOK, completionOf(file, time.Since(started)))
}

// handleUploadResume reports which chunks a session still needs.
func (s *Server) handleUploadResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, missing, err := s.uploads.Resume(r.Context(), userID(r.Context()), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	uploaded := make([]int, 0, session.TotalChunks-len(missing))
	missingSet := make(map[int]bool, len(missing))
	for _, i := range missing {
		missingSet[i] = true
	}
	for i := 0; i < session.TotalChunks; i++ {
		if !missingSet[i] {
			uploaded = append(uploaded, i)
		}
	}
	if missing == nil {
		missing = []int{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       session.ID,
		"uploaded_indices": uploaded,
		"missing_indices":  missing,
		"progress":         chunkProgress(len(missing), session.TotalChunks),
	})
}

// handleUploadAbort discards a session and its staged chunks.
func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.uploads.Abort(r.Context(), userID(r.Context()), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func completionOf(file *metadata.File, elapsed time.Duration) completeResponse {
	status := "success"
	if file.StorageType == metadata.StorageReference {
		status = "full_duplicate"
	}
	resp := completeResponse{
		Status:      status,
		FileID:      file.ID,
		FileName:    file.FileName,
		FileSize:    file.FileSize,
		ContentHash: file.ContentHash,
		StorageType: string(file.StorageType),
		DurationMS:  elapsed.Milliseconds(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		resp.ThroughputMBps = float64(file.FileSize) / (1 << 20) / secs
	}
	if m, err := decodeManifest(file); err == nil {
		resp.SavedBytes = m.SavedSize
		resp.DedupRatio = m.DedupRatio
	}
	return resp
}

// cacheCompleted stashes a direct commit's result under the session ID.
func (s *Server) cacheCompleted(r *http.Request, sessionID string, file *metadata.File, elapsed time.Duration) {
	payload, err := json.Marshal(completionOf(file, elapsed))
	if err != nil {
		return
	}
	_ = s.sessions.CachePut(r.Context(), "done:"+sessionID, payload, completedResultTTL)
}

func (s *Server) completedResult(r *http.Request, sessionID string) (completeResponse, bool) {
	payload, err := s.sessions.CacheGet(r.Context(), "done:"+sessionID)
	if err != nil {
		return completeResponse{}, false
	}
	var resp completeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return completeResponse{}, false
	}
	return resp, true
}
