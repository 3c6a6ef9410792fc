package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/api/auth"
	"github.com/edgecloud/edgestore/pkg/download"
	"github.com/edgecloud/edgestore/pkg/metadata"
	"github.com/edgecloud/edgestore/pkg/sessioncache"
	"github.com/edgecloud/edgestore/pkg/upload"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("response encode failed", logger.KeyError, err)
	}
}

// writeErrorStatus writes an error response with an explicit status.
func writeErrorStatus(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: kind, Message: message, Status: status})
}

// writeError maps a domain error to its HTTP response. Unrecognized
// errors become opaque 500s; the detail goes to the log, not the
// client.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metadata.ErrNotFound),
		errors.Is(err, sessioncache.ErrSessionNotFound):
		writeErrorStatus(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, metadata.ErrQuotaExceeded):
		writeErrorStatus(w, http.StatusRequestEntityTooLarge, "quota_exceeded", err.Error())

	case errors.Is(err, metadata.ErrDuplicate):
		writeErrorStatus(w, http.StatusConflict, "conflict", err.Error())

	case errors.Is(err, upload.ErrSessionIncomplete):
		writeErrorStatus(w, http.StatusConflict, "session_incomplete", err.Error())

	case errors.Is(err, upload.ErrChunkOutOfRange),
		errors.Is(err, upload.ErrSizeMismatch),
		errors.Is(err, upload.ErrWrongStrategy):
		writeErrorStatus(w, http.StatusBadRequest, "validation", err.Error())

	case errors.Is(err, download.ErrUnsatisfiableRange):
		writeErrorStatus(w, http.StatusRequestedRangeNotSatisfiable, "range_unsatisfiable", err.Error())

	case errors.Is(err, download.ErrIntegrityFailure):
		writeErrorStatus(w, http.StatusInternalServerError, "integrity_failure",
			"stored data failed integrity verification")

	case errors.Is(err, auth.ErrInvalidToken):
		writeErrorStatus(w, http.StatusUnauthorized, "auth", err.Error())

	default:
		logger.Error("request failed", logger.KeyError, err)
		writeErrorStatus(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// badRequest writes a 400 validation error.
func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeErrorStatus(w, http.StatusBadRequest, "validation", fmt.Sprintf(format, args...))
}

// decodeJSONBody decodes a JSON request body into v. Returns false
// after writing the error response when decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}
