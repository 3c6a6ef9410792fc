package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledRecorderIsNil(t *testing.T) {
	require.False(t, IsEnabled())
	m := NewStorageMetrics()
	require.Nil(t, m)

	// Every record method must be safe on a nil receiver.
	m.RecordUploadInitiated("inline")
	m.RecordUploadCompleted("single", 100)
	m.RecordDownload("chunked", 100)
	m.RecordDedupSaved(100)
	m.RecordGC(1, 100)
	m.RecordDemotion("warm")
	m.ObserveRequest("GET", "/files", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledRecorderServesScrape(t *testing.T) {
	Init()
	require.True(t, IsEnabled())

	m := NewStorageMetrics()
	require.NotNil(t, m)

	m.RecordUploadInitiated("chunked")
	m.RecordUploadCompleted("content_addressed", 1<<20)
	m.RecordDedupSaved(512)
	m.RecordGC(3, 6<<20)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "edgestore_uploads_initiated_total")
	assert.Contains(t, body, "edgestore_gc_deleted_blocks_total 3")
}
