package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StorageMetrics instruments the upload, download, dedup and GC paths.
// A nil *StorageMetrics is valid and records nothing.
type StorageMetrics struct {
	uploadsInitiated *prometheus.CounterVec
	uploadsCompleted *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	downloads        *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	dedupSavedBytes  prometheus.Counter
	gcDeletedBlocks  prometheus.Counter
	gcReclaimedBytes prometheus.Counter
	tierDemotions    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// NewStorageMetrics creates the storage recorder, or nil when metrics
// are disabled.
func NewStorageMetrics() *StorageMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := Registry()

	return &StorageMetrics{
		uploadsInitiated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestore_uploads_initiated_total",
				Help: "Upload sessions opened, by chosen strategy",
			},
			[]string{"strategy"},
		),
		uploadsCompleted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestore_uploads_completed_total",
				Help: "Uploads committed, by resulting storage type",
			},
			[]string{"storage_type"},
		),
		uploadBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgestore_upload_bytes_total",
				Help: "Logical plaintext bytes accepted by completed uploads",
			},
		),
		downloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestore_downloads_total",
				Help: "Download requests served, by storage type",
			},
			[]string{"storage_type"},
		),
		downloadBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgestore_download_bytes_total",
				Help: "Plaintext bytes returned to clients",
			},
		),
		dedupSavedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgestore_dedup_saved_bytes_total",
				Help: "Bytes not written because deduplication matched them",
			},
		),
		gcDeletedBlocks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgestore_gc_deleted_blocks_total",
				Help: "Block frames removed by garbage collection",
			},
		),
		gcReclaimedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgestore_gc_reclaimed_bytes_total",
				Help: "Plaintext bytes freed by garbage collection",
			},
		),
		tierDemotions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestore_tier_demotions_total",
				Help: "Files moved to a colder tier",
			},
			[]string{"tier"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgestore_http_request_duration_seconds",
				Help:    "HTTP request latency by route and status class",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
}

// RecordUploadInitiated records an opened session.
func (m *StorageMetrics) RecordUploadInitiated(strategy string) {
	if m == nil {
		return
	}
	m.uploadsInitiated.WithLabelValues(strategy).Inc()
}

// RecordUploadCompleted records a committed upload.
func (m *StorageMetrics) RecordUploadCompleted(storageType string, bytes int64) {
	if m == nil {
		return
	}
	m.uploadsCompleted.WithLabelValues(storageType).Inc()
	m.uploadBytes.Add(float64(bytes))
}

// RecordDownload records a served download.
func (m *StorageMetrics) RecordDownload(storageType string, bytes int64) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(storageType).Inc()
	m.downloadBytes.Add(float64(bytes))
}

// RecordDedupSaved records bytes the dedup pipeline did not store.
func (m *StorageMetrics) RecordDedupSaved(bytes int64) {
	if m == nil {
		return
	}
	m.dedupSavedBytes.Add(float64(bytes))
}

// RecordGC records a garbage collection run's effects.
func (m *StorageMetrics) RecordGC(deleted int, reclaimed int64) {
	if m == nil {
		return
	}
	m.gcDeletedBlocks.Add(float64(deleted))
	m.gcReclaimedBytes.Add(float64(reclaimed))
}

// RecordDemotion records a tier demotion.
func (m *StorageMetrics) RecordDemotion(tier string) {
	if m == nil {
		return
	}
	m.tierDemotions.WithLabelValues(tier).Inc()
}

// ObserveRequest records one HTTP request.
func (m *StorageMetrics) ObserveRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
