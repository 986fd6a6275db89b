// Package metrics exposes Prometheus instrumentation for the LSIF server
// and worker.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the server registers. A single instance is
// shared between the HTTP surface, the caches, and the job runner.
type Metrics struct {
	once sync.Once

	// HTTP
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec

	// Uploads
	UploadsAcceptedTotal prometheus.Counter
	UploadsRejectedTotal prometheus.Counter
	UploadBytes          prometheus.Histogram

	// Caches
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Jobs
	QueueDepth       prometheus.Gauge
	JobDuration      *prometheus.HistogramVec
	JobErrorsTotal   *prometheus.CounterVec
	JobAttemptsTotal *prometheus.CounterVec

	// Importer
	ConvertedDumpsTotal prometheus.Counter
	ConvertedVertices   prometheus.Histogram
	ConvertedEdges      prometheus.Histogram
}

var shared Metrics

// Shared returns the process-wide metrics instance, registering all
// collectors with the default registry on first use.
func Shared() *Metrics {
	shared.init(prometheus.DefaultRegisterer)
	return &shared
}

// NewForTesting returns a metrics instance registered against its own
// registry so tests never collide on the default one.
func NewForTesting() *Metrics {
	m := &Metrics{}
	m.init(prometheus.NewRegistry())
	return m
}

func (m *Metrics) init(reg prometheus.Registerer) {
	m.once.Do(func() {
		durationBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

		m.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lsif_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route and status class",
			Buckets: durationBuckets,
		}, []string{"route", "status"})
		m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lsif_http_requests_total",
			Help: "HTTP requests by route and status class",
		}, []string{"route", "status"})

		m.UploadsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsif_uploads_accepted_total",
			Help: "Uploads accepted and enqueued for conversion",
		})
		m.UploadsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsif_uploads_rejected_total",
			Help: "Uploads rejected at the HTTP boundary",
		})
		m.UploadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lsif_upload_bytes",
			Help:    "Size of accepted upload payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		})

		m.CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lsif_cache_hits_total",
			Help: "Cache hits by cache name",
		}, []string{"cache"})
		m.CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lsif_cache_misses_total",
			Help: "Cache misses by cache name",
		}, []string{"cache"})
		m.CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lsif_cache_evictions_total",
			Help: "Cache evictions by cache name",
		}, []string{"cache"})

		m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lsif_queue_depth",
			Help: "Jobs currently queued or running",
		})
		m.JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lsif_job_duration_seconds",
			Help:    "Duration of job executions by job type",
			Buckets: durationBuckets,
		}, []string{"type"})
		m.JobErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lsif_job_errors_total",
			Help: "Job executions that returned an error, by job type",
		}, []string{"type"})
		m.JobAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lsif_job_attempts_total",
			Help: "Job execution attempts by job type",
		}, []string{"type"})

		m.ConvertedDumpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsif_converted_dumps_total",
			Help: "Uploads successfully converted into dump databases",
		})
		m.ConvertedVertices = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lsif_converted_vertices",
			Help:    "Vertex count per converted dump",
			Buckets: prometheus.ExponentialBuckets(100, 4, 10),
		})
		m.ConvertedEdges = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lsif_converted_edges",
			Help:    "Edge count per converted dump",
			Buckets: prometheus.ExponentialBuckets(100, 4, 10),
		})

		reg.MustRegister(
			m.HTTPRequestDuration, m.HTTPRequestsTotal,
			m.UploadsAcceptedTotal, m.UploadsRejectedTotal, m.UploadBytes,
			m.CacheHitsTotal, m.CacheMissesTotal, m.CacheEvictionsTotal,
			m.QueueDepth, m.JobDuration, m.JobErrorsTotal, m.JobAttemptsTotal,
			m.ConvertedDumpsTotal, m.ConvertedVertices, m.ConvertedEdges,
		)
	})
}
