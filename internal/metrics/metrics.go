package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Chunk ingest metrics
	ChunkAcceptTotal    *prometheus.CounterVec
	ChunkAcceptDuration *prometheus.HistogramVec
	UploadedBytesTotal  prometheus.Counter

	// Session lifecycle metrics
	SessionsActive     prometheus.Gauge
	SweptSessionsTotal prometheus.Counter

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Chunk ingest metrics
		ChunkAcceptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunk_accept_total",
			Help: "Total number of chunk uploads accepted or rejected",
		}, []string{"status"}),

		ChunkAcceptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunk_accept_duration_seconds",
			Help:    "Chunk accept duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		UploadedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uploaded_bytes_total",
			Help: "Total number of chunk payload bytes accepted",
		}),

		// Session lifecycle metrics
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upload_sessions_active",
			Help: "Number of upload sessions currently open",
		}),

		SweptSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swept_sessions_total",
			Help: "Total number of expired upload sessions removed by the sweeper",
		}),

		// Event publishing metrics
		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ChunkAcceptTotal)
	registerOrGet(m.ChunkAcceptDuration)
	registerOrGet(m.UploadedBytesTotal)
	registerOrGet(m.SessionsActive)
	registerOrGet(m.SweptSessionsTotal)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
