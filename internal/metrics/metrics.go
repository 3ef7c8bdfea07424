package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the pipeline metrics
type Metrics struct {
	// Manifest processing metrics
	ManifestTotal *prometheus.CounterVec
	ChunkTotal    *prometheus.CounterVec

	// Per-file job metrics
	JobTotal    *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Fetch metrics
	FetchTotal    *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Record store metrics
	StoreOperationTotal    *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Summary reconciliation metrics
	SummaryConflictTotal  *prometheus.CounterVec
	SummaryRecomputeTotal *prometheus.CounterVec

	// Failure journal metrics
	FailureTotal *prometheus.CounterVec
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

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		ManifestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_manifests_total",
			Help: "Total number of manifests processed",
		}, []string{"status"}),

		ChunkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_chunks_total",
			Help: "Total number of manifest chunks dispatched",
		}, []string{"status"}),

		JobTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_jobs_total",
			Help: "Total number of per-file jobs by terminal state",
		}, []string{"state", "fail_type"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registration_job_duration_seconds",
			Help:    "Per-file job duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),

		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_fetches_total",
			Help: "Total number of file fetches",
		}, []string{"source_type", "status"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registration_fetch_duration_seconds",
			Help:    "File fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),

		StoreOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_store_operations_total",
			Help: "Total number of record store operations",
		}, []string{"operation", "status"}),

		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registration_store_operation_duration_seconds",
			Help:    "Record store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		SummaryConflictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_summary_conflicts_total",
			Help: "Total number of guarded summary update conflicts",
		}, []string{"dataset"}),

		SummaryRecomputeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_summary_recomputes_total",
			Help: "Total number of full summary recomputes",
		}, []string{"dataset", "reason"}),

		FailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_failures_total",
			Help: "Total number of failure journal entries written",
		}, []string{"fail_type"}),
	}

	registerMetrics(m)
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.ManifestTotal)
	registerOrGet(m.ChunkTotal)
	registerOrGet(m.JobTotal)
	registerOrGet(m.JobDuration)
	registerOrGet(m.FetchTotal)
	registerOrGet(m.FetchDuration)
	registerOrGet(m.StoreOperationTotal)
	registerOrGet(m.StoreOperationDuration)
	registerOrGet(m.SummaryConflictTotal)
	registerOrGet(m.SummaryRecomputeTotal)
	registerOrGet(m.FailureTotal)
}

// registerOrGet tries to register a metric, returns the existing one if
// already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
