package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_messages_processed_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// AI metrics
	aiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tutor_ai_request_duration_seconds",
		Help:    "Duration of tutor function requests",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"mode", "status"})

	aiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_ai_requests_total",
		Help: "Total number of tutor function requests",
	}, []string{"mode", "status"})

	// Context cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_context_cache_hits_total",
		Help: "Total number of question context cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_context_cache_misses_total",
		Help: "Total number of question context cache misses",
	})

	// Quota metrics
	quotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_quota_denials_total",
		Help: "Total number of chat requests refused by quota",
	}, []string{"reason"})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tutor_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	persistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_persistence_failures_total",
		Help: "Total number of conversation writes that gave up after retries",
	})

	pipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_pipeline_errors_total",
		Help: "Total number of logged pipeline failures by error kind",
	}, []string{"kind"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tutor_active_sessions",
		Help: "Number of open viewing sessions",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageProcessed records the outcome of one chat message
func (m *Metrics) RecordMessageProcessed(outcome string) {
	messagesProcessed.WithLabelValues(outcome).Inc()
}

// RecordAIRequest records a tutor function call
func (m *Metrics) RecordAIRequest(mode, status string, duration time.Duration) {
	aiRequestDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
	aiRequestsTotal.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordQuotaDenial records a refused chat request
func (m *Metrics) RecordQuotaDenial(reason string) {
	quotaDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordPersistenceFailure() {
	persistenceFailures.Inc()
}

// RecordErrorKind counts a logged failure by kind
func (m *Metrics) RecordErrorKind(kind string) {
	pipelineErrors.WithLabelValues(kind).Inc()
}

// SetActiveSessions sets the number of open sessions
func (m *Metrics) SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// NewMetricsServer builds the metrics HTTP server
func NewMetricsServer(port int, path string, reloadTiers func()) *http.Server {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Drops cached tier limits so edited subscription_tiers rows apply at once
	if reloadTiers != nil {
		router.HandleFunc("/admin/tiers/reload", func(w http.ResponseWriter, r *http.Request) {
			reloadTiers()
			w.WriteHeader(http.StatusNoContent)
		}).Methods(http.MethodPost)
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
