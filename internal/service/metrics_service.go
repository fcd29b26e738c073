package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
)

// MetricsService owns the Prometheus registry and keeps a few running totals
// for the JSON summary endpoint.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	sagaOutcomes    *prometheus.CounterVec
	sagaDuration    *prometheus.HistogramVec
	sagaInFlight    prometheus.Gauge
	compensationErr prometheus.Counter
	recoveries      *prometheus.CounterVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	committedCount       uint64
	compensatedCount     uint64
	abortedCount         uint64
	compensationErrCount uint64
	recoveredCount       uint64
	inFlight             int64
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "section_cache_latency_seconds",
		Help:    "Latency of section cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "section_cache_write_seconds",
		Help:    "Latency of section cache writes",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "section_cache_hit_ratio",
		Help: "Ratio of section cache hits to lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "section_cache_hits_total",
		Help: "Total section cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "section_cache_misses_total",
		Help: "Total section cache misses",
	})

	sagaOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_saga_outcomes_total",
		Help: "Enrollment sagas by final state and failure code",
	}, []string{"state", "code"})

	sagaDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrollment_saga_duration_seconds",
		Help:    "Wall time from saga start to its final state",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"state"})

	sagaInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enrollment_sagas_in_flight",
		Help: "Sagas currently executing in this process",
	})

	compensationErr := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_compensation_failures_total",
		Help: "Compensations that failed and need reconciliation",
	})

	recoveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_saga_recoveries_total",
		Help: "Pending sagas resolved by the recovery loop, by resulting state",
	}, []string{"state"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		sagaOutcomes, sagaDuration, sagaInFlight, compensationErr, recoveries, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		sagaOutcomes:    sagaOutcomes,
		sagaDuration:    sagaDuration,
		sagaInFlight:    sagaInFlight,
		compensationErr: compensationErr,
		recoveries:      recoveries,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records a section cache lookup.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration of section cache writes.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// SagaStarted marks a saga as running in this process.
func (m *MetricsService) SagaStarted() {
	if m == nil {
		return
	}
	m.sagaInFlight.Inc()
	atomic.AddInt64(&m.inFlight, 1)
}

// SagaFinished records where a saga ended up. code is the failure code, empty
// on success. A saga stuck in COMPENSATING is counted as a compensation failure.
func (m *MetricsService) SagaFinished(state models.SagaState, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sagaInFlight.Dec()
	atomic.AddInt64(&m.inFlight, -1)
	m.sagaOutcomes.WithLabelValues(string(state), code).Inc()
	m.sagaDuration.WithLabelValues(string(state)).Observe(duration.Seconds())

	switch state {
	case models.SagaStateCommitted:
		atomic.AddUint64(&m.committedCount, 1)
	case models.SagaStateCompensated:
		atomic.AddUint64(&m.compensatedCount, 1)
	case models.SagaStateAborted:
		atomic.AddUint64(&m.abortedCount, 1)
	case models.SagaStateCompensating:
		m.compensationErr.Inc()
		atomic.AddUint64(&m.compensationErrCount, 1)
	}
}

// RecordRecovery counts a pending saga settled by the recovery loop.
func (m *MetricsService) RecordRecovery(state models.SagaState) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(string(state)).Inc()
	atomic.AddUint64(&m.recoveredCount, 1)
}

// Snapshot returns aggregated metrics for the summary endpoint.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if hits+misses > 0 {
		cacheRatio = float64(hits) / float64(hits+misses)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		CacheHits:                hits,
		CacheMisses:              misses,
		CacheHitRatio:            cacheRatio,
		SagasCommitted:           atomic.LoadUint64(&m.committedCount),
		SagasCompensated:         atomic.LoadUint64(&m.compensatedCount),
		SagasAborted:             atomic.LoadUint64(&m.abortedCount),
		SagasInFlight:            atomic.LoadInt64(&m.inFlight),
		CompensationFailures:     atomic.LoadUint64(&m.compensationErrCount),
		RecoveredSagas:           atomic.LoadUint64(&m.recoveredCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
