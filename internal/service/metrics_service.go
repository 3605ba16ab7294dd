package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation. A nil *MetricsService is a valid no-op.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	scoreWrites     *prometheus.CounterVec
	bulkRows        *prometheus.CounterVec
	rankingPasses   *prometheus.CounterVec
	rankingDuration prometheus.Observer
	publishes       *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
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

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_sheet_cache_lookups_total",
		Help: "Assessment sheet cache lookups by result",
	}, []string{"result"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "assessment_sheet_cache_latency_seconds",
		Help:    "Latency for assessment sheet cache reads",
		Buckets: prometheus.DefBuckets,
	})

	scoreWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "score_writes_total",
		Help: "Score upserts and deletes by assessment kind and outcome",
	}, []string{"kind", "outcome"})

	bulkRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_score_rows_total",
		Help: "Rows processed by bulk score submissions",
	}, []string{"outcome"})

	rankingPasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ranking_passes_total",
		Help: "Ranking recalculations by result",
	}, []string{"result"})

	rankingDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ranking_pass_duration_seconds",
		Help:    "Duration of ranking recalculations",
		Buckets: prometheus.DefBuckets,
	})

	publishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_publishes_total",
		Help: "Publish calls by kind and whether they transitioned state",
	}, []string{"kind", "transitioned"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLookups, cacheLatency, scoreWrites, bulkRows, rankingPasses, rankingDuration, publishes, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLookups:    cacheLookups,
		cacheLatency:    cacheLatency,
		scoreWrites:     scoreWrites,
		bulkRows:        bulkRows,
		rankingPasses:   rankingPasses,
		rankingDuration: rankingDuration,
		publishes:       publishes,
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

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a sheet cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
	m.cacheLatency.Observe(duration.Seconds())
}

// ObserveScoreWrite counts a score write outcome such as created, updated, deleted or rejected.
func (m *MetricsService) ObserveScoreWrite(kind, outcome string) {
	if m == nil {
		return
	}
	m.scoreWrites.WithLabelValues(kind, outcome).Inc()
}

// ObserveBulk counts bulk rows by outcome.
func (m *MetricsService) ObserveBulk(succeeded, failed int) {
	if m == nil {
		return
	}
	m.bulkRows.WithLabelValues("succeeded").Add(float64(succeeded))
	m.bulkRows.WithLabelValues("failed").Add(float64(failed))
}

// ObserveRanking records a ranking pass.
func (m *MetricsService) ObserveRanking(err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.rankingPasses.WithLabelValues(result).Inc()
	m.rankingDuration.Observe(duration.Seconds())
}

// ObservePublish records a publish call.
func (m *MetricsService) ObservePublish(kind string, transitioned bool) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(kind, fmt.Sprintf("%t", transitioned)).Inc()
}
