// Package telemetry is the externally-exposed metrics surface. Internal
// tracing uses the teacher's OpenTelemetry setup (observability.tracer);
// this package is Prometheus-native because the HTTP surface requires
// text/plain exposition format at GET /metrics, which is the Prometheus
// exposition format verbatim.
package telemetry

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram this service exposes,
// registered against a private registry rather than the global default so
// tests can spin up independent instances.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	InProgress       prometheus.Gauge
	DurationSeconds  prometheus.Histogram
	QueueDepth       prometheus.Gauge
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
}

// New creates and registers the full metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcription_requests_total",
			Help: "Total number of transcription jobs submitted, labeled by terminal outcome.",
		}, []string{"outcome"}),
		InProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcription_in_progress",
			Help: "Number of jobs currently being processed by a worker slot.",
		}),
		DurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcription_duration_seconds",
			Help:    "Wall-clock time spent transcribing a job, from claim to publish.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of job IDs currently waiting in the work queue.",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of submissions short-circuited by a Result Cache hit.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of submissions that found no cached transcript.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.InProgress,
		m.DurationSeconds,
		m.QueueDepth,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)
	return m
}

// Handler returns a Gin handler serving the registered metrics in
// Prometheus text exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Outcome labels for RequestsTotal, matching the normative set: a
// submission that was enqueued, one short-circuited by a cache hit, or one
// rejected before enrollment (validation, size, media type). Requests
// refused by the rate-limit middleware are not counted.
const (
	OutcomeSubmitted = "submitted"
	OutcomeCached    = "cached"
	OutcomeRejected  = "rejected"
)

// Stats is the small snapshot GET /stats reports alongside /health.
type Stats struct {
	QueueDepth int64 `json:"queue_depth"`
	InProgress int   `json:"in_progress"`
	Slots      int   `json:"worker_slots"`
}

// StatsHandler returns a Gin handler reporting a live Stats snapshot.
func StatsHandler(snapshot func() Stats) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, snapshot())
	}
}
