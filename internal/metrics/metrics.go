package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exported at /metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	jobs         *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	frames       *prometheus.CounterVec
	inliers      prometheus.Histogram
	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "burstfuse_jobs_total",
			Help: "Jobs finished, by type and status.",
		}, []string{"type", "status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "burstfuse_job_duration_seconds",
			Help:    "Wall time of finished jobs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"type"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "burstfuse_frames_total",
			Help: "Non-reference frames by alignment outcome and fallback reason.",
		}, []string{"outcome", "reason"}),
		inliers: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "burstfuse_frame_inliers",
			Help:    "RANSAC inliers of aligned frames.",
			Buckets: prometheus.LinearBuckets(4, 4, 10),
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "burstfuse_http_response_time_seconds",
			Help: "Duration of HTTP requests.",
		}, []string{"path"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "burstfuse_http_requests_total",
			Help: "Number of HTTP requests.",
		}, []string{"path"}),
	}
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(jobType, status).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// ObserveFrame records one frame's alignment outcome.
func (m *Metrics) ObserveFrame(outcome, reason string, inliers int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome, reason).Inc()
	if outcome == "aligned" {
		m.inliers.Observe(float64(inliers))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Middleware times requests by route template when one is known.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			path := r.URL.Path
			if route != nil {
				if p := route(r); p != "" {
					path = p
				}
			}
			m.httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
			m.httpRequests.WithLabelValues(path).Inc()
		})
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
