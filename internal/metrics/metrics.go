// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerJobsProcessedTotal          *prometheus.CounterVec
	crawlerJobDurationSeconds          *prometheus.HistogramVec
	crawlerItemsPerJob                 prometheus.Histogram
	crawlerExternalCallDurationSeconds *prometheus.HistogramVec
	crawlerWorkerIdle                  prometheus.Gauge
	crawlerFilesQueuedTotal            *prometheus.CounterVec
	crawlerSchedulerRunsTotal          prometheus.Counter
	httpRequestsTotal                  *prometheus.CounterVec
	httpRequestDurationSeconds         *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerJobsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_processed_total",
				Help: "Total number of jobs processed, labeled by job type and outcome.",
			},
			[]string{"type", "status"},
		)

		crawlerJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_job_duration_seconds",
				Help:    "Histogram of end-to-end job handling latency, labeled by job type.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"type"},
		)

		crawlerItemsPerJob = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_items_per_job",
				Help:    "Histogram of structured-data items extracted per file job.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
		)

		crawlerExternalCallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_external_call_duration_seconds",
				Help:    "Histogram of external dependency call latency, labeled by target.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"target"},
		)

		crawlerWorkerIdle = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_worker_idle",
				Help: "Number of workers currently waiting for a job.",
			},
		)

		crawlerFilesQueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_files_queued_total",
				Help: "Total number of file jobs enqueued, labeled by job type.",
			},
			[]string{"type"},
		)

		crawlerSchedulerRunsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_scheduler_runs_total",
				Help: "Total number of scheduler sweeps over due sites.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records the outcome and latency of a processed job.
func ObserveJob(jobType, status string, duration time.Duration) {
	crawlerJobsProcessedTotal.WithLabelValues(jobType, status).Inc()
	crawlerJobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// ObserveItemsPerJob records the number of items extracted from one file.
func ObserveItemsPerJob(count int) {
	crawlerItemsPerJob.Observe(float64(count))
}

// ObserveExternalCall records the latency of a call to an external dependency
// such as the catalog database, the vector index, or the embedding service.
func ObserveExternalCall(target string, duration time.Duration) {
	crawlerExternalCallDurationSeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// IncIdleWorkers increments the idle workers gauge.
func IncIdleWorkers() {
	crawlerWorkerIdle.Inc()
}

// DecIdleWorkers decrements the idle workers gauge.
func DecIdleWorkers() {
	crawlerWorkerIdle.Dec()
}

// ObserveFileQueued increments the enqueued-files counter for the job type.
func ObserveFileQueued(jobType string) {
	crawlerFilesQueuedTotal.WithLabelValues(jobType).Inc()
}

// ObserveSchedulerRun increments the scheduler sweep counter.
func ObserveSchedulerRun() {
	crawlerSchedulerRunsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
