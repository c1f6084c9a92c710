package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plategw_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plategw_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "route"},
	)

	requestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plategw_request_size_bytes",
			Help:    "Request size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
		[]string{"route"},
	)

	upstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plategw_upstream_errors_total",
			Help: "Backend calls that failed at the transport level",
		},
		[]string{"capability"},
	)

	rejectedUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plategw_rejected_uploads_total",
			Help: "Uploads rejected before reaching the backend",
		},
		[]string{"reason"},
	)

	batchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plategw_batch_items_total",
			Help: "Batch items processed by outcome",
		},
		[]string{"outcome"},
	)

	batchJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plategw_batch_jobs_total",
			Help: "Batch jobs by final state",
		},
		[]string{"state"},
	)

	backendState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plategw_backend_state",
			Help: "Inference backend state (0 starting, 1 ready, 2 degraded, 3 stopped)",
		},
	)
)

// Collector records gateway metrics. A nil *Collector records nothing.
type Collector struct {
	startTime time.Time
}

func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// RecordRequest records metrics for a request
func (c *Collector) RecordRequest(method, route string, status int, duration time.Duration, reqSize int64) {
	if c == nil {
		return
	}

	requestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())

	if reqSize > 0 {
		requestSize.WithLabelValues(route).Observe(float64(reqSize))
	}
}

func (c *Collector) RecordUpstreamError(capability string) {
	if c == nil {
		return
	}
	upstreamErrors.WithLabelValues(capability).Inc()
}

func (c *Collector) RecordRejectedUpload(reason string) {
	if c == nil {
		return
	}
	rejectedUploads.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordBatchItem(outcome string) {
	if c == nil {
		return
	}
	batchItems.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordBatchJob(state string) {
	if c == nil {
		return
	}
	batchJobs.WithLabelValues(state).Inc()
}

func (c *Collector) SetBackendState(state int) {
	if c == nil {
		return
	}
	backendState.Set(float64(state))
}

// Uptime returns the uptime duration
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.startTime)
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
