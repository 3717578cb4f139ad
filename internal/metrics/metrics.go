// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scanhunter"

// Collector owns a private registry and the pipeline and HTTP metric vectors.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Submissions       *prometheus.CounterVec
	PipelineDuration  *prometheus.HistogramVec
	InferenceAttempts *prometheus.CounterVec
	StaleAbandoned    prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New creates a Collector with its own registry, including Go runtime metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Image submissions by final upload status.",
		}, []string{"status"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time from submission to final status.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		InferenceAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_attempts_total",
			Help:      "Inference calls by outcome.",
		}, []string{"outcome"}),
		StaleAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_uploads_abandoned_total",
			Help:      "Upload records abandoned by the staleness sweep.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status_code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.Submissions,
		c.PipelineDuration,
		c.InferenceAttempts,
		c.StaleAbandoned,
		c.HTTPRequests,
		c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RegisterGaugeFunc adds a gauge whose value is read at scrape time.
func (c *Collector) RegisterGaugeFunc(name, help string, fn func() float64) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveSubmission(status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Submissions.WithLabelValues(status).Inc()
	c.PipelineDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveAttempt(outcome string) {
	if c == nil {
		return
	}
	c.InferenceAttempts.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveStale(n int) {
	if c == nil {
		return
	}
	c.StaleAbandoned.Add(float64(n))
}

func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
