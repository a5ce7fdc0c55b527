// Package metrics holds the Prometheus collectors for the upload service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload results.
const (
	ResultPROpened      = "pr_opened"
	ResultNoop          = "noop"
	ResultInvalid       = "invalid"
	ResultUnauthorized  = "unauthorized"
	ResultUpstreamError = "upstream_error"
	ResultBadRequest    = "bad_request"
)

// Metrics is a registry with the service collectors registered on it.
type Metrics struct {
	registry        *prometheus.Registry
	uploads         *prometheus.CounterVec
	warnings        *prometheus.CounterVec
	githubDurations *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dictionary_uploads_total",
			Help: "Data dictionary upload requests by result.",
		}, []string{"result"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dictionary_warnings_total",
			Help: "Warnings reported for uploaded data dictionaries by kind.",
		}, []string{"kind"}),
		githubDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "github_request_duration_seconds",
			Help:    "Duration of GitHub API operations including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	m.registry.MustRegister(
		m.uploads,
		m.warnings,
		m.githubDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Upload counts one finished upload request.
func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

// Warning counts one reported warning.
func (m *Metrics) Warning(kind string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(kind).Inc()
}

// ObserveGitHub records the duration of a GitHub API operation.
func (m *Metrics) ObserveGitHub(operation string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.githubDurations.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
