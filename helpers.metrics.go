package main

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the prometheus collectors exposed under /ops/metrics.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests  *prometheus.CounterVec
	BooksWritten  *prometheus.CounterVec
	Ratings       *prometheus.CounterVec
	ImageIngests  *prometheus.CounterVec
	AssetCleanups *prometheus.CounterVec
	TxRetries     prometheus.Counter
}

// NewMetrics builds and registers all collectors on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookratings",
			Name:      "http_requests_total",
			Help:      "Total number of processed http requests by method and status code.",
		}, []string{"method", "status"}),
		BooksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookratings",
			Name:      "books_written_total",
			Help:      "Total number of book writes by operation.",
		}, []string{"operation"}),
		Ratings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookratings",
			Name:      "ratings_total",
			Help:      "Total number of rating attempts by result.",
		}, []string{"result"}),
		ImageIngests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookratings",
			Name:      "image_ingests_total",
			Help:      "Total number of cover uploads by result.",
		}, []string{"result"}),
		AssetCleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookratings",
			Name:      "asset_cleanups_total",
			Help:      "Total number of stale cover deletions by result.",
		}, []string{"result"}),
		TxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookratings",
			Name:      "storage_tx_retries_total",
			Help:      "Total number of optimistic transactions retried after a concurrent write.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.BooksWritten,
		m.Ratings,
		m.ImageIngests,
		m.AssetCleanups,
		m.TxRetries,
	)
	return m
}

// Handler serves the registry content in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed http request.
func (m *Metrics) ObserveRequest(method string, code int) {
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// resultLabel turns an operation outcome into a low cardinality label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsClientError(err):
		return "rejected"
	default:
		return "failed"
	}
}
