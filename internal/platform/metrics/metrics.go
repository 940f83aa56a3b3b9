// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hms"

type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	RecordsCreatedTotal prometheus.Counter
	MergesTotal         *prometheus.CounterVec
	MRNConflictsTotal   prometheus.Counter
	ResolutionsTotal    *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
}

// NewCollector registers all collectors on a private registry, along with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		RecordsCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patient",
			Name:      "records_created_total",
			Help:      "Total number of patient records created.",
		}),

		MergesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patient",
			Name:      "merges_total",
			Help:      "Record merges by whether the record changed.",
		}, []string{"changed"}),

		MRNConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patient",
			Name:      "mrn_conflicts_total",
			Help:      "Updates that proposed a different medical id for a record that already has one.",
		}),

		ResolutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "resolutions_total",
			Help:      "Identity resolutions by provider and outcome.",
		}, []string{"provider", "outcome"}),

		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "sent_total",
			Help:      "Outbound notifications by delivery status.",
		}, []string{"status"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordCreated() { c.RecordsCreatedTotal.Inc() }

func (c *Collector) RecordMerged(changed bool) {
	c.MergesTotal.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

func (c *Collector) MedicalIDConflict() { c.MRNConflictsTotal.Inc() }

func (c *Collector) Resolution(provider, outcome string) {
	c.ResolutionsTotal.WithLabelValues(provider, outcome).Inc()
}

func (c *Collector) Notification(status string) {
	c.NotificationsTotal.WithLabelValues(status).Inc()
}
