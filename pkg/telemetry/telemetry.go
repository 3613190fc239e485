// Package telemetry defines the prometheus metrics shared by the frontend
// and the protector.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the metric set of the proxy. All collectors are internally
// synchronised and safe for concurrent use.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestsBlocked    *prometheus.CounterVec
	AllowedlistMatched prometheus.Counter
	RequestsMetrics    *prometheus.CounterVec
	DatapointsServed   prometheus.Counter
	RequestLatency     *prometheus.HistogramVec
	RequestInterval    *prometheus.HistogramVec
	SafeMode           prometheus.Gauge
}

// New registers the metric set on the given registry along with the standard
// process and Go collectors.
func New(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total number of requests.",
			},
			[]string{"method", "path", "return_code"},
		),
		RequestsBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_blocked",
				Help: "Total number of blocked requests by safe mode and matched rule.",
			},
			[]string{"safe_mode", "rule"},
		),
		AllowedlistMatched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "requests_allowedlist_matched",
				Help: "Total number of requests matched by the allowed list.",
			},
		),
		RequestsMetrics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_metrics",
				Help: "Total number of requests per queried metric name.",
			},
			[]string{"metric"},
		),
		DatapointsServed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "datapoints_served_count",
				Help: "Number of datapoints served to clients.",
			},
		),
		RequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "tsdb_request_latency_seconds",
				Help: "OpenTSDB request latency histogram.",
			},
			[]string{"http_code", "path", "method"},
		),
		RequestInterval: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tsdb_request_interval",
				Help:    "Histogram of query start age in days.",
				Buckets: []float64{1, 30, 90},
			},
			[]string{"interval"},
		),
		SafeMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "safe_mode",
				Help: "Safe mode status.",
			},
		),
	}
}
