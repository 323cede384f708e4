// Package metrics holds the prometheus collectors of the entity registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	WorkersLive        prometheus.Gauge
	Messages           *prometheus.CounterVec
	Restarts           prometheus.Counter
	Stops              prometheus.Counter
	AggregateDuration  prometheus.Histogram
	AggregateTimeouts  prometheus.Counter
	JournalDropped     prometheus.Counter
	JournalWritten     prometheus.Counter
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestLatency *prometheus.HistogramVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkersLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "entityhub_workers_live",
			Help: "Number of live entity workers",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entityhub_registry_messages_total",
			Help: "Messages routed by the registry",
		}, []string{"kind"}),
		Restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "entityhub_worker_restarts_total",
			Help: "Workers restarted after a fault",
		}),
		Stops: f.NewCounter(prometheus.CounterOpts{
			Name: "entityhub_worker_stops_total",
			Help: "Workers stopped after exhausting their restart budget",
		}),
		AggregateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "entityhub_aggregate_duration_seconds",
			Help:    "Time spent gathering all entities",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		AggregateTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "entityhub_aggregate_timeouts_total",
			Help: "Aggregations that did not complete within the deadline",
		}),
		JournalDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "entityhub_journal_dropped_total",
			Help: "Journal events dropped because the queue was full",
		}),
		JournalWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "entityhub_journal_written_total",
			Help: "Journal events written to the database",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entityhub_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entityhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) SetWorkersLive(n int) {
	if m == nil {
		return
	}
	m.WorkersLive.Set(float64(n))
}

func (m *Metrics) Message(kind string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.Restarts.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.Stops.Inc()
}

func (m *Metrics) ObserveAggregate(d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.AggregateDuration.Observe(d.Seconds())
	if timedOut {
		m.AggregateTimeouts.Inc()
	}
}

func (m *Metrics) JournalDrop() {
	if m == nil {
		return
	}
	m.JournalDropped.Inc()
}

func (m *Metrics) JournalWrite(n int) {
	if m == nil {
		return
	}
	m.JournalWritten.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
