// Package metrics holds the Prometheus collectors for sync operations and
// tracker calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	units        prometheus.Counter
	trackerCalls *prometheus.CounterVec
	gatherer     prometheus.Gatherer
}

// New registers the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadlink_sync_operations_total",
			Help: "Sync engine operations by operation and outcome status.",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threadlink_sync_duration_seconds",
			Help:    "Wall time of sync engine operations.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),
		units: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadlink_units_appended_total",
			Help: "Thread messages confirmed by the tracker and recorded as synced.",
		}),
		trackerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadlink_tracker_calls_total",
			Help: "Tracker API calls by call and outcome.",
		}, []string{"call", "outcome"}),
		gatherer: gatherer,
	}
	reg.MustRegister(m.operations, m.duration, m.units, m.trackerCalls)
	return m
}

func (m *Metrics) ObserveOperation(op, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) UnitsAppended(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.units.Add(float64(n))
}

func (m *Metrics) TrackerCall(call, outcome string) {
	if m == nil {
		return
	}
	m.trackerCalls.WithLabelValues(call, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
