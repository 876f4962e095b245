// Package metrics exposes the coordinator's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Coordinator holds the coordinator-side instruments. One instance lives
// for the process lifetime; the scheduler updates it each cycle.
type Coordinator struct {
	registry *prometheus.Registry

	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	AssignmentsTotal prometheus.Counter
	ReclaimedTotal   *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
	TasksByStatus    *prometheus.GaugeVec
	JobsGauge        prometheus.Gauge
	ActiveSlaves     prometheus.Gauge
	AvailableSlaves  prometheus.Gauge
}

// NewCoordinator registers the coordinator metrics on a fresh registry.
func NewCoordinator() *Coordinator {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Coordinator{
		registry: reg,
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pandora_coordinator_cycles_total",
			Help: "Completed scheduler cycles.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pandora_coordinator_cycle_duration_seconds",
			Help:    "Wall time of one scheduler cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		AssignmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pandora_tasks_assigned_total",
			Help: "Tasks handed to slaves.",
		}),
		ReclaimedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pandora_tasks_reclaimed_total",
			Help: "Tasks reset to ready by the coordinator.",
		}, []string{"reason"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pandora_commands_handled_total",
			Help: "Inbound commands processed, by verb.",
		}, []string{"verb"}),
		TasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pandora_tasks",
			Help: "Tasks currently in each status.",
		}, []string{"status"}),
		JobsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pandora_jobs",
			Help: "Jobs present in the repository.",
		}),
		ActiveSlaves: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pandora_slaves_active",
			Help: "Slaves with a fresh heartbeat.",
		}),
		AvailableSlaves: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pandora_slaves_available",
			Help: "Active slaves with concurrency headroom.",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func (c *Coordinator) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
