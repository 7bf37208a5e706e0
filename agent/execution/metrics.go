package execution

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	running       prometheus.Gauge
	watchers      prometheus.Gauge
	spawned       prometheus.Counter
	spawnFailures prometheus.Counter
	overflows     prometheus.Counter
	duration      *prometheus.HistogramVec
}

// newMetrics builds the registry's collectors, registering them if reg is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptagent_executions_running",
			Help: "Number of script executions with a live process",
		}),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptagent_watchers",
			Help: "Number of connections attached to executions",
		}),
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptagent_processes_spawned_total",
			Help: "Total number of script processes started",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptagent_spawn_failures_total",
			Help: "Total number of script processes that failed to start",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptagent_watcher_overflows_total",
			Help: "Total number of watchers evicted for not keeping up with output",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scriptagent_execution_duration_seconds",
			Help:    "Wall time of script executions by final state",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.running, m.watchers, m.spawned, m.spawnFailures, m.overflows, m.duration)
	}
	return m
}
