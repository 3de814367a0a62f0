package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "leaserun"

// Metrics holds the runner's Prometheus collectors.
type Metrics struct {
	JobsProcessed  prometheus.Counter
	JobsFailed     prometheus.Counter
	LeasesStaked   prometheus.Counter
	LeasesLost     prometheus.Counter
	Admissions     *prometheus.CounterVec
	MemoryReleases prometheus.Counter
	LastSuccess    prometheus.Gauge
}

// NewMetrics creates the runner collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs executed by the runner, successful or not.",
		}),
		JobsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that signalled a failure.",
		}),
		LeasesStaked: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "leases_staked_total",
			Help:      "Non-empty leases staked by the runner.",
		}),
		LeasesLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "leases_lost_total",
			Help:      "Runs stopped because the lease no longer covered the next job.",
		}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admissions_total",
			Help:      "Concurrency guard decisions by result.",
		}, []string{"result"}),
		MemoryReleases: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "memory_releases_total",
			Help:      "Memory release passes triggered during runs.",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that drained its batch.",
		}),
	}
}
