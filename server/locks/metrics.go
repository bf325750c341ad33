package locks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ddblock"

// Metrics counts lock manager activity. A nil Registerer keeps the collectors
// unregistered.
type Metrics struct {
	Acquired      *prometheus.CounterVec
	Waits         *prometheus.CounterVec
	Upgrades      *prometheus.CounterVec
	Deadlocks     *prometheus.CounterVec
	Timeouts      *prometheus.CounterVec
	ActiveClients prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Acquired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "locks_acquired_total",
			Help:      "Global locks acquired, by resource type and mode.",
		}, []string{"resource_type", "mode"}),
		Waits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_waits_total",
			Help:      "Acquisitions that had to wait at least once.",
		}, []string{"resource_type", "mode"}),
		Upgrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_upgrades_total",
			Help:      "Shared locks upgraded in place to exclusive.",
		}, []string{"resource_type"}),
		Deadlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deadlocks_detected_total",
			Help:      "Acquisitions aborted because of a deadlock.",
		}, []string{"resource_type"}),
		Timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_timeouts_total",
			Help:      "Acquisitions aborted by their wait strategy.",
		}, []string{"resource_type"}),
		ActiveClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_clients",
			Help:      "Lock clients handed out and not yet closed.",
		}),
	}
}
