// Package metrics exposes prometheus instrumentation for the launcher and
// the monitor. All methods are nil-receiver safe so instrumentation stays
// optional in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	launchesTotal      *prometheus.CounterVec
	submitRetriesTotal prometheus.Counter
	transitionsTotal   *prometheus.CounterVec
	staleTransitions   prometheus.Counter
	cycleDuration      prometheus.Histogram
	activeRuns         prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		launchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launcher",
			Name:      "launches_total",
			Help:      "Run launch attempts by result.",
		}, []string{"result"}),
		submitRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "launcher",
			Name:      "submit_retries_total",
			Help:      "Transient submission errors that triggered a retry.",
		}),
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monitor",
			Name:      "transitions_total",
			Help:      "Run status transitions applied by the monitor.",
		}, []string{"to"}),
		staleTransitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Name:      "stale_transitions_total",
			Help:      "Status transitions discarded because the stored state moved on.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one reconcile cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "monitor",
			Name:      "active_runs",
			Help:      "Runs with a live worker handle at the last cycle.",
		}),
	}
}

func (m *Metrics) ObserveLaunch(result string) {
	if m == nil {
		return
	}
	m.launchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSubmitRetry() {
	if m == nil {
		return
	}
	m.submitRetriesTotal.Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

func (m *Metrics) IncStaleTransition() {
	if m == nil {
		return
	}
	m.staleTransitions.Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.activeRuns.Set(float64(n))
}
