package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dataplane"

// Metrics holds the collectors recorded by the orchestrator. A nil *Metrics
// records nothing, so callers never need to guard.
type Metrics struct {
	transitions          *prometheus.CounterVec
	leaseConflicts       *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
	inFlight             prometheus.Gauge
	tickDuration         prometheus.Histogram

	registerOnce sync.Once
}

// New creates an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flow_transitions_total",
				Help:      "Count of persisted data flow transitions by target state.",
			},
			[]string{"state"},
		),
		leaseConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_conflicts_total",
				Help:      "Count of lease attempts rejected because another holder owns the flow.",
			},
			[]string{"operation"},
		),
		notificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_failures_total",
				Help:      "Count of control-plane notifications that failed and will be retried.",
			},
			[]string{"state"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transfers_in_flight",
				Help:      "Number of transfers running in this runtime.",
			},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_tick_duration_seconds",
				Help:      "Duration of one scheduler pass over all processors.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
	}
}

// Register adds the collectors to reg once. Later calls are no-ops.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var err error
	m.registerOnce.Do(func() {
		for _, c := range m.collectors() {
			if err = reg.Register(c); err != nil {
				return
			}
		}
	})
	return err
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions,
		m.leaseConflicts,
		m.notificationFailures,
		m.inFlight,
		m.tickDuration,
	}
}

// RecordTransition counts a persisted transition into state.
func (m *Metrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// RecordLeaseConflict counts an AlreadyLeased outcome for an operation such as "terminate".
func (m *Metrics) RecordLeaseConflict(operation string) {
	if m == nil {
		return
	}
	m.leaseConflicts.WithLabelValues(operation).Inc()
}

// RecordNotificationFailure counts a failed completed/failed notification.
func (m *Metrics) RecordNotificationFailure(state string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(state).Inc()
}

// TransferStarted increments the in-flight gauge.
func (m *Metrics) TransferStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// TransferFinished decrements the in-flight gauge.
func (m *Metrics) TransferFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// ObserveTick records the duration of a scheduler pass.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}
