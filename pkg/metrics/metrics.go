package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox delivery metrics
	EventsDelivered    *prometheus.CounterVec
	DeliveryFailures   *prometheus.CounterVec
	EventsDeadLettered *prometheus.CounterVec
	OrderingViolations *prometheus.CounterVec
	StrandedEvents     *prometheus.CounterVec
	DeliveryLatency    prometheus.Histogram
	BatchDuration      prometheus.Histogram
	PartitionsInFlight prometheus.Gauge
	LeaseContention    *prometheus.CounterVec
	EventsPurged       prometheus.Counter

	// Sink metrics
	BreakerStateChanges *prometheus.CounterVec

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// NewMetrics creates all application metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const subsystem = "outbox"

	return &Metrics{
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_delivered_total",
			Help:      "Total number of outbox events delivered to the sink",
		}, []string{"processor"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_failures_total",
			Help:      "Total number of failed delivery attempts by error class",
		}, []string{"processor", "class"}),
		EventsDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dead_lettered_total",
			Help:      "Total number of events moved to the dead letter store",
		}, []string{"processor"}),
		OrderingViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ordering_violations_total",
			Help:      "Stale cursor advances; each one quarantines a partition",
		}, []string{"processor"}),
		StrandedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stranded_events_total",
			Help:      "Events found pending behind the cursor after a late commit",
		}, []string{"processor"}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in a single sink delivery",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "partition_run_duration_seconds",
			Help:      "Time spent processing one partition run",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		PartitionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "partitions_in_flight",
			Help:      "Partitions currently being processed by this worker",
		}),
		LeaseContention: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lease_contention_total",
			Help:      "Partition runs skipped or stopped because another worker holds the lease",
		}, []string{"processor", "reason"}),
		EventsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_purged_total",
			Help:      "Delivered events removed by the retention janitor",
		}),

		BreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "breaker_state_changes_total",
			Help:      "Circuit breaker transitions by target state",
		}, []string{"state"}),

		DatabaseOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}

// NewNop returns metrics registered with a throwaway registry.
func NewNop() *Metrics {
	return NewMetrics("test", prometheus.NewRegistry())
}
