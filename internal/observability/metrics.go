package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the standard groupd meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	// Synchronization meters.
	RecordsReplayed *prometheus.CounterVec
	SyncFallbacks   prometheus.Counter
	Conflicts       prometheus.Counter
	GroupRevision   *prometheus.GaugeVec
}

// NewMetrics creates a custom Prometheus registry with standard groupd metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupd_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupd_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupd_errors_total",
		Help: "Total number of errors.",
	}, []string{"operation", "type"})

	recordsReplayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupd_records_replayed_total",
		Help: "Change records applied during incremental catch-up.",
	}, []string{"outcome"})

	syncFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupd_sync_fallbacks_total",
		Help: "Incremental catch-ups abandoned for a full state fetch.",
	})

	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupd_change_conflicts_total",
		Help: "Change submissions rejected for targeting a stale revision.",
	})

	groupRevision := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupd_group_revision",
		Help: "Latest locally known revision per group.",
	}, []string{"group"})

	reg.MustRegister(opDuration, opTotal, errorsTotal,
		recordsReplayed, syncFallbacks, conflicts, groupRevision)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		ErrorsTotal:       errorsTotal,
		RecordsReplayed:   recordsReplayed,
		SyncFallbacks:     syncFallbacks,
		Conflicts:         conflicts,
		GroupRevision:     groupRevision,
	}
}
