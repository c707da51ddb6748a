package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
)

const (
	outcomeCompleted = "completed"
	outcomeReplayed  = "replayed"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
	outcomeInFlight  = "in_flight"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Money movements by operation and terminal outcome",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Latency of money movements, idempotency included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	writeConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_write_conflicts_total",
			Help: "Optimistic write attempts lost to a concurrent update",
		},
		[]string{"operation"},
	)
)

func observe(op domain.Operation, outcome string, start time.Time) {
	operationsTotal.WithLabelValues(string(op), outcome).Inc()
	operationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
}
