package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Outcome labels for operation counters.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Registry holds all grove metrics over a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// OperationsTotal counts CLI operations by name and outcome.
	OperationsTotal *prometheus.CounterVec

	// OperationDuration samples operation wall time by name.
	OperationDuration *prometheus.HistogramVec

	// TxCommitted and TxDiscarded count finished transactions.
	TxCommitted prometheus.Counter
	TxDiscarded prometheus.Counter

	// DeploysTotal and RollbacksTotal count pointer flips.
	DeploysTotal   prometheus.Counter
	RollbacksTotal prometheus.Counter

	// SyncNodes counts per-node sync results across fan-out operations.
	SyncNodes *prometheus.CounterVec

	// SnapshotCount gauges the forest size at the end of an invocation.
	SnapshotCount prometheus.Gauge
}

// NewRegistry creates and registers all grove metrics.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grove_operations_total",
		Help: "CLI operations by name and outcome.",
	}, []string{"op", "outcome"})

	r.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grove_operation_duration_seconds",
		Help:    "Operation wall time by name.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"op"})

	r.TxCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grove_transactions_committed_total",
		Help: "Package transactions committed.",
	})
	r.TxDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grove_transactions_discarded_total",
		Help: "Package transactions discarded.",
	})

	r.DeploysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grove_deploys_total",
		Help: "Snapshot deployments.",
	})
	r.RollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grove_rollbacks_total",
		Help: "Deployment rollbacks.",
	})

	r.SyncNodes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grove_sync_nodes_total",
		Help: "Per-node sync results (synced, skipped, failed).",
	}, []string{"result"})

	r.SnapshotCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grove_snapshots",
		Help: "Snapshot nodes in the forest.",
	})

	r.reg.MustRegister(
		r.OperationsTotal,
		r.OperationDuration,
		r.TxCommitted,
		r.TxDiscarded,
		r.DeploysTotal,
		r.RollbacksTotal,
		r.SyncNodes,
		r.SnapshotCount,
	)
	return r
}

// ObserveOp records one finished operation.
func (r *Registry) ObserveOp(op string, err error, elapsed time.Duration) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	r.OperationsTotal.WithLabelValues(op, outcome).Inc()
	r.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Gather exposes the underlying registry for encoding.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.reg.Gather()
}
