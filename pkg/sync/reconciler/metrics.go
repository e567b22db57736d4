package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// sweepMetrics instruments reconciliation sweeps.
type sweepMetrics struct {
	sweeps        prometheus.Counter
	accounts      prometheus.Counter
	closed        prometheus.Counter
	orphans       prometheus.Counter
	failures      prometheus.Counter
	sweepDuration prometheus.Histogram
}

func newSweepMetrics(reg prometheus.Registerer) *sweepMetrics {
	m := &sweepMetrics{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocsync_sweeps_total",
			Help: "Total number of reconciliation sweeps.",
		}),
		accounts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocsync_accounts_reconciled_total",
			Help: "Total number of accounts reconciled.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocsync_allocations_closed_total",
			Help: "Total number of allocations assigned a final usage value.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocsync_orphaned_accounts_total",
			Help: "Total number of accounts locked at current usage for having no local record.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocsync_reconcile_failures_total",
			Help: "Total number of per-account reconciliation failures.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "allocsync_sweep_duration_seconds",
			Help:    "Duration of reconciliation sweeps.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.sweeps, m.accounts, m.closed, m.orphans, m.failures, m.sweepDuration)
	}

	return m
}
