// Package reconciler implements the periodic synchronization of per-account
// billing limits on SLURM clusters with locally stored allocation awards.
//
// Every sweep walks all enabled clusters and, for each account on a cluster,
// closes out expired allocations and pushes a fresh usage ceiling computed as
// historical usage plus currently awarded service units. The sweep is
// idempotent: finals are set once and re-running against unchanged records
// pushes the same limit again.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hpcops/allocsync/pkg/sync/db"
	"github.com/hpcops/allocsync/pkg/sync/models"
	"github.com/hpcops/allocsync/pkg/sync/slurm"
	"github.com/prometheus/client_golang/prometheus"
)

// Usage baseline policies. Under BaselineFirstAllocation the raw usage of a
// group is snapshotted the first time the reconciler encounters it and
// subtracted from every later reading, so consumption that predates the first
// allocation is never billed against it. BaselineZero takes raw readings at
// face value.
const (
	BaselineZero            = "zero"
	BaselineFirstAllocation = "first-allocation"
)

// ClientFactory builds an accounting client for a cluster.
type ClientFactory func(cluster models.Cluster, logger log.Logger) (slurm.Client, error)

// SweepStats summarizes one reconciliation sweep.
type SweepStats struct {
	StartedAt         time.Time `json:"started_at"`
	Duration          float64   `json:"duration_seconds"`
	Clusters          int       `json:"clusters"`
	Accounts          int       `json:"accounts"`
	ClosedAllocations int       `json:"closed_allocations"`
	OrphanedAccounts  int       `json:"orphaned_accounts"`
	Failures          int       `json:"failures"`
}

// Config makes a reconciler config.
type Config struct {
	Logger        log.Logger
	Store         Store
	NewClient     ClientFactory
	UsageBaseline string
	Registry      prometheus.Registerer
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Reconciler synchronizes cluster accounting limits with allocation records.
type Reconciler struct {
	logger    log.Logger
	store     Store
	newClient ClientFactory
	baseline  string
	now       func() time.Time
	metrics   *sweepMetrics

	mu        sync.Mutex
	lastSweep *SweepStats
}

// New returns a new Reconciler.
func New(c *Config) (*Reconciler, error) {
	baseline := c.UsageBaseline
	if baseline == "" {
		baseline = BaselineZero
	}

	if baseline != BaselineZero && baseline != BaselineFirstAllocation {
		return nil, fmt.Errorf("unknown usage baseline policy %q", baseline)
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Reconciler{
		logger:    c.Logger,
		store:     c.Store,
		newClient: c.NewClient,
		baseline:  baseline,
		now:       now,
		metrics:   newSweepMetrics(c.Registry),
	}, nil
}

// LastSweep returns the stats of the most recent completed sweep.
func (r *Reconciler) LastSweep() (SweepStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastSweep == nil {
		return SweepStats{}, false
	}

	return *r.lastSweep, true
}

// ReconcileAll runs one sweep over all enabled clusters. Clusters are
// processed concurrently since they are distinct accounting targets; accounts
// within a cluster are processed strictly sequentially. Per-cluster and
// per-account failures are logged and counted but never abort the sweep; a
// single aggregated error is returned at the end when anything failed.
func (r *Reconciler) ReconcileAll(ctx context.Context) (SweepStats, error) {
	start := r.now()
	stats := SweepStats{StartedAt: start}

	clusters, err := r.store.EnabledClusters(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list enabled clusters: %w", err)
	}

	level.Info(r.logger).Log("msg", "Reconciliation sweep started", "clusters", len(clusters))

	var wg sync.WaitGroup

	var mu sync.Mutex

	for _, cluster := range clusters {
		wg.Add(1)

		go func(cluster models.Cluster) {
			defer wg.Done()

			clusterStats := r.reconcileCluster(ctx, cluster)

			mu.Lock()
			stats.Clusters++
			stats.Accounts += clusterStats.Accounts
			stats.ClosedAllocations += clusterStats.ClosedAllocations
			stats.OrphanedAccounts += clusterStats.OrphanedAccounts
			stats.Failures += clusterStats.Failures
			mu.Unlock()
		}(cluster)
	}

	wg.Wait()

	stats.Duration = r.now().Sub(start).Seconds()

	r.metrics.sweeps.Inc()
	r.metrics.sweepDuration.Observe(stats.Duration)

	r.mu.Lock()
	r.lastSweep = &stats
	r.mu.Unlock()

	level.Info(r.logger).
		Log("msg", "Reconciliation sweep finished", "clusters", stats.Clusters, "accounts", stats.Accounts,
			"closed", stats.ClosedAllocations, "orphans", stats.OrphanedAccounts, "failures", stats.Failures,
			"duration", fmt.Sprintf("%.2fs", stats.Duration))

	if stats.Failures > 0 {
		return stats, fmt.Errorf("%d account(s) failed to reconcile", stats.Failures)
	}

	return stats, nil
}

// reconcileCluster enumerates the accounts present on the cluster and
// reconciles each in turn, isolating per-account faults.
func (r *Reconciler) reconcileCluster(ctx context.Context, cluster models.Cluster) SweepStats {
	var stats SweepStats

	logger := log.With(r.logger, "cluster", cluster.Name)

	level.Info(logger).Log("msg", "Reconciling cluster")

	client, err := r.newClient(cluster, logger)
	if err != nil {
		level.Error(logger).Log("msg", "Failed to create accounting client", "err", err)

		stats.Failures++
		r.metrics.failures.Inc()

		return stats
	}

	accounts, err := client.Accounts(ctx)
	if err != nil {
		level.Error(logger).Log("msg", "Failed to list accounts", "err", err)

		stats.Failures++
		r.metrics.failures.Inc()

		return stats
	}

	today := models.Today(r.now())

	for _, account := range accounts {
		accountStats, err := r.reconcileAccount(ctx, client, cluster, account, today)
		if err != nil {
			level.Error(logger).Log("msg", "Failed to reconcile account", "account", account, "err", err)

			stats.Failures++
			r.metrics.failures.Inc()

			continue
		}

		stats.Accounts++
		stats.ClosedAllocations += accountStats.ClosedAllocations
		stats.OrphanedAccounts += accountStats.OrphanedAccounts
		r.metrics.accounts.Inc()
	}

	level.Info(logger).Log("msg", "Cluster reconciled", "accounts", stats.Accounts, "failures", stats.Failures)

	return stats
}

// reconcileAccount closes out the account's expired allocations and pushes a
// fresh limit of historical usage plus active awards.
func (r *Reconciler) reconcileAccount(ctx context.Context, client slurm.Client, cluster models.Cluster, account string, today string) (SweepStats, error) {
	var stats SweepStats

	logger := log.With(r.logger, "cluster", cluster.Name, "account", account)

	group, err := r.store.ResearchGroup(ctx, account)
	if err != nil {
		if !errors.Is(err, db.ErrGroupNotFound) {
			return stats, err
		}

		// Accounts with no local record are frozen at their current usage so
		// no further spending is permitted. They are never deleted.
		usage, err := client.Usage(ctx, account)
		if err != nil {
			return stats, err
		}

		if err := client.SetLimit(ctx, account, usage); err != nil {
			return stats, err
		}

		level.Warn(logger).Log("msg", "Orphaned account locked at current usage", "usage_mins", usage)

		stats.OrphanedAccounts++
		r.metrics.orphans.Inc()

		return stats, nil
	}

	limitNow, err := client.Limit(ctx, account)
	if err != nil {
		return stats, err
	}

	rawUsage, err := client.Usage(ctx, account)
	if err != nil {
		return stats, err
	}

	usageNow, err := r.applyBaseline(ctx, group, rawUsage)
	if err != nil {
		return stats, err
	}

	ledger := NewLedger(r.store, group.ID, cluster.ID, today)

	activeSUs, err := ledger.ActiveServiceUnits(ctx)
	if err != nil {
		return stats, err
	}

	closing, err := ledger.ClosingAllocations(ctx)
	if err != nil {
		return stats, err
	}

	var closingAwarded int64
	for _, alloc := range closing {
		closingAwarded += alloc.Awarded
	}

	// Usage not yet attributed to any closed or active allocation. This is
	// the pool expired allocations draw their final values from.
	available := usageNow - (limitNow - activeSUs - closingAwarded)

	remaining, err := CloseExpired(ctx, r.store, closing, available, logger)
	if err != nil {
		return stats, err
	}

	stats.ClosedAllocations += len(closing)
	r.metrics.closed.Add(float64(len(closing)))

	if remaining > 0 && len(closing) > 0 {
		level.Warn(logger).Log("msg", "Usage exceeds expired awards", "unattributed_mins", remaining)
	}

	// Recompute after the close-out so newly assigned finals are included
	historical, err := ledger.HistoricalUsage(ctx)
	if err != nil {
		return stats, err
	}

	newLimit := historical + activeSUs

	if err := client.SetLimit(ctx, account, newLimit); err != nil {
		return stats, err
	}

	active, err := ledger.ActiveAllocations(ctx)
	if err != nil {
		return stats, err
	}

	activeIDs := make([]int64, 0, len(active))
	for _, alloc := range active {
		activeIDs = append(activeIDs, alloc.ID)
	}

	if err := r.store.SetContributing(ctx, activeIDs, true); err != nil {
		return stats, err
	}

	level.Info(logger).
		Log("msg", "Account reconciled", "limit_mins", newLimit, "historical_mins", historical,
			"active_sus", activeSUs, "closed", len(closing))

	return stats, nil
}

// applyBaseline converts a raw usage reading into billable usage according to
// the configured baseline policy.
func (r *Reconciler) applyBaseline(ctx context.Context, group models.ResearchGroup, rawUsage int64) (int64, error) {
	if r.baseline == BaselineZero {
		return rawUsage, nil
	}

	if !group.InitialUsage.Valid {
		// First encounter: snapshot the baseline. The store ignores the
		// write if a concurrent sweep got there first.
		if err := r.store.SetInitialUsage(ctx, group.ID, rawUsage); err != nil {
			return 0, err
		}

		level.Info(r.logger).
			Log("msg", "Usage baseline recorded", "group", group.Name, "baseline_mins", rawUsage)

		return 0, nil
	}

	return rawUsage - group.InitialUsage.Int64, nil
}
