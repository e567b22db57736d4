package reconciler

import (
	"context"

	"github.com/hpcops/allocsync/pkg/sync/models"
)

// Store is the data access surface the reconciler needs. Implemented by
// db.Store.
type Store interface {
	EnabledClusters(ctx context.Context) ([]models.Cluster, error)
	ResearchGroup(ctx context.Context, name string) (models.ResearchGroup, error)
	SetInitialUsage(ctx context.Context, groupID int64, usage int64) error
	ActiveAllocations(ctx context.Context, groupID int64, clusterID int64, today string) ([]models.Allocation, error)
	ClosingAllocations(ctx context.Context, groupID int64, clusterID int64, today string) ([]models.Allocation, error)
	HistoricalUsage(ctx context.Context, groupID int64, clusterID int64, today string) (int64, error)
	ActiveServiceUnits(ctx context.Context, groupID int64, clusterID int64, today string) (int64, error)
	CloseAllocation(ctx context.Context, id int64, final int64) (bool, error)
	SetContributing(ctx context.Context, ids []int64, contributing bool) error
}

// Ledger is a read-focused view over the allocation records of one account on
// one cluster, evaluated against a fixed day. All sums report zero on empty
// result sets.
type Ledger struct {
	store     Store
	groupID   int64
	clusterID int64
	today     string
}

// NewLedger returns a ledger scoped to the given group and cluster.
func NewLedger(store Store, groupID int64, clusterID int64, today string) *Ledger {
	return &Ledger{
		store:     store,
		groupID:   groupID,
		clusterID: clusterID,
		today:     today,
	}
}

// ActiveAllocations returns the currently valid allocations, soonest expiring
// first.
func (l *Ledger) ActiveAllocations(ctx context.Context) ([]models.Allocation, error) {
	return l.store.ActiveAllocations(ctx, l.groupID, l.clusterID, l.today)
}

// ClosingAllocations returns expired allocations awaiting a final usage
// value, earliest expiry first.
func (l *Ledger) ClosingAllocations(ctx context.Context) ([]models.Allocation, error) {
	return l.store.ClosingAllocations(ctx, l.groupID, l.clusterID, l.today)
}

// HistoricalUsage returns the total final usage across all expired
// allocations.
func (l *Ledger) HistoricalUsage(ctx context.Context) (int64, error) {
	return l.store.HistoricalUsage(ctx, l.groupID, l.clusterID, l.today)
}

// ActiveServiceUnits returns the total awarded service units across active
// allocations.
func (l *Ledger) ActiveServiceUnits(ctx context.Context) (int64, error) {
	return l.store.ActiveServiceUnits(ctx, l.groupID, l.clusterID, l.today)
}
