package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-kit/log"
	"github.com/hpcops/allocsync/pkg/sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const today = "2024-06-15"

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(&Config{
		Logger:   log.NewNopLogger(),
		DataPath: t.TempDir(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: true}
}

// seedGroup inserts a research group with one cluster and returns both IDs.
func seedGroup(t *testing.T, store *Store) (int64, int64) {
	t.Helper()

	ctx := context.Background()

	clusterID, err := store.InsertCluster(ctx, models.Cluster{Name: "c1", Enabled: true})
	require.NoError(t, err)

	groupID, err := store.InsertResearchGroup(ctx, models.ResearchGroup{Name: "grp1"})
	require.NoError(t, err)

	return groupID, clusterID
}

// seedAllocation inserts a request with the given window and status and one
// allocation under it, returning the allocation ID.
func seedAllocation(t *testing.T, store *Store, groupID int64, clusterID int64, status models.RequestStatus, active string, expire string, awarded int64, final sql.NullInt64) int64 {
	t.Helper()

	ctx := context.Background()

	request := models.AllocationRequest{
		GroupID:   groupID,
		Title:     "test request",
		Status:    status,
		Submitted: today,
	}
	if active != "" {
		request.Active = nullString(active)
	}

	if expire != "" {
		request.Expire = nullString(expire)
	}

	requestID, err := store.InsertAllocationRequest(ctx, request)
	require.NoError(t, err)

	allocationID, err := store.InsertAllocation(ctx, models.Allocation{
		RequestID: requestID,
		ClusterID: clusterID,
		Requested: awarded,
		Awarded:   awarded,
		Final:     final,
	})
	require.NoError(t, err)

	return allocationID
}

func TestEnabledClusters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertCluster(ctx, models.Cluster{Name: "c2", Enabled: true})
	require.NoError(t, err)
	_, err = store.InsertCluster(ctx, models.Cluster{Name: "c1", Enabled: true})
	require.NoError(t, err)
	_, err = store.InsertCluster(ctx, models.Cluster{Name: "c3", Enabled: false})
	require.NoError(t, err)

	clusters, err := store.EnabledClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, "c1", clusters[0].Name)
	assert.Equal(t, "c2", clusters[1].Name)
}

func TestResearchGroupNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ResearchGroup(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestSetInitialUsageOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	groupID, err := store.InsertResearchGroup(ctx, models.ResearchGroup{Name: "grp1"})
	require.NoError(t, err)

	require.NoError(t, store.SetInitialUsage(ctx, groupID, 500))

	// Second write is a no-op
	require.NoError(t, store.SetInitialUsage(ctx, groupID, 9000))

	group, err := store.ResearchGroup(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, nullInt64(500), group.InitialUsage)
}

func TestZeroDefaultAggregates(t *testing.T) {
	store := newTestStore(t)
	groupID, clusterID := seedGroup(t, store)
	ctx := context.Background()

	// No allocations at all: sums must be zero, never NULL
	historical, err := store.HistoricalUsage(ctx, groupID, clusterID, today)
	require.NoError(t, err)
	assert.Equal(t, int64(0), historical)

	active, err := store.ActiveServiceUnits(ctx, groupID, clusterID, today)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
}

func TestActiveAllocations(t *testing.T) {
	store := newTestStore(t)
	groupID, clusterID := seedGroup(t, store)
	ctx := context.Background()

	// In window, expiring soon
	soonID := seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2024-01-01", "2024-07-01", 1000, sql.NullInt64{})
	// In window, expiring later
	laterID := seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2024-01-01", "2024-12-01", 2000, sql.NullInt64{})
	// In window, never expires: sorts last
	foreverID := seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2024-01-01", "", 3000, sql.NullInt64{})
	// Approved but not started yet
	seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2024-07-01", "2024-12-31", 500, sql.NullInt64{})
	// Expired
	seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2023-01-01", "2024-01-01", 500, sql.NullInt64{})
	// In window but only pending review
	seedAllocation(t, store, groupID, clusterID, models.StatusPending, "2024-01-01", "2024-12-01", 500, sql.NullInt64{})

	active, err := store.ActiveAllocations(ctx, groupID, clusterID, today)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, soonID, active[0].ID)
	assert.Equal(t, laterID, active[1].ID)
	assert.Equal(t, foreverID, active[2].ID)

	sus, err := store.ActiveServiceUnits(ctx, groupID, clusterID, today)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), sus)
}

func TestClosingAllocationsOrder(t *testing.T) {
	store := newTestStore(t)
	groupID, clusterID := seedGroup(t, store)
	ctx := context.Background()

	// Inserted out of expire order on purpose
	secondID := seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2023-06-01", "2024-06-01", 5000, sql.NullInt64{})
	firstID := seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2023-01-01", "2024-01-01", 5000, sql.NullInt64{})
	// Already closed: not a closing allocation
	seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2023-01-01", "2024-02-01", 1000, nullInt64(800))
	// Declined requests never close
	seedAllocation(t, store, groupID, clusterID, models.StatusDeclined, "2023-01-01", "2024-01-01", 1000, sql.NullInt64{})

	closing, err := store.ClosingAllocations(ctx, groupID, clusterID, today)
	require.NoError(t, err)
	require.Len(t, closing, 2)
	assert.Equal(t, firstID, closing[0].ID)
	assert.Equal(t, secondID, closing[1].ID)
	assert.Equal(t, "2024-01-01", closing[0].Expire.String)
}

func TestHistoricalUsage(t *testing.T) {
	store := newTestStore(t)
	groupID, clusterID := seedGroup(t, store)
	ctx := context.Background()

	seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2023-01-01", "2024-01-01", 5000, nullInt64(4000))
	seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2023-06-01", "2024-06-01", 5000, nullInt64(500))
	// Expired but unclosed allocations contribute nothing yet
	seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2023-06-01", "2024-06-02", 5000, sql.NullInt64{})
	// Active allocations never contribute
	seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2024-01-01", "2024-12-01", 5000, sql.NullInt64{})

	historical, err := store.HistoricalUsage(ctx, groupID, clusterID, today)
	require.NoError(t, err)
	assert.Equal(t, int64(4500), historical)
}

func TestCloseAllocationSetOnce(t *testing.T) {
	store := newTestStore(t)
	groupID, clusterID := seedGroup(t, store)
	ctx := context.Background()

	id := seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2023-01-01", "2024-01-01", 5000, sql.NullInt64{})

	closed, err := store.CloseAllocation(ctx, id, 3000)
	require.NoError(t, err)
	assert.True(t, closed)

	// Final is immutable once set
	closed, err = store.CloseAllocation(ctx, id, 9999)
	require.NoError(t, err)
	assert.False(t, closed)

	alloc, err := store.Allocation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, nullInt64(3000), alloc.Final)
	assert.False(t, alloc.IsContributing)
}

func TestSetContributing(t *testing.T) {
	store := newTestStore(t)
	groupID, clusterID := seedGroup(t, store)
	ctx := context.Background()

	id := seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2024-01-01", "2024-12-01", 1000, sql.NullInt64{})

	require.NoError(t, store.SetContributing(ctx, []int64{id}, true))

	alloc, err := store.Allocation(ctx, id)
	require.NoError(t, err)
	assert.True(t, alloc.IsContributing)

	// Empty ID slice is a no-op
	require.NoError(t, store.SetContributing(ctx, nil, true))
}

func TestInsertAllocationRequestValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertAllocationRequest(ctx, models.AllocationRequest{
		Status: "XX",
	})
	assert.Error(t, err)

	_, err = store.InsertAllocationRequest(ctx, models.AllocationRequest{
		Status: models.StatusApproved,
		Active: nullString("2024-06-01"),
		Expire: nullString("2024-01-01"),
	})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	// Never-expiring request passes window validation
	_, err = store.InsertAllocationRequest(ctx, models.AllocationRequest{
		Status: models.StatusApproved,
		Active: nullString("2024-01-01"),
	})
	assert.NoError(t, err)
}

func TestClusterScoping(t *testing.T) {
	store := newTestStore(t)
	groupID, clusterID := seedGroup(t, store)
	ctx := context.Background()

	otherClusterID, err := store.InsertCluster(ctx, models.Cluster{Name: "c2", Enabled: true})
	require.NoError(t, err)

	seedAllocation(t, store, groupID, clusterID, models.StatusApproved, "2024-01-01", "2024-12-01", 1000, sql.NullInt64{})
	seedAllocation(t, store, groupID, otherClusterID, models.StatusApproved, "2024-01-01", "2024-12-01", 9000, sql.NullInt64{})

	sus, err := store.ActiveServiceUnits(ctx, groupID, clusterID, today)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sus)
}
