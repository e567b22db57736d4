package reconciler

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hpcops/allocsync/pkg/sync/models"
)

// CloseExpired assigns final usage values to expired allocations, walking
// them earliest expiry first. Each allocation absorbs as much of the still
// unattributed usage as its award permits; the earliest expiring allocations
// are assumed to have been consumed first. Finals are written through the
// store as they are computed.
//
// Returns the usage left unattributed after all closings. A nonzero
// remainder means the account consumed more than its expired awards cover.
func CloseExpired(ctx context.Context, store Store, closing []models.Allocation, available int64, logger log.Logger) (int64, error) {
	// A negative pool can happen when the usage baseline was never recorded
	// and the cluster's true usage is below what historical records suggest.
	// No allocation may receive a negative final value.
	if available < 0 {
		available = 0
	}

	for _, alloc := range closing {
		final := min(available, alloc.Awarded)

		closed, err := store.CloseAllocation(ctx, alloc.ID, final)
		if err != nil {
			return available, err
		}

		// Already closed by an earlier sweep, leave the pool untouched
		if !closed {
			continue
		}

		available -= final

		level.Info(logger).
			Log("msg", "Allocation closed", "allocation_id", alloc.ID, "awarded", alloc.Awarded,
				"final", final, "expire", alloc.Expire.String)
	}

	return available, nil
}
