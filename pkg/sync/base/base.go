// Package base defines the names and variables that have global scope
// throughout the app and can be used in other subpackages
package base

import (
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/hpcops/allocsync/pkg/sync/models"
)

// AllocSyncAppName is kingpin app name
const AllocSyncAppName = "allocsync"

// AllocSyncApp is kingpin app
var AllocSyncApp = *kingpin.New(
	AllocSyncAppName,
	"Daemon that reconciles per-account billing limits on SLURM clusters with awarded allocations.",
)

// DateLayout used for allocation activation and expiration dates. Dates are
// stored day-granular as ISO strings so that lexicographic comparison matches
// chronological comparison both in SQL and in Go.
const DateLayout = time.DateOnly

// DB table names
var (
	ClustersDBTableName    = models.Cluster{}.TableName()
	GroupsDBTableName      = models.ResearchGroup{}.TableName()
	RequestsDBTableName    = models.AllocationRequest{}.TableName()
	AllocationsDBTableName = models.Allocation{}.TableName()
)

// Slices of all DB column names
var (
	ClustersDBTableColNames    = models.Cluster{}.TagNames("sql")
	GroupsDBTableColNames      = models.ResearchGroup{}.TagNames("sql")
	RequestsDBTableColNames    = models.AllocationRequest{}.TagNames("sql")
	AllocationsDBTableColNames = models.Allocation{}.TagNames("sql")
)
