// Package models defines the database models of clusters, research groups,
// allocation requests and allocations
package models

import (
	"database/sql"
	"time"

	"github.com/hpcops/allocsync/internal/structset"
)

const (
	clustersTableName    = "clusters"
	groupsTableName      = "research_groups"
	requestsTableName    = "allocation_requests"
	allocationsTableName = "allocations"
)

// RequestStatus enumerates the review states of an allocation request.
type RequestStatus string

// Allocation request review states. Only approved requests contribute to
// cluster limits.
const (
	StatusPending          RequestStatus = "PD"
	StatusApproved         RequestStatus = "AP"
	StatusDeclined         RequestStatus = "DC"
	StatusChangesRequested RequestStatus = "CR"
)

// Valid returns true when s is one of the known review states.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDeclined, StatusChangesRequested:
		return true
	}

	return false
}

// Cluster identifies a managed SLURM cluster. Records are created and updated
// by external admin tooling and are read-only to the reconciler.
type Cluster struct {
	ID           int64  `json:"-"                       sql:"id"            sqlitetype:"integer not null primary key"`
	Name         string `json:"name"                    sql:"name"          sqlitetype:"text"`    // Cluster name as known to slurmdbd
	Enabled      bool   `json:"enabled"                 sql:"enabled"       sqlitetype:"integer"` // Disabled clusters are skipped entirely
	APIURL       string `json:"api_url,omitempty"       sql:"api_url"       sqlitetype:"text"`    // slurmrestd endpoint, reserved for REST transport
	APIUser      string `json:"api_user,omitempty"      sql:"api_user"      sqlitetype:"text"`
	APIToken     string `json:"-"                       sql:"api_token"     sqlitetype:"text"`
	SacctmgrPath string `json:"sacctmgr_path,omitempty" sql:"sacctmgr_path" sqlitetype:"text"` // Per-cluster override of sacctmgr executable
	SsharePath   string `json:"sshare_path,omitempty"   sql:"sshare_path"   sqlitetype:"text"` // Per-cluster override of sshare executable
}

// TableName returns the table which clusters are stored into.
func (Cluster) TableName() string {
	return clustersTableName
}

// TagNames returns a slice of all tag names.
func (c Cluster) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(c, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag.
func (c Cluster) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(c, keyTag, valueTag)
}

// ResearchGroup maps 1:1 to an accounting entity (account) on a cluster.
// Records are owned by the user management subsystem; the reconciler only ever
// writes the initial usage baseline, and only once.
type ResearchGroup struct {
	ID           int64         `json:"-"    sql:"id"            sqlitetype:"integer not null primary key"`
	Name         string        `json:"name" sql:"name"          sqlitetype:"text"`
	InitialUsage sql.NullInt64 `json:"-"    sql:"initial_usage" sqlitetype:"integer"` // Raw usage in minutes when the group's first allocation began
}

// TableName returns the table which research groups are stored into.
func (ResearchGroup) TableName() string {
	return groupsTableName
}

// TagNames returns a slice of all tag names.
func (g ResearchGroup) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(g, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag.
func (g ResearchGroup) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(g, keyTag, valueTag)
}

// AllocationRequest is a time-bounded grant request for one research group.
// Active and expire dates are stored as ISO date strings. A NULL expire date
// means the request never expires.
type AllocationRequest struct {
	ID        int64          `json:"-"         sql:"id"        sqlitetype:"integer not null primary key"`
	GroupID   int64          `json:"-"         sql:"group_id"  sqlitetype:"integer"`
	Title     string         `json:"title"     sql:"title"     sqlitetype:"text"`
	Status    RequestStatus  `json:"status"    sql:"status"    sqlitetype:"text"`
	Submitted string         `json:"submitted" sql:"submitted" sqlitetype:"text"`
	Active    sql.NullString `json:"active"    sql:"active"    sqlitetype:"text"`
	Expire    sql.NullString `json:"expire"    sql:"expire"    sqlitetype:"text"`
}

// TableName returns the table which allocation requests are stored into.
func (AllocationRequest) TableName() string {
	return requestsTableName
}

// TagNames returns a slice of all tag names.
func (r AllocationRequest) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(r, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag.
func (r AllocationRequest) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(r, keyTag, valueTag)
}

// ActiveOn returns true when the request is approved and its validity window
// covers the given day.
func (r AllocationRequest) ActiveOn(today string) bool {
	if r.Status != StatusApproved || !r.Active.Valid || r.Active.String > today {
		return false
	}

	return !r.Expire.Valid || r.Expire.String > today
}

// ExpiredOn returns true when the request is approved and its expiration date
// has passed on the given day.
func (r AllocationRequest) ExpiredOn(today string) bool {
	return r.Status == StatusApproved && r.Expire.Valid && r.Expire.String <= today
}

// Allocation is a per-cluster service unit grant belonging to one allocation
// request. Final usage is NULL until the request expires and the allocation
// is closed, after which it is immutable.
type Allocation struct {
	ID             int64         `json:"-"               sql:"id"              sqlitetype:"integer not null primary key"`
	RequestID      int64         `json:"-"               sql:"request_id"      sqlitetype:"integer"`
	ClusterID      int64         `json:"-"               sql:"cluster_id"      sqlitetype:"integer"`
	Requested      int64         `json:"requested"       sql:"requested"       sqlitetype:"integer"` // Service units asked for
	Awarded        int64         `json:"awarded"         sql:"awarded"         sqlitetype:"integer"` // Service units granted
	Final          sql.NullInt64 `json:"final"           sql:"final"           sqlitetype:"integer"` // Service units actually consumed, set once on close
	IsContributing bool          `json:"is_contributing" sql:"is_contributing" sqlitetype:"integer"` // Whether awarded amount is folded into the cluster limit

	// Expire is the expiration date of the owning request. It is populated by
	// ledger queries for ordering and never written back.
	Expire sql.NullString `json:"expire,omitempty" sql:"-" sqlitetype:"-"`
}

// TableName returns the table which allocations are stored into.
func (Allocation) TableName() string {
	return allocationsTableName
}

// TagNames returns a slice of all tag names.
func (a Allocation) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(a, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag.
func (a Allocation) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(a, keyTag, valueTag)
}

// Today formats t as an ISO date for comparison against stored dates.
func Today(t time.Time) string {
	return t.Format(time.DateOnly)
}
