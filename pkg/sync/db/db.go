// Package db implements the allocation database and the ledger queries that
// the reconciler runs against it
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hpcops/allocsync/pkg/sync/base"
	"github.com/hpcops/allocsync/pkg/sync/db/migrator"
	"github.com/hpcops/allocsync/pkg/sync/models"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Directory containing DB migrations
const migrationsDir = "migrations"

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Custom errors.
var (
	ErrGroupNotFound = errors.New("research group not found")
	ErrInvalidWindow = errors.New("request active date must precede expire date")
)

// Config makes a DB config.
type Config struct {
	Logger   log.Logger
	DataPath string
}

// Store gives access to cluster, research group and allocation records. All
// aggregate queries return zero on empty result sets, never NULL.
type Store struct {
	logger log.Logger
	db     *sql.DB
}

// New creates the data directory if needed, opens the SQLite DB and applies
// pending migrations.
func New(c *Config) (*Store, error) {
	if err := os.MkdirAll(c.DataPath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(c.DataPath, base.AllocSyncAppName+".db")

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open DB file: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	m, err := migrator.New(MigrationsFS, migrationsDir, c.Logger)
	if err != nil {
		return nil, err
	}

	if err := m.ApplyMigrations(db); err != nil {
		return nil, err
	}

	level.Info(c.Logger).Log("msg", "Allocation DB opened", "path", dbPath)

	return &Store{logger: c.Logger, db: db}, nil
}

// Ping checks the DB connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnabledClusters returns all clusters that are enabled for reconciliation.
func (s *Store) EnabledClusters(ctx context.Context) ([]models.Cluster, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE enabled = 1 ORDER BY name",
		strings.Join(base.ClustersDBTableColNames, ","),
		base.ClustersDBTableName,
	)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []models.Cluster

	for rows.Next() {
		var c models.Cluster
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Enabled, &c.APIURL, &c.APIUser, &c.APIToken,
			&c.SacctmgrPath, &c.SsharePath,
		); err != nil {
			return nil, err
		}

		clusters = append(clusters, c)
	}

	return clusters, rows.Err()
}

// ResearchGroup fetches a research group by account name. Returns
// ErrGroupNotFound when no local record exists for the account.
func (s *Store) ResearchGroup(ctx context.Context, name string) (models.ResearchGroup, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE name = ?",
		strings.Join(base.GroupsDBTableColNames, ","),
		base.GroupsDBTableName,
	)

	var g models.ResearchGroup

	err := s.db.QueryRowContext(ctx, query, name).Scan(&g.ID, &g.Name, &g.InitialUsage)
	if errors.Is(err, sql.ErrNoRows) {
		return g, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}

	return g, err
}

// SetInitialUsage records the usage baseline of a research group. The
// baseline is set exactly once: an already populated value is never
// overwritten.
func (s *Store) SetInitialUsage(ctx context.Context, groupID int64, usage int64) error {
	query := fmt.Sprintf(
		"UPDATE %s SET initial_usage = ? WHERE id = ? AND initial_usage IS NULL",
		base.GroupsDBTableName,
	)

	_, err := s.db.ExecContext(ctx, query, usage, groupID)

	return err
}

// Filter clauses shared by the ledger queries. Allocations contribute to the
// limit only while the owning request is approved.
const (
	approvedClause = "r.group_id = ? AND a.cluster_id = ? AND r.status = 'AP'"
	activeClause   = "r.active IS NOT NULL AND r.active <= ? AND (r.expire IS NULL OR r.expire > ?)"
	expiredClause  = "r.expire IS NOT NULL AND r.expire <= ?"
)

func (s *Store) queryAllocations(ctx context.Context, query string, args ...any) ([]models.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []models.Allocation

	for rows.Next() {
		var a models.Allocation
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.ClusterID, &a.Requested, &a.Awarded,
			&a.Final, &a.IsContributing, &a.Expire,
		); err != nil {
			return nil, err
		}

		allocs = append(allocs, a)
	}

	return allocs, rows.Err()
}

// ActiveAllocations returns allocations whose requests are approved and whose
// validity window covers today, soonest expiring first. Never-expiring
// allocations sort last.
func (s *Store) ActiveAllocations(ctx context.Context, groupID int64, clusterID int64, today string) ([]models.Allocation, error) {
	query := fmt.Sprintf(
		`SELECT a.id, a.request_id, a.cluster_id, a.requested, a.awarded, a.final, a.is_contributing, r.expire
FROM %s a JOIN %s r ON r.id = a.request_id
WHERE %s AND %s
ORDER BY r.expire IS NULL, r.expire, a.id`,
		base.AllocationsDBTableName, base.RequestsDBTableName,
		approvedClause, activeClause,
	)

	return s.queryAllocations(ctx, query, groupID, clusterID, today, today)
}

// ClosingAllocations returns allocations that have crossed their expiration
// boundary but have not yet been assigned a final usage value, earliest
// expiry first. The ordering is a correctness requirement: usage is
// attributed to expired allocations in FIFO order.
func (s *Store) ClosingAllocations(ctx context.Context, groupID int64, clusterID int64, today string) ([]models.Allocation, error) {
	query := fmt.Sprintf(
		`SELECT a.id, a.request_id, a.cluster_id, a.requested, a.awarded, a.final, a.is_contributing, r.expire
FROM %s a JOIN %s r ON r.id = a.request_id
WHERE %s AND %s AND a.final IS NULL
ORDER BY r.expire, a.id`,
		base.AllocationsDBTableName, base.RequestsDBTableName,
		approvedClause, expiredClause,
	)

	return s.queryAllocations(ctx, query, groupID, clusterID, today)
}

// HistoricalUsage returns the sum of final usage over all expired allocations
// of the group on the cluster.
func (s *Store) HistoricalUsage(ctx context.Context, groupID int64, clusterID int64, today string) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(a.final), 0)
FROM %s a JOIN %s r ON r.id = a.request_id
WHERE %s AND %s`,
		base.AllocationsDBTableName, base.RequestsDBTableName,
		approvedClause, expiredClause,
	)

	var total int64

	err := s.db.QueryRowContext(ctx, query, groupID, clusterID, today).Scan(&total)

	return total, err
}

// ActiveServiceUnits returns the sum of awarded service units over all active
// allocations of the group on the cluster.
func (s *Store) ActiveServiceUnits(ctx context.Context, groupID int64, clusterID int64, today string) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(a.awarded), 0)
FROM %s a JOIN %s r ON r.id = a.request_id
WHERE %s AND %s`,
		base.AllocationsDBTableName, base.RequestsDBTableName,
		approvedClause, activeClause,
	)

	var total int64

	err := s.db.QueryRowContext(ctx, query, groupID, clusterID, today, today).Scan(&total)

	return total, err
}

// CloseAllocation assigns the final usage value of an expired allocation and
// drops it from the contributing set. The final value is set exactly once:
// the guard on NULL makes a repeated close a no-op. Returns true when this
// call performed the close.
func (s *Store) CloseAllocation(ctx context.Context, id int64, final int64) (bool, error) {
	query := fmt.Sprintf(
		"UPDATE %s SET final = ?, is_contributing = 0 WHERE id = ? AND final IS NULL",
		base.AllocationsDBTableName,
	)

	result, err := s.db.ExecContext(ctx, query, final, id)
	if err != nil {
		return false, err
	}

	closed, err := result.RowsAffected()

	return closed > 0, err
}

// SetContributing flags whether the awarded amounts of the given allocations
// are folded into the current cluster limit.
func (s *Store) SetContributing(ctx context.Context, ids []int64, contributing bool) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(
		"UPDATE %s SET is_contributing = ? WHERE id IN (%s)",
		base.AllocationsDBTableName, placeholders,
	)

	args := make([]any, 0, len(ids)+1)
	args = append(args, contributing)

	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, query, args...)

	return err
}

// InsertCluster adds a cluster record. Used by admin tooling and tests.
func (s *Store) InsertCluster(ctx context.Context, c models.Cluster) (int64, error) {
	query := fmt.Sprintf(
		`INSERT INTO %s (name, enabled, api_url, api_user, api_token, sacctmgr_path, sshare_path)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		base.ClustersDBTableName,
	)

	result, err := s.db.ExecContext(ctx, query, c.Name, c.Enabled, c.APIURL, c.APIUser, c.APIToken, c.SacctmgrPath, c.SsharePath)
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// InsertResearchGroup adds a research group record. Used by admin tooling and
// tests.
func (s *Store) InsertResearchGroup(ctx context.Context, g models.ResearchGroup) (int64, error) {
	query := fmt.Sprintf(
		"INSERT INTO %s (name, initial_usage) VALUES (?, ?)",
		base.GroupsDBTableName,
	)

	result, err := s.db.ExecContext(ctx, query, g.Name, g.InitialUsage)
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// InsertAllocationRequest adds an allocation request record after validating
// the review status and the validity window.
func (s *Store) InsertAllocationRequest(ctx context.Context, r models.AllocationRequest) (int64, error) {
	if !r.Status.Valid() {
		return 0, fmt.Errorf("unknown request status %q", r.Status)
	}

	if r.Active.Valid && r.Expire.Valid && r.Active.String >= r.Expire.String {
		return 0, fmt.Errorf("%w: active %s, expire %s", ErrInvalidWindow, r.Active.String, r.Expire.String)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (group_id, title, status, submitted, active, expire) VALUES (?, ?, ?, ?, ?, ?)",
		base.RequestsDBTableName,
	)

	result, err := s.db.ExecContext(ctx, query, r.GroupID, r.Title, r.Status, r.Submitted, r.Active, r.Expire)
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// InsertAllocation adds an allocation record.
func (s *Store) InsertAllocation(ctx context.Context, a models.Allocation) (int64, error) {
	query := fmt.Sprintf(
		"INSERT INTO %s (request_id, cluster_id, requested, awarded, final, is_contributing) VALUES (?, ?, ?, ?, ?, ?)",
		base.AllocationsDBTableName,
	)

	result, err := s.db.ExecContext(ctx, query, a.RequestID, a.ClusterID, a.Requested, a.Awarded, a.Final, a.IsContributing)
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// Allocation fetches a single allocation by ID. Used by tests and admin
// tooling.
func (s *Store) Allocation(ctx context.Context, id int64) (models.Allocation, error) {
	query := fmt.Sprintf(
		"SELECT id, request_id, cluster_id, requested, awarded, final, is_contributing FROM %s WHERE id = ?",
		base.AllocationsDBTableName,
	)

	var a models.Allocation

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.RequestID, &a.ClusterID, &a.Requested, &a.Awarded, &a.Final, &a.IsContributing,
	)

	return a, err
}
