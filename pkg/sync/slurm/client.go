// Package slurm implements the accounting client used to query and set
// per-account billing limits on SLURM clusters
package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hpcops/allocsync/internal/osexec"
	"github.com/hpcops/allocsync/pkg/sync/models"
)

// Default executables used to talk to slurmdbd. Paths can be overridden
// globally in the config file or per cluster in the cluster record.
const (
	sacctmgrCmd = "sacctmgr"
	sshareCmd   = "sshare"
)

// Account that owns all other accounts in the SLURM association tree. It is
// never reconciled.
const rootAccount = "root"

// defaultCommandTimeout bounds a single accounting command. A stuck command
// aborts one account's reconciliation, not the whole sweep.
const defaultCommandTimeout = 30 * time.Second

// TRES strings give billing minutes as billing=N among other key=value pairs.
var billingRegex = regexp.MustCompile(`billing=(\d+)`)

// Client queries and mutates per-account usage limits on one cluster. All
// values are whole billing minutes.
type Client interface {
	// Accounts lists account names known to the cluster, root excluded.
	Accounts(ctx context.Context) ([]string, error)
	// Usage returns the total billable raw usage consumed by the account
	// since its accounting record was created. Accounts without history
	// report zero.
	Usage(ctx context.Context, account string) (int64, error)
	// Limit returns the billing minutes ceiling currently configured for the
	// account. Unset or unparseable limits report zero.
	Limit(ctx context.Context, account string) (int64, error)
	// SetLimit overwrites the billing minutes ceiling of the account.
	SetLimit(ctx context.Context, account string, minutes int64) error
}

// CommandError is returned when an accounting command fails.
type CommandError struct {
	Cmd     string
	Account string
	Cluster string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf(
		"accounting command %q failed for account %q on cluster %q: %v: %s",
		e.Cmd, e.Account, e.Cluster, e.Err, strings.TrimSpace(e.Output),
	)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Config makes an accounting client config for one cluster.
type Config struct {
	Logger         log.Logger
	Cluster        models.Cluster
	CommandTimeout time.Duration
	SacctmgrPath   string
	SsharePath     string
}

// sacctClient talks to slurmdbd through sacctmgr and sshare. Commands are
// built as argv slices, never interpolated into a shell string.
type sacctClient struct {
	logger       log.Logger
	cluster      models.Cluster
	timeout      time.Duration
	sacctmgrPath string
	ssharePath   string
}

// NewClient returns an accounting client for the given cluster. Executable
// paths are resolved at construction: the cluster record override wins over
// the config override, which wins over PATH lookup.
func NewClient(c *Config) (Client, error) {
	sacctmgrPath, err := lookupCmd(c.Cluster.SacctmgrPath, c.SacctmgrPath, sacctmgrCmd)
	if err != nil {
		return nil, err
	}

	ssharePath, err := lookupCmd(c.Cluster.SsharePath, c.SsharePath, sshareCmd)
	if err != nil {
		return nil, err
	}

	timeout := c.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	level.Debug(c.Logger).
		Log("msg", "Accounting client created", "cluster", c.Cluster.Name, "sacctmgr", sacctmgrPath, "sshare", ssharePath)

	return &sacctClient{
		logger:       c.Logger,
		cluster:      c.Cluster,
		timeout:      timeout,
		sacctmgrPath: sacctmgrPath,
		ssharePath:   ssharePath,
	}, nil
}

func lookupCmd(clusterOverride string, configOverride string, name string) (string, error) {
	if clusterOverride != "" {
		return clusterOverride, nil
	}

	if configOverride != "" {
		return configOverride, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("failed to find %s executable on PATH: %w", name, err)
	}

	return path, nil
}

// run executes an accounting command with the per-call timeout and wraps any
// failure in a CommandError.
func (c *sacctClient) run(ctx context.Context, account string, path string, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := osexec.ExecuteContext(ctx, path, args, nil)
	if err != nil {
		return nil, &CommandError{
			Cmd:     path + " " + strings.Join(args, " "),
			Account: account,
			Cluster: c.cluster.Name,
			Output:  string(out),
			Err:     err,
		}
	}

	return out, nil
}

// Accounts lists the accounts in the cluster's association tree.
func (c *sacctClient) Accounts(ctx context.Context) ([]string, error) {
	args := []string{
		"show", "-nP", "association",
		"where", "cluster=" + c.cluster.Name,
		"format=Account",
	}

	out, err := c.run(ctx, "", c.sacctmgrPath, args)
	if err != nil {
		return nil, err
	}

	return parseAccounts(string(out)), nil
}

// Usage returns the billing raw usage of the account in minutes.
func (c *sacctClient) Usage(ctx context.Context, account string) (int64, error) {
	args := []string{
		"-nP",
		"-A", account,
		"-M", c.cluster.Name,
		"-o", "GrpTRESRaw",
	}

	out, err := c.run(ctx, account, c.ssharePath, args)
	if err != nil {
		return 0, err
	}

	return parseBillingMinutes(string(out)), nil
}

// Limit returns the GrpTRESRunMins billing value of the account.
func (c *sacctClient) Limit(ctx context.Context, account string) (int64, error) {
	args := []string{
		"show", "-nP", "association",
		"where", "account=" + account, "cluster=" + c.cluster.Name,
		"format=GrpTRESRunMin",
	}

	out, err := c.run(ctx, account, c.sacctmgrPath, args)
	if err != nil {
		return 0, err
	}

	return parseBillingMinutes(string(out)), nil
}

// SetLimit overwrites the GrpTRESRunMins billing value of the account.
func (c *sacctClient) SetLimit(ctx context.Context, account string, minutes int64) error {
	args := []string{
		"-i", "modify", "account",
		"where", "account=" + account, "cluster=" + c.cluster.Name,
		"set", fmt.Sprintf("GrpTresRunMins=billing=%d", minutes),
	}

	if _, err := c.run(ctx, account, c.sacctmgrPath, args); err != nil {
		return err
	}

	level.Debug(c.logger).
		Log("msg", "Account limit updated", "cluster", c.cluster.Name, "account", account, "limit_mins", minutes)

	return nil
}

// parseAccounts extracts unique account names from an association listing,
// skipping the root account. Associations repeat the account once per user so
// the listing must be deduplicated, preserving first-seen order.
func parseAccounts(out string) []string {
	seen := make(map[string]bool)

	var accounts []string

	for _, line := range strings.Split(out, "\n") {
		account := strings.TrimSpace(line)
		if account == "" || account == rootAccount || seen[account] {
			continue
		}

		seen[account] = true
		accounts = append(accounts, account)
	}

	return accounts
}

// parseBillingMinutes extracts the billing value from TRES key=value output.
// Missing or non-numeric billing fields parse to zero: an account with no
// accounting history or an unset limit is reported as zero usage, not as an
// error.
func parseBillingMinutes(out string) int64 {
	matches := billingRegex.FindStringSubmatch(out)
	if len(matches) != 2 {
		return 0
	}

	minutes, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0
	}

	return minutes
}
