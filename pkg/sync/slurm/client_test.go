package slurm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/hpcops/allocsync/pkg/sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBillingMinutes(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected int64
	}{
		{
			name:     "sshare raw usage",
			output:   "cpu=4484247,mem=17533536,energy=0,billing=19175\n",
			expected: 19175,
		},
		{
			name:     "sacctmgr run mins limit",
			output:   "billing=10000\n",
			expected: 10000,
		},
		{
			name:     "billing embedded mid string",
			output:   "cpu=100,billing=42,node=2",
			expected: 42,
		},
		{
			name:     "no billing field",
			output:   "cpu=100,mem=200",
			expected: 0,
		},
		{
			name:     "empty output",
			output:   "",
			expected: 0,
		},
		{
			name:     "non numeric billing",
			output:   "billing=abc",
			expected: 0,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, parseBillingMinutes(test.output))
		})
	}
}

func TestParseAccounts(t *testing.T) {
	// Association listings repeat the account once per user and include the
	// root account that owns the tree
	out := "root\ngrp1\ngrp1\ngrp2\n\ngrp1\ngrp3\n"

	assert.Equal(t, []string{"grp1", "grp2", "grp3"}, parseAccounts(out))
}

func TestParseAccountsEmpty(t *testing.T) {
	assert.Empty(t, parseAccounts(""))
	assert.Empty(t, parseAccounts("root\n"))
}

func newTestClient(t *testing.T, sacctmgr string, sshare string) Client {
	t.Helper()

	client, err := NewClient(&Config{
		Logger:         log.NewNopLogger(),
		Cluster:        models.Cluster{Name: "c1"},
		CommandTimeout: 5 * time.Second,
		SacctmgrPath:   sacctmgr,
		SsharePath:     sshare,
	})
	require.NoError(t, err)

	return client
}

func TestSetLimit(t *testing.T) {
	// echo accepts any args and exits zero
	client := newTestClient(t, "/bin/echo", "/bin/echo")

	err := client.SetLimit(context.Background(), "grp1", 1500)
	assert.NoError(t, err)
}

func TestSetLimitCommandError(t *testing.T) {
	client := newTestClient(t, "/bin/false", "/bin/false")

	err := client.SetLimit(context.Background(), "grp1", 1500)
	require.Error(t, err)

	var cmdErr *CommandError

	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "grp1", cmdErr.Account)
	assert.Equal(t, "c1", cmdErr.Cluster)
}

func TestUsageNoHistory(t *testing.T) {
	// echo reflects the args which contain no billing= pair, so the reading
	// falls back to zero
	client := newTestClient(t, "/bin/echo", "/bin/echo")

	usage, err := client.Usage(context.Background(), "grp1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)
}

func TestClusterPathOverrideWins(t *testing.T) {
	client, err := NewClient(&Config{
		Logger:       log.NewNopLogger(),
		Cluster:      models.Cluster{Name: "c1", SacctmgrPath: "/bin/echo", SsharePath: "/bin/echo"},
		SacctmgrPath: "/nonexistent/sacctmgr",
		SsharePath:   "/nonexistent/sshare",
	})
	require.NoError(t, err)

	sc, ok := client.(*sacctClient)
	require.True(t, ok)
	assert.Equal(t, "/bin/echo", sc.sacctmgrPath)
	assert.Equal(t, "/bin/echo", sc.ssharePath)
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{
		Cmd:     "sacctmgr show association",
		Account: "grp1",
		Cluster: "c1",
		Output:  "sacctmgr: error: slurmdbd unreachable\n",
		Err:     errors.New("exit status 1"),
	}

	assert.Contains(t, err.Error(), "grp1")
	assert.Contains(t, err.Error(), "c1")
	assert.Contains(t, err.Error(), "slurmdbd unreachable")
}
