// Package osexec implements subprocess execution functions
package osexec

import (
	"context"
	"os"
	"os/exec"
	"syscall"
)

const sudoCmd = "sudo"

// sysProcAttr returns process attributes for the subprocess. Commands run in
// their own process group so that an interrupt delivered to the daemon does
// not kill an in-flight accounting command. sudo gets a terminal-less session
// instead since setsid and setpgid cannot be combined.
func sysProcAttr(cmd string) *syscall.SysProcAttr {
	if cmd == sudoCmd {
		return &syscall.SysProcAttr{Setsid: true}
	}

	return &syscall.SysProcAttr{Setpgid: true}
}

// Execute command and return stdout/stderr.
func Execute(cmd string, args []string, env []string) ([]byte, error) {
	execCmd := exec.Command(cmd, args...)

	// If env is not nil pointer, add env vars into subprocess cmd
	if env != nil {
		execCmd.Env = append(os.Environ(), env...)
	}

	execCmd.SysProcAttr = sysProcAttr(cmd)

	return execCmd.CombinedOutput()
}

// ExecuteContext executes a command with context and return stdout/stderr.
func ExecuteContext(ctx context.Context, cmd string, args []string, env []string) ([]byte, error) {
	execCmd := exec.CommandContext(ctx, cmd, args...)

	// If env is not nil pointer, add env vars into subprocess cmd
	if env != nil {
		execCmd.Env = append(os.Environ(), env...)
	}

	execCmd.SysProcAttr = sysProcAttr(cmd)

	return execCmd.CombinedOutput()
}
