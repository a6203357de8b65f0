//go:build unix

package session

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

func hideWindow(*exec.Cmd) {}

// interruptProcessGroup asks the whole process group to terminate
func interruptProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGTERM)
}

// killProcessGroup kills the entire process group
func killProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGKILL)
}

func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// The child is its own group leader, so its pid is the pgid. This still
	// reaches surviving children after the leader was reaped.
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		// Fallback to the leader alone
		_ = cmd.Process.Signal(sig)
		return fmt.Errorf("failed to signal process group %d: %w", pgid, err)
	}
	return nil
}
