//go:build windows

package session

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

var errNoGracefulStop = errors.New("graceful stop not supported on windows")

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: createNoWindow}
}

// setupProcessGroup starts the proxy without a console window; the tree is
// killed with taskkill.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow | syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// interruptProcessGroup is unavailable for windowless console processes, so
// Stop escalates straight to killProcessGroup.
func interruptProcessGroup(*exec.Cmd) error {
	return errNoGracefulStop
}

// killProcessGroup uses taskkill to terminate the process tree on Windows
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	killCmd := exec.Command("taskkill", "/T", "/F", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	hideWindow(killCmd)
	if err := killCmd.Run(); err != nil {
		// Fallback to direct kill
		_ = cmd.Process.Kill()
		return fmt.Errorf("taskkill failed: %w", err)
	}
	return nil
}
