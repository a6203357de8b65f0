//go:build unix && !linux

package session

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup configures the process to create its own process group
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
