package session

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the proxy in its own process group and has the
// kernel kill it if this process dies first.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
