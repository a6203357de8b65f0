//go:build !windows

package processlock

import (
	"errors"
	"os"
	"syscall"
)

// isProcessRunning sends signal 0; EPERM still means the process exists
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
