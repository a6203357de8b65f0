//go:build windows

package processlock

import "os"

// isProcessRunning relies on FindProcess opening a handle, which fails for
// exited processes on Windows
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = process.Release()
	return true
}
