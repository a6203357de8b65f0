package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConfigured rejects a start on a placeholder or loopback endpoint
	ErrNotConfigured = errors.New("server is not configured")
	// ErrDependencyMissing means the proxy runtime or script could not be found
	ErrDependencyMissing = errors.New("proxy dependency missing")
	// ErrLaunchFailed means the proxy process could not be started
	ErrLaunchFailed = errors.New("failed to launch proxy process")
	// ErrExitedUnexpectedly means the proxy process ended without being stopped
	ErrExitedUnexpectedly = errors.New("proxy process exited unexpectedly")
	// ErrAlreadyActive rejects a start while Connecting or Connected
	ErrAlreadyActive = errors.New("a session is already active")
	// ErrUnknownServer is returned by callers resolving a server id
	ErrUnknownServer = errors.New("unknown server")
	// ErrClosed rejects operations after Close
	ErrClosed = errors.New("session closed")
)

// ExitError describes an unexpected proxy exit.
type ExitError struct {
	// Code is the exit status, or -1 when the process was killed by a signal
	Code int
	// Tail holds the last output lines, tagged like the event log
	Tail []string
	// During is true when the exit happened inside the grace period
	During bool
}

func (e *ExitError) Error() string {
	var b strings.Builder
	b.WriteString(ErrExitedUnexpectedly.Error())
	fmt.Fprintf(&b, " (exit status %d)", e.Code)
	if e.During {
		b.WriteString(" during startup")
	}
	if n := len(e.Tail); n > 0 {
		b.WriteString(": ")
		b.WriteString(e.Tail[n-1])
	}
	return b.String()
}

// Is makes errors.Is(err, ErrExitedUnexpectedly) hold.
func (e *ExitError) Is(target error) bool { return target == ErrExitedUnexpectedly }
