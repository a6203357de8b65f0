// Package processlock keeps a single countryvpn instance in charge of the
// proxy session per data directory.
package processlock

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultPIDFile = "countryvpn.pid"
)

// ErrAlreadyRunning means a live process holds the lock
var ErrAlreadyRunning = errors.New("another countryvpn instance is already running")

// ProcessLock manages process-level locking to ensure only one instance runs
type ProcessLock struct {
	pidFile string
	logger  *zap.Logger
	held    bool
}

// New creates a new ProcessLock instance
func New(dataDir string, logger *zap.Logger) *ProcessLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessLock{
		pidFile: filepath.Join(dataDir, defaultPIDFile),
		logger:  logger.Named("processlock"),
	}
}

// Path returns the PID file location.
func (p *ProcessLock) Path() string { return p.pidFile }

// Acquire takes the lock. When localPort is set, the port must also be free
// so two instances never race for the same SOCKS5 listener.
func (p *ProcessLock) Acquire(localPort int) error {
	if localPort > 0 {
		if err := checkPort(localPort); err != nil {
			return fmt.Errorf("port check failed: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(p.pidFile), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := p.writePID()
		if err == nil {
			p.held = true
			p.logger.Info("Process lock acquired",
				zap.Int("pid", os.Getpid()),
				zap.String("pid_file", p.pidFile))
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to write PID file: %w", err)
		}

		pid, err := p.readPID()
		switch {
		case err != nil:
			p.logger.Warn("Failed to read PID file, removing stale lock",
				zap.String("pid_file", p.pidFile),
				zap.Error(err))
		case pid == os.Getpid():
			p.held = true
			return nil
		case isProcessRunning(pid):
			return fmt.Errorf("%w (PID: %d)", ErrAlreadyRunning, pid)
		default:
			p.logger.Warn("Removing stale PID file from dead process",
				zap.Int("pid", pid),
				zap.String("pid_file", p.pidFile))
		}
		if err := os.Remove(p.pidFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return fmt.Errorf("failed to acquire %s", p.pidFile)
}

// Release releases the process lock. It is a no-op when the lock is not held.
func (p *ProcessLock) Release() error {
	if !p.held {
		return nil
	}
	p.held = false

	if err := os.Remove(p.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	p.logger.Info("Process lock released",
		zap.Int("pid", os.Getpid()),
		zap.String("pid_file", p.pidFile))

	return nil
}

// checkPort checks if the local SOCKS5 port is already in use
func checkPort(port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %s is already in use by another process", addr)
	}
	return listener.Close()
}

// readPID reads the PID from the PID file
func (p *ProcessLock) readPID() (int, error) {
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}

	return pid, nil
}

// writePID creates the PID file exclusively
func (p *ProcessLock) writePID() error {
	f, err := os.OpenFile(p.pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(p.pidFile)
		return err
	}
	return f.Close()
}
