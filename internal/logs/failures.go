package logs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	failureLogName    = "failed_sessions.log"
	failureBackupGlob = "failed_sessions.backup.*.log"
	keepBackups       = 5
)

// FailureLogPath returns the failed session log inside dataDir.
func FailureLogPath(dataDir string) string {
	return filepath.Join(dataDir, failureLogName)
}

// LogSessionFailure appends one categorized entry for a failed session.
// Format: timestamp [ERROR] Server "id" | Type: t | Exit: n | Error: msg | Suggestions: a; b
func LogSessionFailure(dataDir, serverID, errorMsg string, exitCode int) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	f, err := os.OpenFile(FailureLogPath(dataDir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", failureLogName, err)
	}
	defer f.Close()

	errorType, suggestions := categorizeError(errorMsg)
	// Keep one entry per line
	errorMsg = strings.ReplaceAll(errorMsg, "\n", " ")

	line := fmt.Sprintf("%s\t[ERROR]\tServer %q | Type: %s | Exit: %d | Error: %s | Suggestions: %s\n",
		time.Now().Format("2006-01-02 15:04:05"), serverID, errorType, exitCode, errorMsg,
		strings.Join(suggestions, "; "))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to %s: %w", failureLogName, err)
	}
	return nil
}

// ReadFailures returns the entries of the failed session log, oldest first.
// A missing log has no entries.
func ReadFailures(dataDir string) ([]string, error) {
	f, err := os.Open(FailureLogPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// categorizeError maps a failure message to a type and user suggestions
func categorizeError(errMsg string) (string, []string) {
	if errMsg == "" {
		return "unknown", []string{"No error details available"}
	}

	errStr := strings.ToLower(errMsg)

	switch {
	case strings.Contains(errStr, "address in use") ||
		strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "is not available"):
		return "port_in_use", []string{
			"Stop the other program listening on the local SOCKS5 port",
			"Choose another port with proxy.local-port",
		}

	case strings.Contains(errStr, "python") ||
		strings.Contains(errStr, "proxy script") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "executable file not found"):
		return "missing_runtime", []string{
			"Install Python 3.7 or newer and add it to PATH",
			"Set proxy.interpreter and proxy.script explicitly",
		}

	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded"):
		return "timeout", []string{
			"Check that the server is online",
			"Run a reachability probe against the server",
		}

	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "network is unreachable"):
		return "network", []string{
			"Verify the server host and port",
			"Check firewall settings on both ends",
		}

	case strings.Contains(errStr, "password") ||
		strings.Contains(errStr, "auth"):
		return "auth", []string{
			"Check the password for this server",
		}
	}

	return "unknown", []string{"Check the proxy output in the event log"}
}

// BackupAndClearFailureLog moves the current entries into a timestamped
// backup and truncates the log. Only the newest backups are kept.
func BackupAndClearFailureLog(dataDir string) error {
	logPath := FailureLogPath(dataDir)

	content, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read log for backup: %w", err)
	}

	if len(content) > 0 {
		backupPath := filepath.Join(dataDir,
			fmt.Sprintf("failed_sessions.backup.%s.log", time.Now().Format("20060102-150405.000")))
		if err := os.WriteFile(backupPath, content, 0o600); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		if err := cleanOldBackups(dataDir, keepBackups); err != nil {
			return err
		}
	}

	if err := os.Truncate(logPath, 0); err != nil {
		return fmt.Errorf("failed to clear log: %w", err)
	}
	return nil
}

// cleanOldBackups removes old backup files, keeping only the most recent N backups
func cleanOldBackups(dataDir string, keepCount int) error {
	files, err := filepath.Glob(filepath.Join(dataDir, failureBackupGlob))
	if err != nil {
		return fmt.Errorf("failed to list backup files: %w", err)
	}
	if len(files) <= keepCount {
		return nil
	}

	// Timestamped names sort chronologically
	sort.Strings(files)
	for _, file := range files[:len(files)-keepCount] {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup %s: %w", file, err)
		}
	}
	return nil
}
