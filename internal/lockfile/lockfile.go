// Package lockfile guards the state directory so two distributions never run at once.
//
// The lock is an flock on a file in the state directory. The kernel drops it when the
// process exits, so a crashed run never blocks the next one.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "lsqpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed.
// mode is recorded in the lock file for the benefit of whoever finds it held.
func AcquireLock(stateDir, mode string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Attempting to acquire lock", "lock_path", lockPath, "mode", mode)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory for lock", "error", err, "state_dir", stateDir)
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's details before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		slog.Error("Failed to open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := describeHolder(lockPath)
		slog.Error("Failed to acquire lock - another distribution is running",
			"error", err, "lock_path", lockPath, "holder", info)
		return nil, &LockError{LockPath: lockPath, Holder: info, Cause: err}
	}

	if err := writeHolder(file, mode); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		slog.Error("Failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid(), "mode", mode)
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

func writeHolder(file *os.File, mode string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	info := fmt.Sprintf("pid=%d\nmode=%s\nsince=%s\n", os.Getpid(), mode, time.Now().Format(time.RFC3339))
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// WithLock runs fn while holding the lock on stateDir.
func WithLock(stateDir, mode string, fn func() error) error {
	lock, err := AcquireLock(stateDir, mode)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// Release drops the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	// Remove before unlocking so a waiting process never locks a file that is about
	// to disappear.
	if err := os.Remove(l.path); err != nil {
		slog.Warn("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.acquired = false
	l.file = nil

	slog.Debug("Released state directory lock", "lock_path", l.path)
	return err
}

// LockError reports that another process holds the lock.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another LSQPipe distribution is already running against this state directory (lock file %s)", e.LockPath)
	if e.Holder != "" {
		msg += "; holder: " + e.Holder
	}
	return msg + ". If no such process exists the lock is stale and the file can be removed"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarises the lock file of the current holder.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	fields := parseLockInfo(string(data))
	if len(fields) == 0 {
		return "lock file contains no process information"
	}

	var parts []string
	if pid, err := strconv.Atoi(fields["pid"]); err == nil && pid > 0 {
		state := "not running, stale lock"
		if isProcessRunning(pid) {
			state = "running"
		}
		parts = append(parts, fmt.Sprintf("PID %d (%s)", pid, state))
	}
	if m := fields["mode"]; m != "" {
		parts = append(parts, "mode "+m)
	}
	if s := fields["since"]; s != "" {
		parts = append(parts, "since "+s)
	}
	return strings.Join(parts, ", ")
}

// parseLockInfo reads key=value lines.
func parseLockInfo(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && k != "" {
			fields[k] = v
		}
	}
	return fields
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
