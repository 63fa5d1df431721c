//go:build !windows

package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// FileLock manages exclusive file locking for single-instance enforcement.
// The lock is automatically released when the process dies, even if it crashes.
// It also stores the current process PID for signal-based shutdown.
type FileLock struct {
	lockFile string
	pidFile  string
	file     *os.File
	pid      int
}

// NewFileLock creates a new file lock instance.
// The lock file will be created in the specified config directory.
func NewFileLock(configDir string) *FileLock {
	return &FileLock{
		lockFile: filepath.Join(configDir, "kirobox-server.lock"),
		pidFile:  filepath.Join(configDir, "kirobox-server.pid"),
	}
}

// TryLock attempts to acquire the file lock.
// Returns an error if the lock is already held by another process.
// On success, stores the current process PID in a separate PID file for
// shutdown signals.
func (fl *FileLock) TryLock() error {
	var err error
	fl.file, err = os.OpenFile(fl.lockFile, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("lock already held: server may already be running")
	}

	fl.pid = os.Getpid()
	if err := os.WriteFile(fl.pidFile, []byte(strconv.Itoa(fl.pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	return nil
}

// Unlock releases the file lock.
// Safe to call multiple times; subsequent calls are no-ops.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	_ = syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)

	closeErr := fl.file.Close()
	fl.file = nil

	_ = os.Remove(fl.lockFile)
	_ = os.Remove(fl.pidFile)

	if closeErr != nil {
		return fmt.Errorf("failed to close lock file: %w", closeErr)
	}

	return nil
}

// IsLocked checks if the lock is currently held. It probes with a fresh
// file description, so a lock held by this process also reads as locked.
func (fl *FileLock) IsLocked() bool {
	file, err := os.OpenFile(fl.lockFile, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return true
	}
	_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	return false
}

// GetLockFilePath returns the lock file path for debugging purposes.
func (fl *FileLock) GetLockFilePath() string {
	return fl.lockFile
}

// GetPID returns the PID stored in the PID file.
// Returns an error if the PID file doesn't exist or contains invalid data.
func (fl *FileLock) GetPID() (int, error) {
	data, err := os.ReadFile(fl.pidFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	if len(data) == 0 {
		return 0, fmt.Errorf("PID file is empty")
	}

	pidStr := string(data)
	for i, c := range pidStr {
		if c == '\n' {
			pidStr = pidStr[:i]
			break
		}
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in PID file: %w", err)
	}

	return pid, nil
}
