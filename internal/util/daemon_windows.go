//go:build windows

package util

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// IsDaemonProcess checks if the current process is running as a daemon
func IsDaemonProcess() bool {
	return os.Getenv("_KIROBOX_DAEMON") == "1"
}

// Daemonize detaches the process from the console and re-executes it in the
// background. The parent exits after the child starts.
func Daemonize() error {
	if IsDaemonProcess() {
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := os.Args[1:]

	cmd := exec.Command(execPath, args...)
	cmd.Env = append(os.Environ(), "_KIROBOX_DAEMON=1")

	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	// CREATE_NEW_PROCESS_GROUP (0x200) | DETACHED_PROCESS (0x8)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: 0x00000208,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	os.Exit(0)
	return nil
}
