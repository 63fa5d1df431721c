package util

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// IsPortAvailable reports whether a TCP listener can bind port on all
// interfaces right now. The probe listener is closed immediately, so the
// answer can go stale; treat it as a pre-flight hint, not a reservation.
func IsPortAvailable(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// GetAvailablePort scans [min, max] and returns the first port that
// accepts a bind.
func GetAvailablePort(min, max int) (int, error) {
	for p := min; p <= max; p++ {
		if IsPortAvailable(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no available port in range [%d, %d]", min, max)
}

// WaitForPortAvailable polls until port frees up or timeout passes.
func WaitForPortAvailable(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if IsPortAvailable(port) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("port %d still in use after %v", port, timeout)
}
