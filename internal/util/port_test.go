package util

import (
	"net"
	"testing"
	"time"
)

func TestIsPortAvailable(t *testing.T) {
	// Grab a dynamic port so the test never races another process
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("Failed to occupy port for testing: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	if IsPortAvailable(port) {
		t.Errorf("Port %d is occupied but IsPortAvailable returned true", port)
	}

	listener.Close()

	if !IsPortAvailable(port) {
		t.Errorf("Port %d is released but IsPortAvailable returned false", port)
	}
}

func TestGetAvailablePort(t *testing.T) {
	port, err := GetAvailablePort(15000, 15100)
	if err != nil {
		t.Errorf("Failed to get available port: %v", err)
	}
	if port < 15000 || port > 15100 {
		t.Errorf("Port %d is out of range [15000, 15100]", port)
	}
}

func TestWaitForPortAvailable(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("Failed to occupy port for testing: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	go func() {
		time.Sleep(100 * time.Millisecond)
		listener.Close()
	}()

	if err := WaitForPortAvailable(port, 2*time.Second); err != nil {
		t.Errorf("WaitForPortAvailable failed: %v", err)
	}
}

func TestWaitForPortAvailableTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("Failed to occupy port for testing: %v", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	if err := WaitForPortAvailable(port, 200*time.Millisecond); err == nil {
		t.Error("WaitForPortAvailable should time out while port is held")
	}
}
