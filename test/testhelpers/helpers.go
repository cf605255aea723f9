// Package testhelpers provides common utilities and helper functions for
// testing the Courier router and client transport.
//
// This package contains reusable test utilities that are shared across the
// integration tests. It provides functions for starting a router on a free
// port, building fast client configurations, and connecting transports, to
// reduce code duplication in test files.
package testhelpers

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/courier/internal/client"
	"github.com/Tyrowin/courier/internal/server"
	"github.com/Tyrowin/courier/internal/storage"
)

// FreePort reserves an ephemeral TCP port and releases it so the caller can
// bind it. The small race with other processes is acceptable in tests.
func FreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		t.Fatalf("Failed to release reserved port: %v", err)
	}
	return port
}

// RouterConfig returns a router configuration with timings tightened for
// tests, bound to 127.0.0.1 on the given port.
func RouterConfig(port int) *server.Config {
	cfg := server.NewConfig()
	cfg.ListenAddr = "127.0.0.1"
	cfg.ListenPort = port
	cfg.AcceptTimeout = 20 * time.Millisecond
	cfg.PollTimeout = 5 * time.Millisecond
	cfg.ReadTimeout = 200 * time.Millisecond
	cfg.WriteTimeout = 200 * time.Millisecond
	return cfg
}

// StartRouter brings up a router on a free port with its own directory and
// metrics registry, and registers a cleanup that shuts it down. It returns
// the router, its directory, and the port it listens on.
func StartRouter(t *testing.T) (*server.Router, *storage.MemoryDirectory, int) {
	t.Helper()

	port := FreePort(t)
	store := storage.NewMemoryDirectory()
	router := server.NewRouter(RouterConfig(port), store, server.NewMetrics(prometheus.NewRegistry()))

	if err := router.Listen(); err != nil {
		t.Fatalf("Failed to start router: %v", err)
	}
	go router.Run()
	t.Cleanup(func() {
		if err := router.Shutdown(2 * time.Second); err != nil {
			t.Logf("Router shutdown: %v", err)
		}
	})
	return router, store, port
}

// ClientConfig returns a transport configuration with timings tightened for
// tests, pointed at 127.0.0.1 on the given port.
func ClientConfig(username string, port int) *client.Config {
	cfg := client.NewConfig()
	cfg.ServerPort = port
	cfg.Username = username
	cfg.ConnectAttempts = 3
	cfg.ConnectBackoff = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollTimeout = 10 * time.Millisecond
	return cfg
}

// ConnectClient connects a transport for username to the router on port and
// registers a cleanup that shuts it down. It returns the transport and its
// roster cache.
func ConnectClient(t *testing.T, username string, port int) (*client.Transport, *storage.MemoryRoster) {
	t.Helper()

	roster := storage.NewMemoryRoster()
	transport := client.NewTransport(ClientConfig(username, port), roster)
	if err := transport.Connect(); err != nil {
		t.Fatalf("Failed to connect %q: %v", username, err)
	}
	t.Cleanup(transport.Shutdown)
	return transport, roster
}

// WaitFor polls condition every 10ms until it holds or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// WaitForNotification reads from the transport's notification stream until a
// notification of the wanted kind arrives or the timeout elapses.
func WaitForNotification(t *testing.T, transport *client.Transport, kind client.NotificationKind, timeout time.Duration) client.Notification {
	t.Helper()

	expire := time.After(timeout)
	for {
		select {
		case n, ok := <-transport.Notifications():
			if !ok {
				t.Fatalf("Notification channel closed while waiting for %q", kind)
			}
			if n.Kind == kind {
				return n
			}
		case <-expire:
			t.Fatalf("Timed out waiting for a %q notification", kind)
		}
	}
}
