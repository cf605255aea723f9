package client

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Tyrowin/courier/internal/protocol"
	"github.com/Tyrowin/courier/internal/storage"
)

// startFakeRouter listens on an ephemeral port and serves exactly one
// connection with the given script. It returns the port to dial.
func startFakeRouter(t *testing.T, serve func(net.Conn, *protocol.Reader)) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, protocol.NewReader(conn, 0))
	}()

	return listener.Addr().(*net.TCPAddr).Port
}

// scriptedRouter answers the handshake and every later request the way the
// real router would, until the peer disconnects or sends exit.
func scriptedRouter(users, contacts []string) func(net.Conn, *protocol.Reader) {
	return func(conn net.Conn, r *protocol.Reader) {
		for {
			envelope, err := r.ReadEnvelope()
			if err != nil {
				return
			}
			switch envelope.Action {
			case protocol.ActionPresence:
				_ = protocol.WriteEnvelope(conn, protocol.OK())
			case protocol.ActionUsersRequest:
				_ = protocol.WriteEnvelope(conn, protocol.Accepted(users))
			case protocol.ActionGetContacts:
				_ = protocol.WriteEnvelope(conn, protocol.Accepted(contacts))
			case protocol.ActionMessage, protocol.ActionAddContact, protocol.ActionRemoveContact:
				_ = protocol.WriteEnvelope(conn, protocol.OK())
			case protocol.ActionExit:
				return
			}
		}
	}
}

func newTestConfig(port int) *Config {
	cfg := NewConfig()
	cfg.ServerPort = port
	cfg.Username = "alice"
	cfg.ConnectAttempts = 1
	cfg.ConnectBackoff = 10 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollTimeout = 10 * time.Millisecond
	return cfg
}

// freePort reserves an ephemeral port and releases it again, so a test can
// dial an address nothing is listening on (or bring a listener up later).
func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port
}

// TestConnectPerformsHandshakeAndPrimesRoster verifies the full bring-up:
// dial, presence handshake, and the initial users/contacts refresh.
func TestConnectPerformsHandshakeAndPrimesRoster(t *testing.T) {
	port := startFakeRouter(t, scriptedRouter([]string{"alice", "bob"}, []string{"bob"}))

	roster := storage.NewMemoryRoster()
	transport := NewTransport(newTestConfig(port), roster)
	if err := transport.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Shutdown()

	if got := transport.State(); got != StateActive {
		t.Errorf("state after connect = %v, want active", got)
	}
	if users := roster.ListKnownUsers(); len(users) != 2 {
		t.Errorf("known users after refresh = %v", users)
	}
	if contacts := roster.ListContacts(); len(contacts) != 1 || contacts[0] != "bob" {
		t.Errorf("contacts after refresh = %v", contacts)
	}
}

// TestConnectFailsWhenServerUnreachable verifies that exhausting the dial
// attempts surfaces ErrConnectFailed and the transport never goes active.
func TestConnectFailsWhenServerUnreachable(t *testing.T) {
	cfg := newTestConfig(freePort(t))
	cfg.ConnectAttempts = 2

	transport := NewTransport(cfg, storage.NewMemoryRoster())
	err := transport.Connect()
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if got := transport.State(); got != StateClosed {
		t.Errorf("state after failed connect = %v, want closed", got)
	}
}

// TestConnectRetriesUntilServerAppears verifies that a listener coming up
// mid-retry is still reached.
func TestConnectRetriesUntilServerAppears(t *testing.T) {
	port := freePort(t)
	cfg := newTestConfig(port)
	cfg.ConnectAttempts = 10
	cfg.ConnectBackoff = 50 * time.Millisecond

	go func() {
		time.Sleep(150 * time.Millisecond)
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		conn, err := listener.Accept()
		_ = listener.Close()
		if err != nil {
			return
		}
		defer conn.Close()
		scriptedRouter(nil, nil)(conn, protocol.NewReader(conn, 0))
	}()

	transport := NewTransport(cfg, storage.NewMemoryRoster())
	if err := transport.Connect(); err != nil {
		t.Fatalf("connect after retries: %v", err)
	}
	transport.Shutdown()
}

// TestConnectRejectedHandshake verifies that a 400 on the presence
// handshake is fatal and carries the server's error text.
func TestConnectRejectedHandshake(t *testing.T) {
	port := startFakeRouter(t, func(conn net.Conn, r *protocol.Reader) {
		if _, err := r.ReadEnvelope(); err != nil {
			return
		}
		_ = protocol.WriteEnvelope(conn, protocol.BadRequest("username already taken"))
	})

	transport := NewTransport(newTestConfig(port), storage.NewMemoryRoster())
	err := transport.Connect()

	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serverErr.Text != "username already taken" {
		t.Errorf("server error text %q", serverErr.Text)
	}
	if got := transport.State(); got != StateClosed {
		t.Errorf("state after rejected handshake = %v, want closed", got)
	}
}

// TestSendMessageRoundTrip verifies that an accepted message lands in the
// local history.
func TestSendMessageRoundTrip(t *testing.T) {
	port := startFakeRouter(t, scriptedRouter(nil, nil))

	roster := storage.NewMemoryRoster()
	transport := NewTransport(newTestConfig(port), roster)
	if err := transport.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Shutdown()

	if err := transport.SendMessage("bob", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	history := roster.History()
	if len(history) != 1 {
		t.Fatalf("history has %d entries", len(history))
	}
	if history[0].From != "alice" || history[0].To != "bob" || history[0].Text != "hi" {
		t.Errorf("history entry %+v", history[0])
	}
}

// TestSendMessageServerRefusal verifies that a 400 reply surfaces as a
// ServerError and nothing is saved locally.
func TestSendMessageServerRefusal(t *testing.T) {
	port := startFakeRouter(t, func(conn net.Conn, r *protocol.Reader) {
		for {
			envelope, err := r.ReadEnvelope()
			if err != nil {
				return
			}
			switch envelope.Action {
			case protocol.ActionPresence:
				_ = protocol.WriteEnvelope(conn, protocol.OK())
			case protocol.ActionUsersRequest, protocol.ActionGetContacts:
				_ = protocol.WriteEnvelope(conn, protocol.Accepted(nil))
			case protocol.ActionMessage:
				_ = protocol.WriteEnvelope(conn, protocol.BadRequest("destination not registered"))
			case protocol.ActionExit:
				return
			}
		}
	})

	roster := storage.NewMemoryRoster()
	transport := NewTransport(newTestConfig(port), roster)
	if err := transport.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Shutdown()

	err := transport.SendMessage("ghost", "anyone?")
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serverErr.Text != "destination not registered" {
		t.Errorf("server error text %q", serverErr.Text)
	}
	if len(roster.History()) != 0 {
		t.Error("refused message was saved to history")
	}
}

// TestInboundMessageNotifies verifies the receiver duty: a message pushed
// by the server is saved and raised as a notification.
func TestInboundMessageNotifies(t *testing.T) {
	port := startFakeRouter(t, func(conn net.Conn, r *protocol.Reader) {
		handshakes := 0
		for {
			envelope, err := r.ReadEnvelope()
			if err != nil {
				return
			}
			switch envelope.Action {
			case protocol.ActionPresence:
				_ = protocol.WriteEnvelope(conn, protocol.OK())
			case protocol.ActionUsersRequest:
				_ = protocol.WriteEnvelope(conn, protocol.Accepted(nil))
			case protocol.ActionGetContacts:
				_ = protocol.WriteEnvelope(conn, protocol.Accepted(nil))
				handshakes++
				if handshakes == 1 {
					// Bring-up is complete; push an unsolicited message.
					_ = protocol.WriteEnvelope(conn, protocol.NewMessage("bob", "alice", "hello there"))
				}
			case protocol.ActionExit:
				return
			}
		}
	})

	roster := storage.NewMemoryRoster()
	transport := NewTransport(newTestConfig(port), roster)
	if err := transport.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Shutdown()

	select {
	case n := <-transport.Notifications():
		if n.Kind != NotifyNewMessage || n.From != "bob" {
			t.Errorf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no new-message notification")
	}

	history := roster.History()
	if len(history) != 1 || history[0].From != "bob" || history[0].Text != "hello there" {
		t.Errorf("history after inbound message: %+v", history)
	}
}

// TestShutdownSendsExit verifies the clean teardown: the exit envelope goes
// out and the notification channel is closed.
func TestShutdownSendsExit(t *testing.T) {
	exitSeen := make(chan struct{})
	port := startFakeRouter(t, func(conn net.Conn, r *protocol.Reader) {
		for {
			envelope, err := r.ReadEnvelope()
			if err != nil {
				return
			}
			switch envelope.Action {
			case protocol.ActionPresence:
				_ = protocol.WriteEnvelope(conn, protocol.OK())
			case protocol.ActionUsersRequest, protocol.ActionGetContacts:
				_ = protocol.WriteEnvelope(conn, protocol.Accepted(nil))
			case protocol.ActionExit:
				close(exitSeen)
				return
			}
		}
	})

	transport := NewTransport(newTestConfig(port), storage.NewMemoryRoster())
	if err := transport.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	transport.Shutdown()

	select {
	case <-exitSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("exit envelope never arrived")
	}
	if got := transport.State(); got != StateClosed {
		t.Errorf("state after shutdown = %v, want closed", got)
	}
	// The channel must be closed now; drain any trailing notification.
	for range transport.Notifications() {
	}
}

// TestRequestAfterShutdownFails verifies that the transport refuses work
// once it is down.
func TestRequestAfterShutdownFails(t *testing.T) {
	port := startFakeRouter(t, scriptedRouter(nil, nil))

	transport := NewTransport(newTestConfig(port), storage.NewMemoryRoster())
	if err := transport.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	transport.Shutdown()

	if err := transport.SendMessage("bob", "too late"); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
}

// TestConnectionLostNotification verifies that the server vanishing is
// detected by the receiver duty and surfaced.
func TestConnectionLostNotification(t *testing.T) {
	port := startFakeRouter(t, func(conn net.Conn, r *protocol.Reader) {
		for i := 0; i < 3; i++ {
			envelope, err := r.ReadEnvelope()
			if err != nil {
				return
			}
			switch envelope.Action {
			case protocol.ActionPresence:
				_ = protocol.WriteEnvelope(conn, protocol.OK())
			case protocol.ActionUsersRequest, protocol.ActionGetContacts:
				_ = protocol.WriteEnvelope(conn, protocol.Accepted(nil))
			}
		}
		// Handshake plus refresh done; drop the connection.
	})

	transport := NewTransport(newTestConfig(port), storage.NewMemoryRoster())
	if err := transport.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Shutdown()

	select {
	case n := <-transport.Notifications():
		if n.Kind != NotifyConnectionLost {
			t.Errorf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection-lost notification")
	}
	if got := transport.State(); got != StateClosed {
		t.Errorf("state after lost connection = %v, want closed", got)
	}
}

// TestConfigValidate verifies the client-side startup checks.
func TestConfigValidate(t *testing.T) {
	cfg := NewConfig()
	cfg.Username = "alice"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.ServerPort = 80
	if err := cfg.Validate(); err == nil {
		t.Error("privileged port accepted")
	}

	cfg = NewConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("empty username accepted")
	}
}
