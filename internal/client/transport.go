// Package client implements the Courier client transport: it dials the
// router, performs the presence handshake, and runs the receiver duty
// alongside user-driven request/response exchanges over one shared socket.
//
// This package only ever dials. Binding, listening, and accepting live in
// the server package; the split is the capability boundary between the two
// halves of the system.
package client

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/courier/internal/protocol"
	"github.com/Tyrowin/courier/internal/storage"
)

// State tracks where the transport is in its lifecycle.
type State int32

// Transport lifecycle states. An I/O fault in StateActive goes straight to
// StateClosed; reconnection only happens during the initial StateConnecting
// phase, never mid-session.
const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateActive
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NotificationKind distinguishes the events the transport surfaces.
type NotificationKind string

// Notification kinds.
const (
	NotifyNewMessage     NotificationKind = "new_message"
	NotifyConnectionLost NotificationKind = "connection_lost"
)

// Notification is one observable transport event: a message arrived, or the
// connection is gone.
type Notification struct {
	Kind NotificationKind
	From string
}

// Transport is the client side of a Courier connection. One mutex guards
// every socket operation, so a request and its reply are always adjacent on
// the wire and the receiver can never interleave a read mid-exchange.
type Transport struct {
	cfg    *Config
	roster storage.Roster

	mu     sync.Mutex
	conn   net.Conn
	reader *protocol.Reader

	state   atomic.Int32
	running atomic.Bool

	notifications chan Notification
	notifyClose   sync.Once
	recvDone      chan struct{}
	recvStarted   bool
}

// NewTransport creates a transport over the given roster cache. Call
// Connect to bring it up.
func NewTransport(cfg *Config, roster storage.Roster) *Transport {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.sanitize()

	return &Transport{
		cfg:           cfg,
		roster:        roster,
		notifications: make(chan Notification, 32),
		recvDone:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
}

// Username returns the name this transport registered under.
func (t *Transport) Username() string {
	return t.cfg.Username
}

// Roster returns the local cache the transport feeds.
func (t *Transport) Roster() storage.Roster {
	return t.roster
}

// Notifications returns the transport event stream. The channel is closed
// when the transport shuts down.
func (t *Transport) Notifications() <-chan Notification {
	return t.notifications
}

// Done is closed when the receiver duty has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.recvDone
}

// Connect dials the router, performs the presence handshake, refreshes the
// roster cache, and starts the receiver duty. Exhausting the dial attempts
// or a rejected handshake is a fatal startup error.
func (t *Transport) Connect() error {
	if err := t.cfg.Validate(); err != nil {
		return err
	}

	t.setState(StateConnecting)
	conn, err := t.dial()
	if err != nil {
		t.setState(StateClosed)
		return err
	}
	t.conn = conn
	t.reader = protocol.NewReader(conn, t.cfg.MaxPacketSize)

	t.setState(StateHandshaking)
	if err := t.handshake(); err != nil {
		t.closeConn()
		t.setState(StateClosed)
		return err
	}

	t.running.Store(true)
	t.setState(StateActive)
	log.Printf("Connected to %s as %q", t.cfg.Addr(), t.cfg.Username)

	// Prime the cache before the receiver starts competing for the socket.
	if err := t.RefreshUsersAndContacts(); err != nil {
		log.Printf("Initial roster refresh failed: %v", err)
	}

	t.recvStarted = true
	go t.receiveLoop()
	return nil
}

func (t *Transport) dial() (net.Conn, error) {
	for attempt := 1; attempt <= t.cfg.ConnectAttempts; attempt++ {
		log.Printf("Connection attempt %d/%d to %s", attempt, t.cfg.ConnectAttempts, t.cfg.Addr())
		conn, err := net.DialTimeout("tcp", t.cfg.Addr(), t.cfg.RequestTimeout)
		if err == nil {
			return conn, nil
		}
		log.Printf("Connection attempt %d failed: %v", attempt, err)
		if attempt < t.cfg.ConnectAttempts {
			time.Sleep(t.cfg.ConnectBackoff)
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrConnectFailed, t.cfg.Addr(), t.cfg.ConnectAttempts)
}

func (t *Transport) handshake() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writeLocked(protocol.NewPresence(t.cfg.Username)); err != nil {
		return fmt.Errorf("handshake send: %w", err)
	}
	reply, err := t.readReplyLocked()
	if err != nil {
		return fmt.Errorf("handshake reply: %w", err)
	}
	return interpretReply(reply)
}

// SendMessage relays text to the named recipient and saves it to the local
// history once the router accepts it.
func (t *Transport) SendMessage(to, text string) error {
	reply, err := t.request(protocol.NewMessage(t.cfg.Username, to, text))
	if err != nil {
		return err
	}
	if err := interpretReply(reply); err != nil {
		return err
	}
	t.roster.SaveMessage(t.cfg.Username, to, text)
	log.Printf("Message sent to %q", to)
	return nil
}

// AddContact asks the router to record a contact and mirrors it locally on
// success.
func (t *Transport) AddContact(name string) error {
	reply, err := t.request(protocol.NewAddContact(t.cfg.Username, name))
	if err != nil {
		return err
	}
	if err := interpretReply(reply); err != nil {
		return err
	}
	t.roster.AddContact(name)
	return nil
}

// RemoveContact asks the router to drop a contact and mirrors it locally on
// success.
func (t *Transport) RemoveContact(name string) error {
	reply, err := t.request(protocol.NewRemoveContact(t.cfg.Username, name))
	if err != nil {
		return err
	}
	if err := interpretReply(reply); err != nil {
		return err
	}
	t.roster.RemoveContact(name)
	return nil
}

// RefreshUsersAndContacts asks the router for the known-user list and the
// contact list, in that order, and feeds both into the roster cache. A
// non-202 reply is a soft failure: it is logged and skipped.
func (t *Transport) RefreshUsersAndContacts() error {
	reply, err := t.request(protocol.NewUsersRequest(t.cfg.Username))
	if err != nil {
		return fmt.Errorf("users request: %w", err)
	}
	if reply.Response == protocol.StatusAccepted {
		t.roster.ReplaceKnownUsers(reply.ListInfo)
	} else {
		log.Printf("Known-users refresh refused: %d %s", reply.Response, reply.Error)
	}

	reply, err = t.request(protocol.NewGetContacts(t.cfg.Username))
	if err != nil {
		return fmt.Errorf("contacts request: %w", err)
	}
	if reply.Response == protocol.StatusAccepted {
		for _, contact := range reply.ListInfo {
			t.roster.AddContact(contact)
		}
	} else {
		log.Printf("Contact refresh refused: %d %s", reply.Response, reply.Error)
	}
	return nil
}

// Shutdown sends the exit envelope, waits briefly so it can flush, closes
// the socket, and joins the receiver duty.
func (t *Transport) Shutdown() {
	t.setState(StateShuttingDown)

	if t.running.CompareAndSwap(true, false) {
		t.mu.Lock()
		if t.conn != nil {
			if err := t.writeLocked(protocol.NewExit(t.cfg.Username)); err != nil {
				log.Printf("Exit envelope not sent: %v", err)
			}
		}
		t.mu.Unlock()
		time.Sleep(500 * time.Millisecond)
	}

	t.closeConn()
	if t.recvStarted {
		<-t.recvDone
	}
	t.setState(StateClosed)
	t.notifyClose.Do(func() { close(t.notifications) })
	log.Printf("Transport for %q shut down", t.cfg.Username)
}

// request performs one locked send-and-await-reply exchange. Unsolicited
// inbound messages that race ahead of the reply are consumed and surfaced
// instead of being misread as the reply.
func (t *Transport) request(e *protocol.Envelope) (*protocol.Envelope, error) {
	if !t.running.Load() {
		return nil, ErrNotActive
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotActive
	}

	if err := t.writeLocked(e); err != nil {
		return nil, err
	}
	return t.readReplyLocked()
}

func (t *Transport) writeLocked(e *protocol.Envelope) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.RequestTimeout)); err != nil {
		return err
	}
	return protocol.WriteEnvelope(t.conn, e)
}

func (t *Transport) readReplyLocked() (*protocol.Envelope, error) {
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.RequestTimeout)); err != nil {
			return nil, err
		}
		envelope, err := t.reader.ReadEnvelope()
		if err != nil {
			return nil, err
		}
		if envelope.IsReply() {
			return envelope, nil
		}
		t.consumeInbound(envelope)
	}
}

// receiveLoop is the receiver duty: it yields the socket for most of each
// interval, then grabs the lock for one short readability poll.
func (t *Transport) receiveLoop() {
	defer close(t.recvDone)

	for t.running.Load() {
		time.Sleep(t.cfg.PollInterval)
		if !t.running.Load() {
			return
		}

		t.mu.Lock()
		if t.conn == nil {
			t.mu.Unlock()
			return
		}
		if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.PollTimeout)); err != nil {
			t.mu.Unlock()
			t.connectionLost()
			return
		}
		ready, err := t.reader.HasData()
		if err != nil {
			t.mu.Unlock()
			t.connectionLost()
			return
		}
		if !ready {
			t.mu.Unlock()
			continue
		}

		if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.RequestTimeout)); err != nil {
			t.mu.Unlock()
			t.connectionLost()
			return
		}
		envelope, err := t.reader.ReadEnvelope()
		t.mu.Unlock()
		if err != nil {
			t.connectionLost()
			return
		}
		t.handleInbound(envelope)
	}
}

func (t *Transport) handleInbound(e *protocol.Envelope) {
	if e.IsReply() {
		if err := interpretReply(e); err != nil {
			log.Printf("Server reported: %v", err)
		}
		return
	}
	t.consumeInbound(e)
}

// consumeInbound persists an incoming message addressed to this user and
// raises the new-message notification.
func (t *Transport) consumeInbound(e *protocol.Envelope) {
	if e.Action != protocol.ActionMessage || e.Destination != t.cfg.Username || e.Sender == "" {
		log.Printf("Ignoring unexpected envelope (action %q)", e.Action)
		return
	}
	t.roster.SaveMessage(e.Sender, t.cfg.Username, e.Text)
	log.Printf("Message received from %q", e.Sender)
	t.notify(Notification{Kind: NotifyNewMessage, From: e.Sender})
}

// connectionLost is the fault path out of StateActive: close, notify, stop.
func (t *Transport) connectionLost() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	log.Printf("Lost connection to server")
	t.setState(StateClosed)
	t.closeConn()
	t.notify(Notification{Kind: NotifyConnectionLost})
}

func (t *Transport) notify(n Notification) {
	select {
	case t.notifications <- n:
	default:
		log.Printf("Notification dropped: consumer not keeping up")
	}
}

func (t *Transport) closeConn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

// interpretReply maps a reply envelope onto the transport error model:
// 200 and 202 succeed, 400 carries the server's error text, anything else
// is logged and tolerated.
func interpretReply(reply *protocol.Envelope) error {
	switch reply.Response {
	case protocol.StatusOK, protocol.StatusAccepted:
		return nil
	case protocol.StatusBadRequest:
		return &ServerError{Text: reply.Error}
	default:
		log.Printf("Unknown response code %d", reply.Response)
		return nil
	}
}
