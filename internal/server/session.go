// Package server manages individual router sessions: one accepted socket,
// its framed reader, and the username bound to it after the presence
// handshake.
package server

import (
	"log"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/courier/internal/protocol"
)

// sessionState tracks where a session is in its lifecycle.
type sessionState int

const (
	stateConnected sessionState = iota
	stateRegistered
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateRegistered:
		return "registered"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is one accepted connection. Sessions are owned exclusively by the
// router loop goroutine; nothing here needs locking.
type session struct {
	id      uuid.UUID
	conn    net.Conn
	reader  *protocol.Reader
	limiter *rateLimiter
	name    string
	state   sessionState
}

func newSession(conn net.Conn, cfg *Config) *session {
	return &session{
		id:      uuid.New(),
		conn:    conn,
		reader:  protocol.NewReader(conn, cfg.MaxPacketSize),
		limiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		state:   stateConnected,
	}
}

func (s *session) addr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// peer splits the remote address into the ip/port pair the directory records.
func (s *session) peer() (string, int) {
	host, portStr, err := net.SplitHostPort(s.addr())
	if err != nil {
		return s.addr(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// readable probes the session for buffered or immediately available data
// without consuming it. The window is the poll deadline; a timeout inside
// it simply means "nothing this cycle".
func (s *session) readable(window time.Duration) (bool, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return false, err
	}
	return s.reader.HasData()
}

// readEnvelope reads one full envelope under the given deadline.
func (s *session) readEnvelope(timeout time.Duration) (*protocol.Envelope, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return s.reader.ReadEnvelope()
}

// write sends one envelope under the given deadline. A timed-out write is
// how the router decides a destination is unreachable.
func (s *session) write(e *protocol.Envelope, timeout time.Duration) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return protocol.WriteEnvelope(s.conn, e)
}

func (s *session) close() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing session %s: %v", s.addr(), err)
		}
	}
}
