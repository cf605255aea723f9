// Package server coordinates session registration, message routing, and
// connection cleanup for the Courier system via the Router type.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/Tyrowin/courier/internal/protocol"
	"github.com/Tyrowin/courier/internal/storage"
)

// Router owns every piece of routing state: the listener, the set of open
// sessions, the username registry, and the pending message queue. All of it
// is mutated from the single Run goroutine; the only concurrency crossing
// the boundary is the notifier and the metrics instruments, which are safe
// on their own.
//
// This package only ever binds, listens, and accepts. Dialing lives in the
// client package; the split is the capability boundary between the two
// halves of the system.
type Router struct {
	cfg      *Config
	store    storage.Directory
	metrics  *Metrics
	notifier *Notifier

	listener *net.TCPListener
	sessions []*session
	registry *registry
	pending  []*protocol.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates a router over the given directory store. A nil metrics
// set registers against the default Prometheus registerer.
func NewRouter(cfg *Config, store storage.Directory, metrics *Metrics) *Router {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.sanitize()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:      cfg,
		store:    store,
		metrics:  metrics,
		notifier: NewNotifier(),
		registry: newRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Notifier exposes the roster event stream for consumers to subscribe to.
func (r *Router) Notifier() *Notifier {
	return r.notifier
}

// Listen binds the configured address. A bind failure or an invalid port is
// a fatal startup error.
func (r *Router) Listen() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp", r.cfg.Addr())
	if err != nil {
		return err
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	r.listener = listener
	log.Printf("Router listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Run drives the accept/receive/deliver cycle until Shutdown is called.
// It must be called after Listen and is intended to run in its own
// goroutine.
func (r *Router) Run() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			r.shutdownSessions()
			return
		default:
		}

		r.acceptPhase()
		r.receivePhase()
		r.deliveryPhase()
	}
}

// Shutdown stops the loop, closes every session, and waits for Run to
// return or the timeout to elapse.
func (r *Router) Shutdown(timeout time.Duration) error {
	log.Println("Initiating router shutdown...")
	r.cancel()

	select {
	case <-r.done:
		log.Println("Router shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Println("Router shutdown timeout reached")
		return context.DeadlineExceeded
	}
}

// acceptPhase waits at most AcceptTimeout for one new connection. A timeout
// simply yields the cycle.
func (r *Router) acceptPhase() {
	if err := r.listener.SetDeadline(time.Now().Add(r.cfg.AcceptTimeout)); err != nil {
		log.Printf("Error arming accept deadline: %v", err)
		return
	}

	conn, err := r.listener.Accept()
	if err != nil {
		if !isTimeout(err) && !isExpectedCloseError(err) {
			log.Printf("Accept error: %v", err)
		}
		return
	}

	if len(r.sessions) >= r.cfg.MaxConnections {
		log.Printf("Connection from %s refused: session limit %d reached", conn.RemoteAddr(), r.cfg.MaxConnections)
		_ = conn.Close()
		return
	}

	s := newSession(conn, r.cfg)
	r.sessions = append(r.sessions, s)
	r.metrics.ActiveSessions.Inc()
	log.Printf("Session %s connected from %s. Open sessions: %d", s.id, s.addr(), len(r.sessions))
}

// receivePhase polls every session for readability and dispatches at most
// one envelope per readable session.
func (r *Router) receivePhase() {
	// Snapshot: dispatch may remove sessions mid-iteration.
	active := make([]*session, len(r.sessions))
	copy(active, r.sessions)

	for _, s := range active {
		if s.state == stateClosed {
			continue
		}

		ready, err := s.readable(r.cfg.PollTimeout)
		if err != nil {
			r.dropSession(s, "connection lost")
			continue
		}
		if !ready {
			continue
		}

		envelope, err := s.readEnvelope(r.cfg.ReadTimeout)
		if err != nil {
			// Decode failures at the wire level are transport faults, not
			// protocol errors: the stream can no longer be trusted.
			r.dropSession(s, err.Error())
			continue
		}

		if !s.limiter.allow() {
			r.metrics.RateLimited.Inc()
			log.Printf("Session %s rate limited; envelope discarded", s.id)
			r.reply(s, protocol.BadRequest("rate limit exceeded"))
			continue
		}

		r.dispatch(s, envelope)
	}
}

// dispatch routes one inbound envelope by action.
func (r *Router) dispatch(s *session, e *protocol.Envelope) {
	switch e.Action {
	case protocol.ActionPresence:
		r.handlePresence(s, e)
	case protocol.ActionMessage:
		r.handleMessage(s, e)
	case protocol.ActionExit:
		r.handleExit(s)
	case protocol.ActionGetContacts:
		r.handleGetContacts(s, e)
	case protocol.ActionAddContact:
		r.handleContactMutation(s, e, true)
	case protocol.ActionRemoveContact:
		r.handleContactMutation(s, e, false)
	case protocol.ActionUsersRequest:
		r.handleUsersRequest(s, e)
	default:
		r.metrics.BadRequests.Inc()
		r.reply(s, protocol.BadRequest("bad request"))
	}
}

func (r *Router) handlePresence(s *session, e *protocol.Envelope) {
	if e.User == nil || e.User.AccountName == "" {
		r.metrics.BadRequests.Inc()
		r.reply(s, protocol.BadRequest("bad request"))
		return
	}

	// A session carries exactly one username for its whole life. Accepting
	// a second presence would leave the old binding pointing at this session
	// with no path that ever unbinds it.
	if s.state == stateRegistered {
		r.metrics.BadRequests.Inc()
		log.Printf("Session %s (%q) sent a second presence; refused", s.id, s.name)
		r.reply(s, protocol.BadRequest("already registered"))
		return
	}

	name := e.User.AccountName
	if err := r.registry.bind(name, s); err != nil {
		r.metrics.RegistrationsRejected.Inc()
		log.Printf("Presence for %q from session %s rejected: %v", name, s.id, err)
		// Best effort: the duplicate is cut off either way.
		_ = s.write(protocol.BadRequest(ErrNameTaken.Error()), r.cfg.WriteTimeout)
		r.removeSession(s)
		s.close()
		return
	}

	ip, port := s.peer()
	r.store.UserLogin(name, ip, port)
	r.metrics.Registrations.Inc()
	log.Printf("Session %s registered as %q. Online users: %d", s.id, name, r.registry.size())
	r.reply(s, protocol.OK())
	r.notifier.Publish(RosterEvent{Kind: RosterJoin, Username: name})
}

func (r *Router) handleMessage(s *session, e *protocol.Envelope) {
	if e.Sender == "" || e.Destination == "" || e.Text == "" {
		r.metrics.BadRequests.Inc()
		r.reply(s, protocol.BadRequest("bad request"))
		return
	}

	if _, online := r.registry.lookup(e.Destination); !online {
		r.metrics.BadRequests.Inc()
		r.reply(s, protocol.BadRequest("destination not registered"))
		return
	}

	r.pending = append(r.pending, e)
	r.store.RecordMessage(e.Sender, e.Destination)
	r.metrics.MessagesRouted.Inc()
	r.reply(s, protocol.OK())
}

func (r *Router) handleExit(s *session) {
	log.Printf("Session %s (%q) exited", s.id, s.name)
	r.dropSession(s, "exit")
}

func (r *Router) handleGetContacts(s *session, e *protocol.Envelope) {
	if e.AccountName == "" {
		r.metrics.BadRequests.Inc()
		r.reply(s, protocol.BadRequest("bad request"))
		return
	}
	r.reply(s, protocol.Accepted(r.store.ListContacts(e.AccountName)))
}

func (r *Router) handleContactMutation(s *session, e *protocol.Envelope, add bool) {
	if e.AccountName == "" || e.Destination == "" {
		r.metrics.BadRequests.Inc()
		r.reply(s, protocol.BadRequest("bad request"))
		return
	}
	if add {
		r.store.AddContact(e.AccountName, e.Destination)
	} else {
		r.store.RemoveContact(e.AccountName, e.Destination)
	}
	r.reply(s, protocol.OK())
}

func (r *Router) handleUsersRequest(s *session, e *protocol.Envelope) {
	if e.AccountName == "" {
		r.metrics.BadRequests.Inc()
		r.reply(s, protocol.BadRequest("bad request"))
		return
	}
	r.reply(s, protocol.Accepted(r.store.ListUsers()))
}

// deliveryPhase drains the pending queue exactly once. Delivery is
// fire-and-forget: whatever the outcome, the queue is cleared afterwards.
func (r *Router) deliveryPhase() {
	for _, message := range r.pending {
		dest, online := r.registry.lookup(message.Destination)
		if !online {
			// The destination left between enqueue and delivery.
			r.metrics.MessagesDropped.Inc()
			log.Printf("Dropping message from %q: destination %q is not registered", message.Sender, message.Destination)
			continue
		}

		if err := dest.write(message, r.cfg.WriteTimeout); err != nil {
			// An unwritable destination is treated as a lost connection,
			// even if it was only momentarily busy.
			r.metrics.DeliveryFaults.Inc()
			log.Printf("Delivery to %q failed: %v", message.Destination, err)
			r.dropSession(dest, "unwritable during delivery")
			continue
		}

		r.metrics.MessagesDelivered.Inc()
		log.Printf("Delivered message from %q to %q", message.Sender, message.Destination)
	}
	r.pending = r.pending[:0]
}

// reply answers a session; a failed write means the transport is gone and
// the session is torn down.
func (r *Router) reply(s *session, e *protocol.Envelope) {
	if err := s.write(e, r.cfg.WriteTimeout); err != nil {
		log.Printf("Reply to session %s failed: %v", s.id, err)
		r.dropSession(s, "unwritable during reply")
	}
}

// dropSession deregisters, records the logout, removes, and closes a
// session. Used for both the explicit exit path and transport faults.
func (r *Router) dropSession(s *session, reason string) {
	if s.state == stateClosed {
		return
	}

	if s.name != "" {
		r.registry.unbind(s.name, s)
		ip, port := s.peer()
		r.store.UserLogout(s.name, ip, port)
		r.notifier.Publish(RosterEvent{Kind: RosterLeave, Username: s.name})
	}

	r.removeSession(s)
	s.close()
	log.Printf("Session %s removed (%s). Open sessions: %d", s.id, reason, len(r.sessions))
}

// removeSession takes s out of the active set without touching the registry.
func (r *Router) removeSession(s *session) {
	for i, candidate := range r.sessions {
		if candidate == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			r.metrics.ActiveSessions.Dec()
			return
		}
	}
}

// shutdownSessions closes everything on the way out.
func (r *Router) shutdownSessions() {
	log.Println("Closing all sessions...")
	if r.listener != nil {
		if err := r.listener.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing listener: %v", err)
		}
	}

	for _, s := range r.sessions {
		s.close()
	}
	count := len(r.sessions)
	r.metrics.ActiveSessions.Sub(float64(count))
	r.sessions = nil
	r.registry = newRegistry()
	r.notifier.Close()
	log.Printf("Closed %d sessions", count)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
