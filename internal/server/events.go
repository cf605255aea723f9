// Package server publishes roster changes to subscribers. The notifier
// replaces polling a shared flag: the router is the single producer, and
// any number of consumers (the admin websocket stream, tests, a UI) each
// get their own channel.
package server

import (
	"sync"
	"time"
)

// RosterEventKind distinguishes joins from leaves.
type RosterEventKind string

// Roster event kinds.
const (
	RosterJoin  RosterEventKind = "join"
	RosterLeave RosterEventKind = "leave"
)

// RosterEvent describes one registry change.
type RosterEvent struct {
	Kind     RosterEventKind `json:"kind"`
	Username string          `json:"username"`
	At       time.Time       `json:"at"`
}

// Notifier fans roster events out to subscribers. Publishing never blocks;
// a subscriber whose buffer is full misses the event.
type Notifier struct {
	mu     sync.Mutex
	subs   map[chan RosterEvent]struct{}
	closed bool
}

// NewNotifier returns a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan RosterEvent]struct{})}
}

// Subscribe registers a new consumer and returns its event channel together
// with a cancel function. The channel is closed on cancel or when the
// notifier shuts down.
func (n *Notifier) Subscribe(buffer int) (<-chan RosterEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan RosterEvent, buffer)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	n.subs[ch] = struct{}{}

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer space.
func (n *Notifier) Publish(event RosterEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for ch := range n.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts the notifier down and closes every subscriber channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for ch := range n.subs {
		delete(n.subs, ch)
		close(ch)
	}
}
