package storage

import (
	"sort"
	"sync"
	"time"
)

// Roster is the client-side cache the transport feeds: known users and
// contacts mirrored from the server, plus locally persisted message history.
// The transport writes from its receiver goroutine while a consumer reads,
// so implementations must be safe for concurrent use.
type Roster interface {
	// ReplaceKnownUsers swaps the cached known-users list with the list the
	// server just returned.
	ReplaceKnownUsers(users []string)

	// AddContact records a contact locally.
	AddContact(name string)

	// RemoveContact drops a contact locally.
	RemoveContact(name string)

	// SaveMessage persists one message to the local history.
	SaveMessage(from, to, text string)

	// ListContacts returns the cached contacts, sorted.
	ListContacts() []string

	// ListKnownUsers returns the cached known users, sorted.
	ListKnownUsers() []string

	// History returns the locally saved messages in arrival order.
	History() []StoredMessage
}

// StoredMessage is one locally persisted message.
type StoredMessage struct {
	From string
	To   string
	Text string
	At   time.Time
}

// MemoryRoster is the in-memory Roster implementation.
type MemoryRoster struct {
	mu       sync.Mutex
	known    map[string]struct{}
	contacts map[string]struct{}
	messages []StoredMessage
}

// NewMemoryRoster returns an empty in-memory roster.
func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{
		known:    make(map[string]struct{}),
		contacts: make(map[string]struct{}),
	}
}

// ReplaceKnownUsers implements Roster. The cache is replaced wholesale
// because the server's list is authoritative.
func (r *MemoryRoster) ReplaceKnownUsers(users []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.known = make(map[string]struct{}, len(users))
	for _, user := range users {
		r.known[user] = struct{}{}
	}
}

// AddContact implements Roster.
func (r *MemoryRoster) AddContact(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[name] = struct{}{}
}

// RemoveContact implements Roster.
func (r *MemoryRoster) RemoveContact(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contacts, name)
}

// SaveMessage implements Roster.
func (r *MemoryRoster) SaveMessage(from, to, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, StoredMessage{From: from, To: to, Text: text, At: time.Now()})
}

// ListContacts implements Roster.
func (r *MemoryRoster) ListContacts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.contacts)
}

// ListKnownUsers implements Roster.
func (r *MemoryRoster) ListKnownUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.known)
}

// History implements Roster.
func (r *MemoryRoster) History() []StoredMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StoredMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
