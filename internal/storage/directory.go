// Package storage holds the persistence collaborators of the Courier core:
// the server-side directory of users, contacts, and history, and the
// client-side roster cache. The core only ever talks to the narrow
// interfaces; the in-memory implementations here are the default backing.
package storage

import (
	"sort"
	"sync"
	"time"
)

// Directory is the persistence contract the router depends on. Every call
// happens from the router loop or an admin HTTP handler, so implementations
// must be safe for concurrent use.
type Directory interface {
	// UserLogin records that username connected from ip:port and marks it
	// active. First login creates the user.
	UserLogin(username, ip string, port int)

	// UserLogout closes the active login entry for username at ip:port.
	UserLogout(username, ip string, port int)

	// RecordMessage bumps the sent/received counters for a relayed message.
	RecordMessage(sender, recipient string)

	// ListUsers returns every username the directory has ever seen, sorted.
	ListUsers() []string

	// ListActiveUsers returns the currently-logged-in users, sorted.
	ListActiveUsers() []ActiveUser

	// LoginHistory returns login entries, newest last. An empty username
	// returns the history of every user.
	LoginHistory(username string) []LoginEntry

	// AddContact records contact in owner's contact list.
	AddContact(owner, contact string)

	// RemoveContact drops contact from owner's contact list.
	RemoveContact(owner, contact string)

	// ListContacts returns owner's contacts, sorted.
	ListContacts(owner string) []string
}

// ActiveUser describes one currently-connected user.
type ActiveUser struct {
	Username  string    `json:"username"`
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	LoginTime time.Time `json:"login_time"`
}

// LoginEntry is one row of a user's login history.
type LoginEntry struct {
	Username   string    `json:"username"`
	IP         string    `json:"ip"`
	Port       int       `json:"port"`
	LoginTime  time.Time `json:"login_time"`
	LogoutTime time.Time `json:"logout_time,omitempty"`
	Active     bool      `json:"active"`
}

type userStats struct {
	sent     int
	received int
}

// MemoryDirectory is the in-memory Directory implementation.
type MemoryDirectory struct {
	mu       sync.Mutex
	users    map[string]struct{}
	history  []*LoginEntry
	stats    map[string]*userStats
	contacts map[string]map[string]struct{}
}

// NewMemoryDirectory returns an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:    make(map[string]struct{}),
		stats:    make(map[string]*userStats),
		contacts: make(map[string]map[string]struct{}),
	}
}

// UserLogin implements Directory.
func (d *MemoryDirectory) UserLogin(username, ip string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.users[username] = struct{}{}
	if _, ok := d.stats[username]; !ok {
		d.stats[username] = &userStats{}
	}
	d.history = append(d.history, &LoginEntry{
		Username:  username,
		IP:        ip,
		Port:      port,
		LoginTime: time.Now(),
		Active:    true,
	})
}

// UserLogout implements Directory.
func (d *MemoryDirectory) UserLogout(username, ip string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := len(d.history) - 1; i >= 0; i-- {
		entry := d.history[i]
		if entry.Active && entry.Username == username && entry.IP == ip && entry.Port == port {
			entry.Active = false
			entry.LogoutTime = time.Now()
			return
		}
	}
}

// RecordMessage implements Directory.
func (d *MemoryDirectory) RecordMessage(sender, recipient string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.stats[sender]; ok {
		s.sent++
	}
	if r, ok := d.stats[recipient]; ok {
		r.received++
	}
}

// MessageCounts returns the sent/received totals for username.
func (d *MemoryDirectory) MessageCounts(username string) (sent, received int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.stats[username]; ok {
		return s.sent, s.received
	}
	return 0, 0
}

// ListUsers implements Directory.
func (d *MemoryDirectory) ListUsers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.users))
	for name := range d.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListActiveUsers implements Directory.
func (d *MemoryDirectory) ListActiveUsers() []ActiveUser {
	d.mu.Lock()
	defer d.mu.Unlock()

	var active []ActiveUser
	for _, entry := range d.history {
		if entry.Active {
			active = append(active, ActiveUser{
				Username:  entry.Username,
				IP:        entry.IP,
				Port:      entry.Port,
				LoginTime: entry.LoginTime,
			})
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Username < active[j].Username })
	return active
}

// LoginHistory implements Directory.
func (d *MemoryDirectory) LoginHistory(username string) []LoginEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var entries []LoginEntry
	for _, entry := range d.history {
		if username == "" || entry.Username == username {
			entries = append(entries, *entry)
		}
	}
	return entries
}

// AddContact implements Directory.
func (d *MemoryDirectory) AddContact(owner, contact string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.contacts[owner]
	if !ok {
		set = make(map[string]struct{})
		d.contacts[owner] = set
	}
	set[contact] = struct{}{}
}

// RemoveContact implements Directory.
func (d *MemoryDirectory) RemoveContact(owner, contact string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.contacts[owner], contact)
}

// ListContacts implements Directory.
func (d *MemoryDirectory) ListContacts(owner string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	set := d.contacts[owner]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
