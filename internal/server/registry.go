package server

import "errors"

// ErrNameTaken reports a presence handshake for a username that is already
// bound to a live session.
var ErrNameTaken = errors.New("username already taken")

// registry is the authoritative map of online usernames to sessions.
// First come, first served: a second presence with the same name never
// displaces the first. The registry is touched only from the router loop
// goroutine.
type registry struct {
	names map[string]*session
}

func newRegistry() *registry {
	return &registry{names: make(map[string]*session)}
}

func (r *registry) bind(name string, s *session) error {
	if _, taken := r.names[name]; taken {
		return ErrNameTaken
	}
	r.names[name] = s
	s.name = name
	s.state = stateRegistered
	return nil
}

// unbind removes name only while it still maps to s, so a rejected duplicate
// can never evict the original session.
func (r *registry) unbind(name string, s *session) {
	if bound, ok := r.names[name]; ok && bound == s {
		delete(r.names, name)
	}
}

func (r *registry) lookup(name string) (*session, bool) {
	s, ok := r.names[name]
	return s, ok
}

func (r *registry) size() int {
	return len(r.names)
}
