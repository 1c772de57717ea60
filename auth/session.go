// auth/session.go
package auth

import "sync"

// Identity is an authenticated user.
type Identity struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
}

// Session holds who is signed in for one client. It is passed explicitly
// to whatever needs the owner; there is no process-wide current user.
type Session struct {
	mu       sync.Mutex
	identity *Identity
	nextID   int
	watchers map[int]func(ownerID string)
}

func NewSession() *Session {
	return &Session{watchers: make(map[int]func(string))}
}

// OwnerID is the signed-in user id, or "" when signed out.
func (s *Session) OwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.UserID
}

func (s *Session) Identity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

func (s *Session) SignIn(id Identity) {
	s.set(&id)
}

func (s *Session) SignOut() {
	s.set(nil)
}

// Watch calls fn with the current owner right away and again whenever the
// owner changes. The returned func stops watching.
func (s *Session) Watch(fn func(ownerID string)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	owner := ""
	if s.identity != nil {
		owner = s.identity.UserID
	}
	s.mu.Unlock()

	fn(owner)
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Session) set(id *Identity) {
	s.mu.Lock()
	before := ""
	if s.identity != nil {
		before = s.identity.UserID
	}
	s.identity = id
	after := ""
	if id != nil {
		after = id.UserID
	}
	var watchers []func(string)
	if before != after {
		for _, fn := range s.watchers {
			watchers = append(watchers, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(after)
	}
}
