package identity

import (
	"strings"
	"sync"
)

// Identity is the current authentication state of the device.
type Identity struct {
	Authenticated bool
	UserID        string
	Token         string
}

// Anonymous is the identity of a visitor without an account session.
var Anonymous = Identity{}

// Transition describes a change between anonymous and authenticated modes.
type Transition struct {
	From Identity
	To   Identity
}

// SignedIn reports whether the transition is the anonymous to authenticated edge.
func (t Transition) SignedIn() bool {
	return !t.From.Authenticated && t.To.Authenticated
}

// SignedOut reports whether the transition is the authenticated to anonymous edge.
func (t Transition) SignedOut() bool {
	return t.From.Authenticated && !t.To.Authenticated
}

// Signal publishes identity changes. Subscribers hear only mode changes, so a
// token refresh for an already authenticated user updates Current silently.
type Signal struct {
	mu          sync.RWMutex
	current     Identity
	subscribers map[int]func(Transition)
	nextID      int
}

// NewSignal constructs a Signal in the given starting identity.
func NewSignal(initial Identity) *Signal {
	return &Signal{current: normalize(initial), subscribers: make(map[int]func(Transition))}
}

// Current returns the present identity.
func (s *Signal) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Token returns the session token of the present identity.
func (s *Signal) Token() string {
	return s.Current().Token
}

// Authenticate switches to an authenticated identity.
func (s *Signal) Authenticate(userID, token string) {
	s.set(Identity{Authenticated: true, UserID: userID, Token: token})
}

// SignOut switches to the anonymous identity.
func (s *Signal) SignOut() {
	s.set(Anonymous)
}

// Subscribe registers fn for mode changes and returns a function removing it.
// Callbacks run synchronously on the goroutine that changed the identity.
func (s *Signal) Subscribe(fn func(Transition)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Signal) set(next Identity) {
	next = normalize(next)

	s.mu.Lock()
	previous := s.current
	s.current = next
	if previous.Authenticated == next.Authenticated {
		s.mu.Unlock()
		return
	}
	listeners := make([]func(Transition), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	transition := Transition{From: previous, To: next}
	for _, fn := range listeners {
		fn(transition)
	}
}

func normalize(candidate Identity) Identity {
	candidate.UserID = strings.TrimSpace(candidate.UserID)
	candidate.Token = strings.TrimSpace(candidate.Token)
	if !candidate.Authenticated {
		return Anonymous
	}
	return candidate
}
