package call

import (
	"sync"

	"github.com/tariel-x/callbridge/internal/models"
)

// Session is a snapshot of the one active call on this device. Listeners
// receive copies; mutating a snapshot has no effect on the store.
type Session struct {
	Call      models.Call
	Direction models.CallDirection
	Muted     bool
	VideoOff  bool
}

// SessionStore holds the current session (or nil between calls) and fans
// updates out to listeners synchronously, in registration order. A set
// issued from inside a listener callback is queued and applied after the
// current notification pass finishes, so listeners never re-enter each
// other.
type SessionStore struct {
	mu        sync.Mutex
	current   *Session
	listeners []*sessionListener
	nextID    int

	notifying bool
	pending   []*Session
}

type sessionListener struct {
	id int
	fn func(*Session)
}

func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

// Get returns the current session snapshot, or nil when no call is active.
func (s *SessionStore) Get() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	snapshot := *s.current
	return &snapshot
}

// AddListener registers fn and immediately delivers the current value. The
// returned func removes the listener; a removed listener receives nothing
// from later sets.
func (s *SessionStore) AddListener(fn func(*Session)) func() {
	s.mu.Lock()
	l := &sessionListener{id: s.nextID, fn: fn}
	s.nextID++
	s.listeners = append(s.listeners, l)
	current := s.current
	s.mu.Unlock()

	if current != nil {
		snapshot := *current
		fn(&snapshot)
	} else {
		fn(nil)
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, entry := range s.listeners {
			if entry.id == l.id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Set replaces the session and notifies listeners. Pass nil to clear.
func (s *SessionStore) Set(session *Session) {
	s.mu.Lock()
	if s.notifying {
		s.pending = append(s.pending, session)
		s.mu.Unlock()
		return
	}
	s.notifying = true
	s.mu.Unlock()

	next := session
	for {
		s.notify(next)

		s.mu.Lock()
		if len(s.pending) == 0 {
			s.notifying = false
			s.mu.Unlock()
			return
		}
		next = s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
	}
}

func (s *SessionStore) notify(session *Session) {
	s.mu.Lock()
	s.current = session
	listeners := make([]*sessionListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		if session != nil {
			snapshot := *session
			l.fn(&snapshot)
		} else {
			l.fn(nil)
		}
	}
}
