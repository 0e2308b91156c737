package signaling

import (
	"sync"

	"github.com/tariel-x/callbridge/internal/models"
)

type eventKind int

const (
	evOffer eventKind = iota
	evAnswer
	evCandidate
	evError
)

type event struct {
	kind eventKind
	sd   models.SessionDescription
	cand models.ICECandidate
	err  error
}

// memorySub dispatches events to one subscriber in enqueue order on its own
// goroutine. Callbacks may re-enter the channel (e.g. publish an answer from
// inside OnOffer) without deadlocking, and close() blocks until the in-flight
// callback returns, so no callback runs after an unsubscribe returns.
type memorySub struct {
	selfID string
	cb     Callbacks

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	closed bool

	deliverMu sync.Mutex // held around every callback invocation
}

func newMemorySub(selfID string, cb Callbacks) *memorySub {
	s := &memorySub{selfID: selfID, cb: cb}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *memorySub) enqueue(ev event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *memorySub) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *memorySub) deliver(ev event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	switch ev.kind {
	case evOffer:
		if s.cb.OnOffer != nil {
			s.cb.OnOffer(ev.sd)
		}
	case evAnswer:
		if s.cb.OnAnswer != nil {
			s.cb.OnAnswer(ev.sd)
		}
	case evCandidate:
		if s.cb.OnCandidate != nil {
			s.cb.OnCandidate(ev.cand)
		}
	case evError:
		if s.cb.OnError != nil {
			s.cb.OnError(ev.err)
		}
	}
}

// close stops dispatch and waits out a callback that was already running.
// Must not be called from inside one of this subscription's own callbacks.
func (s *memorySub) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}
