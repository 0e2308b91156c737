package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/tariel-x/callbridge/internal/models"
)

// Memory is an in-process Bus. It backs single-binary deployments and tests;
// it keeps the same contract as the persistent store, including replaying the
// already-recorded offer/answer/candidates to a late subscriber.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]*memoryDoc
	calls     map[string]models.Call
	watchers  map[int]*memoryWatcher
	nextSubID int
}

type memoryDoc struct {
	offer      *models.SessionDescription
	answer     *models.SessionDescription
	candidates []memoryCandidate
	subs       map[int]*memorySub
}

type memoryCandidate struct {
	senderID  string
	candidate models.ICECandidate
}

// memoryWatcher observes call lifecycle events (status changes or new
// incoming calls) rather than negotiation messages.
type memoryWatcher struct {
	callID string // non-empty: status watcher for one call
	userID string // non-empty: incoming watcher for one receiver
	fn     func(*models.Call)

	mu     sync.Mutex // serializes fn invocations
	closed bool
}

func (w *memoryWatcher) notify(call models.Call) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.fn(&call)
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]*memoryDoc),
		calls:    make(map[string]models.Call),
		watchers: make(map[int]*memoryWatcher),
	}
}

func (m *Memory) doc(callID string) *memoryDoc {
	d, ok := m.docs[callID]
	if !ok {
		d = &memoryDoc{subs: make(map[int]*memorySub)}
		m.docs[callID] = d
	}
	return d
}

func (m *Memory) PublishOffer(ctx context.Context, callID string, offer models.SessionDescription) error {
	m.mu.Lock()
	d := m.doc(callID)
	d.offer = &offer // idempotent replace, not append
	subs := snapshotSubs(d)
	m.mu.Unlock()

	for _, s := range subs {
		s.enqueue(event{kind: evOffer, sd: offer})
	}
	return nil
}

func (m *Memory) PublishAnswer(ctx context.Context, callID string, answer models.SessionDescription) error {
	m.mu.Lock()
	d := m.doc(callID)
	d.answer = &answer
	subs := snapshotSubs(d)
	m.mu.Unlock()

	for _, s := range subs {
		s.enqueue(event{kind: evAnswer, sd: answer})
	}
	return nil
}

func (m *Memory) PublishCandidate(ctx context.Context, callID, senderID string, candidate models.ICECandidate) error {
	m.mu.Lock()
	d := m.doc(callID)
	d.candidates = append(d.candidates, memoryCandidate{senderID: senderID, candidate: candidate})
	subs := snapshotSubs(d)
	m.mu.Unlock()

	for _, s := range subs {
		if s.selfID == senderID {
			continue
		}
		s.enqueue(event{kind: evCandidate, cand: candidate})
	}
	return nil
}

func (m *Memory) Subscribe(callID, selfID string, cb Callbacks) (func(), error) {
	s := newMemorySub(selfID, cb)

	m.mu.Lock()
	d := m.doc(callID)
	id := m.nextSubID
	m.nextSubID++
	d.subs[id] = s

	// Replay current document state in recorded order: offer before answer,
	// candidates after, preserving their append order.
	if d.offer != nil {
		s.enqueue(event{kind: evOffer, sd: *d.offer})
	}
	if d.answer != nil {
		s.enqueue(event{kind: evAnswer, sd: *d.answer})
	}
	for _, c := range d.candidates {
		if c.senderID == selfID {
			continue
		}
		s.enqueue(event{kind: evCandidate, cand: c.candidate})
	}
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(d.subs, id)
			m.mu.Unlock()
			s.close()
		})
	}
	return unsubscribe, nil
}

func (m *Memory) DeleteSignalingData(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[callID]
	if !ok {
		return nil
	}
	// Cleared in one critical section so no reader can see candidates
	// outliving the offer.
	d.offer = nil
	d.answer = nil
	d.candidates = nil
	return nil
}

func snapshotSubs(d *memoryDoc) []*memorySub {
	subs := make([]*memorySub, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	return subs
}

// --- CallStore ---

func (m *Memory) CreateCall(ctx context.Context, call *models.Call) error {
	m.mu.Lock()
	m.calls[call.ID] = *call
	watchers := m.incomingWatchersLocked(call)
	m.mu.Unlock()

	for _, w := range watchers {
		go w.notify(*call)
	}
	return nil
}

func (m *Memory) GetCall(ctx context.Context, callID string) (*models.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	return &call, nil
}

func (m *Memory) SetStatus(ctx context.Context, callID string, status models.CallStatus, endTime *time.Time, duration *int) (*models.Call, bool, error) {
	m.mu.Lock()
	call, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, false, ErrCallNotFound
	}
	if call.Status == status || call.Status.Terminal() {
		m.mu.Unlock()
		return &call, false, nil
	}
	if !call.Status.CanTransition(status) {
		m.mu.Unlock()
		return &call, false, ErrIllegalTransition
	}

	call.Status = status
	if status.Terminal() {
		call.EndTime = endTime
		call.Duration = duration
	}
	m.calls[callID] = call
	watchers := m.callWatchersLocked(callID)
	m.mu.Unlock()

	for _, w := range watchers {
		go w.notify(call)
	}
	return &call, true, nil
}

func (m *Memory) WatchCall(callID string, fn func(*models.Call)) (func(), error) {
	w := &memoryWatcher{callID: callID, fn: fn}
	remove := m.addWatcher(w)

	// Replay the current record so a watcher attached after a status change
	// still observes it. Same contract as the persistent store's first poll.
	m.mu.Lock()
	call, ok := m.calls[callID]
	m.mu.Unlock()
	if ok {
		go w.notify(call)
	}
	return remove, nil
}

func (m *Memory) WatchIncoming(userID string, fn func(*models.Call)) (func(), error) {
	return m.addWatcher(&memoryWatcher{userID: userID, fn: fn}), nil
}

func (m *Memory) addWatcher(w *memoryWatcher) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.watchers[id] = w
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
		})
	}
}

func (m *Memory) callWatchersLocked(callID string) []*memoryWatcher {
	var out []*memoryWatcher
	for _, w := range m.watchers {
		if w.callID == callID {
			out = append(out, w)
		}
	}
	return out
}

func (m *Memory) incomingWatchersLocked(call *models.Call) []*memoryWatcher {
	if call.Status != models.CallStatusRinging {
		return nil
	}
	var out []*memoryWatcher
	for _, w := range m.watchers {
		if w.userID != "" && w.userID == call.ReceiverID {
			out = append(out, w)
		}
	}
	return out
}
