package call

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/tariel-x/callbridge/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine builds fakeSessions and records every acquisition, so tests can
// assert that media is only touched when it should be.
type fakeEngine struct {
	mu       sync.Mutex
	failWith error
	setup    func(*fakeSession)
	sessions []*fakeSession
}

func (e *fakeEngine) NewSession(ctx context.Context, video bool, events MediaEvents) (MediaSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return nil, e.failWith
	}
	s := &fakeSession{
		video:        video,
		events:       events,
		audioEnabled: true,
		videoEnabled: video,
	}
	if e.setup != nil {
		e.setup(s)
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) sessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *fakeEngine) lastSession() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// fakeSession records the operations driven through it, in order, and lets
// tests fire the transport callbacks by hand.
type fakeSession struct {
	video  bool
	events MediaEvents

	failCreateOffer  error
	failCreateAnswer error
	failSetRemote    error
	switchErr        error
	noAudioTrack     bool

	mu           sync.Mutex
	ops          []string
	remote       []models.SessionDescription
	candidates   []models.ICECandidate
	audioEnabled bool
	videoEnabled bool
	closed       bool
}

func (s *fakeSession) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *fakeSession) opList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ops))
	copy(out, s.ops)
	return out
}

func (s *fakeSession) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if s.failCreateOffer != nil {
		return models.SessionDescription{}, s.failCreateOffer
	}
	s.record("createOffer")
	return models.SessionDescription{Type: "offer", SDP: "fake-offer"}, nil
}

func (s *fakeSession) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if s.failCreateAnswer != nil {
		return models.SessionDescription{}, s.failCreateAnswer
	}
	s.record("createAnswer")
	return models.SessionDescription{Type: "answer", SDP: "fake-answer"}, nil
}

func (s *fakeSession) SetLocalDescription(sd models.SessionDescription) error {
	s.record("setLocal:" + sd.Type)
	return nil
}

func (s *fakeSession) SetRemoteDescription(sd models.SessionDescription) error {
	if s.failSetRemote != nil {
		return s.failSetRemote
	}
	s.record("setRemote:" + sd.Type)
	s.mu.Lock()
	s.remote = append(s.remote, sd)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) AddICECandidate(c models.ICECandidate) error {
	s.record("addCandidate:" + c.Candidate)
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noAudioTrack {
		return false
	}
	s.audioEnabled = enabled
	return true
}

func (s *fakeSession) SetVideoEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.video {
		return false
	}
	s.videoEnabled = enabled
	return true
}

func (s *fakeSession) SwitchCamera() error {
	if s.switchErr != nil {
		return s.switchErr
	}
	s.record("switchCamera")
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
