package call

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tariel-x/callbridge/internal/models"
	"github.com/tariel-x/callbridge/internal/signaling"
)

func newTestNegotiator(t *testing.T, engine *fakeEngine, video bool) (*Negotiator, *signaling.Memory) {
	t.Helper()
	bus := signaling.NewMemory()
	n, err := newNegotiator(context.Background(), engine, bus, "call-1", "alice", video, testLogger())
	if err != nil {
		t.Fatalf("negotiator construction failed: %v", err)
	}
	t.Cleanup(n.Close)
	return n, bus
}

func TestNegotiatorMediaFailureIsPermissionDenied(t *testing.T) {
	engine := &fakeEngine{failWith: errors.New("camera busy")}
	bus := signaling.NewMemory()

	_, err := newNegotiator(context.Background(), engine, bus, "call-1", "alice", true, testLogger())
	if err == nil {
		t.Fatalf("expected an error")
	}
	if KindOf(err) != FailurePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}

	// Nothing must reach the channel when media acquisition fails.
	events := make(chan struct{}, 4)
	unsubscribe, _ := bus.Subscribe("call-1", "bob", signaling.Callbacks{
		OnOffer: func(models.SessionDescription) { events <- struct{}{} },
	})
	defer unsubscribe()
	select {
	case <-events:
		t.Fatalf("offer published despite media failure")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNegotiatorCreateOfferPublishes(t *testing.T) {
	engine := &fakeEngine{}
	n, bus := newTestNegotiator(t, engine, false)

	offers := make(chan models.SessionDescription, 4)
	unsubscribe, _ := bus.Subscribe("call-1", "bob", signaling.Callbacks{
		OnOffer: func(sd models.SessionDescription) { offers <- sd },
	})
	defer unsubscribe()

	if err := n.CreateOffer(context.Background()); err != nil {
		t.Fatalf("create offer failed: %v", err)
	}

	select {
	case sd := <-offers:
		if sd.SDP != "fake-offer" {
			t.Fatalf("unexpected offer %q", sd.SDP)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("offer never reached the channel")
	}

	ops := engine.lastSession().opList()
	want := []string{"createOffer", "setLocal:offer"}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("unexpected media ops %v", ops)
	}
}

func TestNegotiatorCreateOfferFailureKind(t *testing.T) {
	engine := &fakeEngine{setup: func(s *fakeSession) {
		s.failCreateOffer = errors.New("no codecs")
	}}
	n, _ := newTestNegotiator(t, engine, false)

	err := n.CreateOffer(context.Background())
	if KindOf(err) != FailureNegotiation {
		t.Fatalf("expected negotiation failure, got %v", err)
	}
}

func TestNegotiatorBuffersEarlyCandidates(t *testing.T) {
	engine := &fakeEngine{}
	n, _ := newTestNegotiator(t, engine, false)

	// Candidates trickling in before the answer must be held, then flushed
	// in arrival order once the remote description lands.
	n.AddRemoteCandidate(models.ICECandidate{Candidate: "c1"})
	n.AddRemoteCandidate(models.ICECandidate{Candidate: "c2"})

	session := engine.lastSession()
	if len(session.opList()) != 0 {
		t.Fatalf("candidates reached media before the remote description: %v", session.opList())
	}

	answer := models.SessionDescription{Type: "answer", SDP: "fake-answer"}
	if err := n.AcceptRemoteAnswer(context.Background(), answer); err != nil {
		t.Fatalf("accept answer failed: %v", err)
	}
	n.AddRemoteCandidate(models.ICECandidate{Candidate: "c3"})

	want := []string{"setRemote:answer", "addCandidate:c1", "addCandidate:c2", "addCandidate:c3"}
	if got := session.opList(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected op order %v", got)
	}
}

func TestNegotiatorAppliesRemoteDescriptionOnce(t *testing.T) {
	engine := &fakeEngine{}
	n, _ := newTestNegotiator(t, engine, false)

	answer := models.SessionDescription{Type: "answer", SDP: "fake-answer"}
	if err := n.AcceptRemoteAnswer(context.Background(), answer); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	// Duplicate delivery from the at-least-once channel is a no-op.
	if err := n.AcceptRemoteAnswer(context.Background(), answer); err != nil {
		t.Fatalf("duplicate accept failed: %v", err)
	}

	session := engine.lastSession()
	if len(session.remote) != 1 {
		t.Fatalf("remote description applied %d times", len(session.remote))
	}
}

func TestNegotiatorAnswerFlow(t *testing.T) {
	engine := &fakeEngine{}
	n, bus := newTestNegotiator(t, engine, false)

	answers := make(chan models.SessionDescription, 4)
	unsubscribe, _ := bus.Subscribe("call-1", "bob", signaling.Callbacks{
		OnAnswer: func(sd models.SessionDescription) { answers <- sd },
	})
	defer unsubscribe()

	offer := models.SessionDescription{Type: "offer", SDP: "remote-offer"}
	if err := n.AcceptRemoteOffer(context.Background(), offer); err != nil {
		t.Fatalf("accept offer failed: %v", err)
	}

	select {
	case sd := <-answers:
		if sd.SDP != "fake-answer" {
			t.Fatalf("unexpected answer %q", sd.SDP)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("answer never reached the channel")
	}

	want := []string{"setRemote:offer", "createAnswer", "setLocal:answer"}
	if got := engine.lastSession().opList(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected op order %v", got)
	}
}

func TestNegotiatorToggleMute(t *testing.T) {
	engine := &fakeEngine{}
	n, _ := newTestNegotiator(t, engine, false)

	if n.Muted() {
		t.Fatalf("should start unmuted")
	}
	if !n.ToggleMute() {
		t.Fatalf("first toggle should mute")
	}
	if n.ToggleMute() {
		t.Fatalf("second toggle should unmute")
	}
}

func TestNegotiatorToggleMuteWithoutAudioTrack(t *testing.T) {
	engine := &fakeEngine{setup: func(s *fakeSession) { s.noAudioTrack = true }}
	n, _ := newTestNegotiator(t, engine, false)

	// Without a track the toggle changes nothing but never fails.
	if n.ToggleMute() {
		t.Fatalf("mute state should not change without an audio track")
	}
}

func TestNegotiatorVideoControls(t *testing.T) {
	engine := &fakeEngine{}
	voice, _ := newTestNegotiator(t, engine, false)

	// A voice call has no video track: always off, camera switch refused.
	if !voice.VideoOff() {
		t.Fatalf("voice call should report video off")
	}
	if !voice.ToggleVideo() {
		t.Fatalf("voice call toggle should stay off")
	}
	if voice.SwitchCamera() {
		t.Fatalf("voice call should refuse camera switch")
	}

	video, _ := newTestNegotiator(t, engine, true)
	if video.VideoOff() {
		t.Fatalf("video call should start with video on")
	}
	if !video.ToggleVideo() {
		t.Fatalf("first toggle should turn video off")
	}
	if video.ToggleVideo() {
		t.Fatalf("second toggle should turn video back on")
	}
	if !video.SwitchCamera() {
		t.Fatalf("camera switch should succeed")
	}
}

func TestNegotiatorSwitchCameraFailureIsSilent(t *testing.T) {
	engine := &fakeEngine{setup: func(s *fakeSession) {
		s.switchErr = errors.New("single camera device")
	}}
	n, _ := newTestNegotiator(t, engine, true)

	if n.SwitchCamera() {
		t.Fatalf("switch should report failure")
	}
}

func TestNegotiatorCloseIsIdempotent(t *testing.T) {
	engine := &fakeEngine{}
	n, _ := newTestNegotiator(t, engine, false)

	n.Close()
	n.Close()
	if !engine.lastSession().isClosed() {
		t.Fatalf("media session should be closed")
	}

	// Everything after close is inert.
	n.AddRemoteCandidate(models.ICECandidate{Candidate: "late"})
	if err := n.AcceptRemoteAnswer(context.Background(), models.SessionDescription{Type: "answer", SDP: "x"}); err != nil {
		t.Fatalf("accept after close should be a no-op: %v", err)
	}
	if len(engine.lastSession().remote) != 0 {
		t.Fatalf("remote description applied after close")
	}
}
