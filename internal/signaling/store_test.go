package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tariel-x/callbridge/internal/database"
	"github.com/tariel-x/callbridge/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Initialize(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	store.SetPollInterval(10 * time.Millisecond)
	return store
}

func ringingCall(id string) *models.Call {
	return &models.Call{
		ID:         id,
		CallerID:   "alice",
		CallerName: "Alice",
		ReceiverID: "bob",
		Type:       models.CallTypeVoice,
		Status:     models.CallStatusRinging,
		StartTime:  time.Unix(1_700_000_000, 0),
	}
}

func TestStorePublishRequiresCall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	offer := models.SessionDescription{Type: "offer", SDP: "v=0"}
	if err := s.PublishOffer(ctx, "no-such-call", offer); err != ErrCallNotFound {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
	answer := models.SessionDescription{Type: "answer", SDP: "v=0"}
	if err := s.PublishAnswer(ctx, "no-such-call", answer); err != ErrCallNotFound {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestStoreDeliversOfferBeforeCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCall(ctx, ringingCall("call-1")); err != nil {
		t.Fatalf("create call failed: %v", err)
	}

	// Candidates written before the offer must be held back until the
	// subscriber has seen the offer.
	if err := s.PublishCandidate(ctx, "call-1", "alice", models.ICECandidate{Candidate: "early"}); err != nil {
		t.Fatalf("publish candidate failed: %v", err)
	}

	events := make(chan string, 16)
	unsubscribe, err := s.Subscribe("call-1", "bob", Callbacks{
		OnOffer:     func(sd models.SessionDescription) { events <- "offer" },
		OnCandidate: func(c models.ICECandidate) { events <- "cand:" + c.Candidate },
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	assertNoEvent(t, events, "candidate before offer")

	if err := s.PublishOffer(ctx, "call-1", models.SessionDescription{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("publish offer failed: %v", err)
	}
	if got := waitEvent(t, events, "offer"); got != "offer" {
		t.Fatalf("expected offer first, got %s", got)
	}
	if got := waitEvent(t, events, "held-back candidate"); got != "cand:early" {
		t.Fatalf("expected cand:early, got %s", got)
	}

	if err := s.PublishCandidate(ctx, "call-1", "alice", models.ICECandidate{Candidate: "late"}); err != nil {
		t.Fatalf("publish candidate failed: %v", err)
	}
	if got := waitEvent(t, events, "late candidate"); got != "cand:late" {
		t.Fatalf("expected cand:late, got %s", got)
	}
}

func TestStoreFiltersOwnCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCall(ctx, ringingCall("call-1")); err != nil {
		t.Fatalf("create call failed: %v", err)
	}
	if err := s.PublishOffer(ctx, "call-1", models.SessionDescription{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("publish offer failed: %v", err)
	}

	events := make(chan string, 16)
	unsubscribe, _ := s.Subscribe("call-1", "bob", Callbacks{
		OnCandidate: func(c models.ICECandidate) { events <- c.Candidate },
	})
	defer unsubscribe()

	s.PublishCandidate(ctx, "call-1", "bob", models.ICECandidate{Candidate: "own"})
	s.PublishCandidate(ctx, "call-1", "alice", models.ICECandidate{Candidate: "remote"})

	if got := waitEvent(t, events, "remote candidate"); got != "remote" {
		t.Fatalf("expected remote candidate, got %s", got)
	}
	assertNoEvent(t, events, "own candidate echo")
}

func TestStoreOfferIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCall(ctx, ringingCall("call-1")); err != nil {
		t.Fatalf("create call failed: %v", err)
	}

	events := make(chan string, 16)
	unsubscribe, _ := s.Subscribe("call-1", "bob", Callbacks{
		OnOffer: func(sd models.SessionDescription) { events <- sd.SDP },
	})
	defer unsubscribe()

	offer := models.SessionDescription{Type: "offer", SDP: "same"}
	if err := s.PublishOffer(ctx, "call-1", offer); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	if got := waitEvent(t, events, "offer"); got != "same" {
		t.Fatalf("unexpected offer %s", got)
	}

	// Republishing the identical offer replaces in place and is invisible
	// to subscribers.
	if err := s.PublishOffer(ctx, "call-1", offer); err != nil {
		t.Fatalf("second publish failed: %v", err)
	}
	assertNoEvent(t, events, "duplicate offer")
}

func TestStoreSetStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	if err := s.CreateCall(ctx, ringingCall("call-1")); err != nil {
		t.Fatalf("create call failed: %v", err)
	}

	if _, _, err := s.SetStatus(ctx, "missing", models.CallStatusConnecting, nil, nil); err != ErrCallNotFound {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}

	if _, _, err := s.SetStatus(ctx, "call-1", models.CallStatusConnected, nil, nil); err != ErrIllegalTransition {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	call, applied, err := s.SetStatus(ctx, "call-1", models.CallStatusConnecting, nil, nil)
	if err != nil || !applied {
		t.Fatalf("connecting transition failed: applied=%v err=%v", applied, err)
	}
	if call.Status != models.CallStatusConnecting {
		t.Fatalf("unexpected status %s", call.Status)
	}

	if _, applied, err := s.SetStatus(ctx, "call-1", models.CallStatusConnecting, nil, nil); err != nil || applied {
		t.Fatalf("repeat should be no-op: applied=%v err=%v", applied, err)
	}

	end := base.Add(75 * time.Second)
	seconds := 75
	if _, applied, err := s.SetStatus(ctx, "call-1", models.CallStatusEnded, &end, &seconds); err != nil || !applied {
		t.Fatalf("ended transition failed: applied=%v err=%v", applied, err)
	}

	final, applied, err := s.SetStatus(ctx, "call-1", models.CallStatusFailed, &end, nil)
	if err != nil || applied {
		t.Fatalf("write after terminal should be no-op: applied=%v err=%v", applied, err)
	}
	if final.Status != models.CallStatusEnded {
		t.Fatalf("terminal status must not change, got %s", final.Status)
	}
	if final.Duration == nil || *final.Duration != 75 {
		t.Fatalf("expected duration 75, got %v", final.Duration)
	}
}

func TestStoreDeleteSignalingDataKeepsCallRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCall(ctx, ringingCall("call-1")); err != nil {
		t.Fatalf("create call failed: %v", err)
	}
	s.PublishOffer(ctx, "call-1", models.SessionDescription{Type: "offer", SDP: "v=0"})
	s.PublishAnswer(ctx, "call-1", models.SessionDescription{Type: "answer", SDP: "v=0"})
	s.PublishCandidate(ctx, "call-1", "alice", models.ICECandidate{Candidate: "c1"})
	s.PublishCandidate(ctx, "call-1", "bob", models.ICECandidate{Candidate: "c2"})

	if err := s.DeleteSignalingData(ctx, "call-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	call, err := s.GetCall(ctx, "call-1")
	if err != nil {
		t.Fatalf("call row should survive signaling cleanup: %v", err)
	}
	if call.Offer() != nil || call.Answer() != nil {
		t.Fatalf("offer and answer should be cleared")
	}

	var count int64
	s.db.Model(&models.CallCandidate{}).Where("call_id = ?", "call-1").Count(&count)
	if count != 0 {
		t.Fatalf("expected no candidates after cleanup, got %d", count)
	}
}

func TestStoreWatchIncoming(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	incoming := make(chan string, 4)
	unwatch, err := s.WatchIncoming("bob", func(call *models.Call) {
		incoming <- call.ID
	})
	if err != nil {
		t.Fatalf("watch incoming failed: %v", err)
	}
	defer unwatch()

	other := ringingCall("for-carol")
	other.ReceiverID = "carol"
	if err := s.CreateCall(ctx, other); err != nil {
		t.Fatalf("create call failed: %v", err)
	}
	if err := s.CreateCall(ctx, ringingCall("for-bob")); err != nil {
		t.Fatalf("create call failed: %v", err)
	}

	if got := waitEvent(t, incoming, "incoming call"); got != "for-bob" {
		t.Fatalf("expected for-bob, got %s", got)
	}
	assertNoEvent(t, incoming, "call addressed to another user")
}

func TestStoreWatchCallReportsStatusOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCall(ctx, ringingCall("call-1")); err != nil {
		t.Fatalf("create call failed: %v", err)
	}

	statuses := make(chan models.CallStatus, 8)
	unwatch, err := s.WatchCall("call-1", func(call *models.Call) {
		statuses <- call.Status
	})
	if err != nil {
		t.Fatalf("watch call failed: %v", err)
	}
	defer unwatch()

	// The watcher reports the current state once, then only changes.
	if got := waitEvent(t, statuses, "initial status"); got != models.CallStatusRinging {
		t.Fatalf("expected ringing, got %s", got)
	}
	assertNoEvent(t, statuses, "repeat of unchanged status")

	s.SetStatus(ctx, "call-1", models.CallStatusConnecting, nil, nil)
	if got := waitEvent(t, statuses, "connecting"); got != models.CallStatusConnecting {
		t.Fatalf("expected connecting, got %s", got)
	}
}

func TestPublishRetryRecoversFromTransientFailure(t *testing.T) {
	attempts := 0
	err := retryPublish(context.Background(), func() error {
		attempts++
		if attempts < publishAttempts {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected the retried write to succeed, got %v", err)
	}
	if attempts != publishAttempts {
		t.Fatalf("expected %d attempts, got %d", publishAttempts, attempts)
	}
}

func TestPublishRetryGivesUpAfterBoundedAttempts(t *testing.T) {
	wantErr := errors.New("database is locked")
	attempts := 0
	err := retryPublish(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the write error to surface, got %v", err)
	}
	if attempts != publishAttempts {
		t.Fatalf("expected %d attempts, got %d", publishAttempts, attempts)
	}
}

func TestPublishRetrySkipsMissingCall(t *testing.T) {
	attempts := 0
	err := retryPublish(context.Background(), func() error {
		attempts++
		return ErrCallNotFound
	})
	if !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
	// A missing call is a definitive answer; retrying cannot help.
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}
