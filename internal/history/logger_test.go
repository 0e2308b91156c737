package history

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tariel-x/callbridge/internal/database"
	"github.com/tariel-x/callbridge/internal/models"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	db, err := database.Initialize(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	l := NewLogger(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.SetPollInterval(10 * time.Millisecond)
	return l
}

func voiceCall(id string, status models.CallStatus, start time.Time) *models.Call {
	return &models.Call{
		ID:           id,
		CallerID:     "alice",
		CallerName:   "Alice",
		ReceiverID:   "bob",
		ReceiverName: "Bob",
		Type:         models.CallTypeVoice,
		Status:       status,
		StartTime:    start,
	}
}

func TestLogCallUpsertsSingleRow(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	call := voiceCall("call-1", models.CallStatusRinging, start)
	if err := l.LogCall(ctx, "alice", call); err != nil {
		t.Fatalf("log ringing failed: %v", err)
	}

	// Termination updates the same row, it never adds a second one.
	seconds := 30
	call.Status = models.CallStatusEnded
	call.Duration = &seconds
	if err := l.LogCall(ctx, "alice", call); err != nil {
		t.Fatalf("log ended failed: %v", err)
	}

	rows, err := l.GetCallHistory(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].Status != models.CallStatusEnded {
		t.Fatalf("expected ended, got %s", rows[0].Status)
	}
	if rows[0].Duration == nil || *rows[0].Duration != 30 {
		t.Fatalf("expected duration 30, got %v", rows[0].Duration)
	}
	if rows[0].Direction != models.DirectionOutgoing {
		t.Fatalf("alice's row should be outgoing, got %s", rows[0].Direction)
	}
	if rows[0].ContactID != "bob" || rows[0].ContactName != "Bob" {
		t.Fatalf("alice's row should name bob, got %s/%s", rows[0].ContactID, rows[0].ContactName)
	}
}

func TestLogCallTerminalNeverRegresses(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	call := voiceCall("call-1", models.CallStatusDeclined, start)
	if err := l.LogCall(ctx, "bob", call); err != nil {
		t.Fatalf("log declined failed: %v", err)
	}

	// A re-delivered ringing event from the at-least-once channel must not
	// resurrect a finished call.
	call.Status = models.CallStatusRinging
	if err := l.LogCall(ctx, "bob", call); err != nil {
		t.Fatalf("re-log ringing failed: %v", err)
	}

	rows, _ := l.GetCallHistory(ctx, "bob", 0)
	if len(rows) != 1 || rows[0].Status != models.CallStatusDeclined {
		t.Fatalf("terminal row regressed: %+v", rows)
	}
}

func TestBothSidesGetIndependentRows(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	call := voiceCall("call-1", models.CallStatusMissed, start)
	if err := l.LogCall(ctx, "alice", call); err != nil {
		t.Fatalf("log caller side failed: %v", err)
	}
	if err := l.LogCall(ctx, "bob", call); err != nil {
		t.Fatalf("log receiver side failed: %v", err)
	}

	aliceRows, _ := l.GetCallHistory(ctx, "alice", 0)
	bobRows, _ := l.GetCallHistory(ctx, "bob", 0)
	if len(aliceRows) != 1 || len(bobRows) != 1 {
		t.Fatalf("expected one row per side, got %d/%d", len(aliceRows), len(bobRows))
	}
	if aliceRows[0].Direction != models.DirectionOutgoing {
		t.Fatalf("caller side should be outgoing")
	}
	if bobRows[0].Direction != models.DirectionIncoming {
		t.Fatalf("receiver side should be incoming")
	}
	if bobRows[0].ContactID != "alice" {
		t.Fatalf("receiver's row should name the caller")
	}
}

func TestGetCallHistoryNewestFirst(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"old", "mid", "new"} {
		call := voiceCall(id, models.CallStatusEnded, base.Add(time.Duration(i)*time.Hour))
		if err := l.LogCall(ctx, "alice", call); err != nil {
			t.Fatalf("log %s failed: %v", id, err)
		}
	}

	rows, err := l.GetCallHistory(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected three rows, got %d", len(rows))
	}
	if rows[0].CallID != "new" || rows[2].CallID != "old" {
		t.Fatalf("expected newest-first order, got %s..%s", rows[0].CallID, rows[2].CallID)
	}

	limited, _ := l.GetCallHistory(ctx, "alice", 2)
	if len(limited) != 2 || limited[0].CallID != "new" {
		t.Fatalf("limit should keep the newest rows, got %+v", limited)
	}
}

func TestSubscribeToCallHistory(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	updates := make(chan []models.CallLog, 16)
	unsubscribe := l.SubscribeToCallHistory("alice", 0, func(rows []models.CallLog) {
		updates <- rows
	})
	defer unsubscribe()

	// Initial state is delivered even when empty.
	select {
	case rows := <-updates:
		if len(rows) != 0 {
			t.Fatalf("expected empty initial state, got %d rows", len(rows))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("initial state never delivered")
	}

	if err := l.LogCall(ctx, "alice", voiceCall("call-1", models.CallStatusEnded, start)); err != nil {
		t.Fatalf("log call failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case rows := <-updates:
			if len(rows) == 1 && rows[0].CallID == "call-1" {
				return
			}
		case <-deadline:
			t.Fatalf("history update never delivered")
		}
	}
}
