// Package signaling carries call negotiation messages (offer, answer, ICE
// candidates) and the shared call record between the two participants of a
// call. The transport behind the Channel interface is an eventually
// consistent document store: delivery is at-least-once, so every consumer
// must stay correct under duplicates, and the offer/answer slots are
// idempotent-replace while candidates are strictly append-only.
package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/tariel-x/callbridge/internal/models"
)

var (
	// ErrCallNotFound means the call id has no backing record. Callers treat
	// it as a benign race (e.g. answering a call that was already cancelled).
	ErrCallNotFound = errors.New("call not found")

	// ErrIllegalTransition means a status write violated the lifecycle table.
	ErrIllegalTransition = errors.New("illegal call status transition")
)

// Callbacks receives negotiation messages for one subscribed call. Candidates
// arrive in publish order; the offer and answer may be re-delivered, never
// with different content for the same call.
type Callbacks struct {
	OnOffer     func(models.SessionDescription)
	OnAnswer    func(models.SessionDescription)
	OnCandidate func(models.ICECandidate)
	OnError     func(error)
}

// Channel is the negotiation message bus for a single call document.
//
// Publishing is fire-and-forget from the caller's point of view: a returned
// error means the local write failed, delivery failures surface through the
// subscription's OnError. Unsubscribe functions are safe to call more than
// once and guarantee no callback runs after they return.
type Channel interface {
	PublishOffer(ctx context.Context, callID string, offer models.SessionDescription) error
	PublishAnswer(ctx context.Context, callID string, answer models.SessionDescription) error
	PublishCandidate(ctx context.Context, callID, senderID string, candidate models.ICECandidate) error

	// Subscribe delivers the call's negotiation messages to cb. Candidates
	// published by selfID are withheld: both sides append into the same
	// list, and a device must never feed its own candidates back into its
	// own media session.
	Subscribe(callID, selfID string, cb Callbacks) (unsubscribe func(), err error)

	// DeleteSignalingData removes the offer, answer and all candidates of a
	// call atomically from a subscriber's point of view: no subscriber ever
	// observes candidates without the offer as a result of deletion.
	DeleteSignalingData(ctx context.Context, callID string) error
}

// CallStore is the lifecycle side of the shared call record. Both
// participants race to update it, so SetStatus is a guarded partial write,
// never a blind overwrite.
type CallStore interface {
	CreateCall(ctx context.Context, call *models.Call) error
	GetCall(ctx context.Context, callID string) (*models.Call, error)

	// SetStatus applies "set status unless already terminal". It returns the
	// stored call and whether the write was applied. Re-applying the current
	// status or terminating an already-terminal call is a no-op, not an
	// error; a genuinely illegal transition returns ErrIllegalTransition.
	SetStatus(ctx context.Context, callID string, status models.CallStatus, endTime *time.Time, duration *int) (*models.Call, bool, error)

	// WatchCall delivers the current call record once on attach, then after
	// every observed status change. The replay means a watcher attached
	// after a terminal write still learns the call is over.
	WatchCall(callID string, fn func(*models.Call)) (unwatch func(), err error)

	// WatchIncoming delivers calls that appear in ringing state with the
	// given user as receiver. Delivery is at-least-once.
	WatchIncoming(userID string, fn func(*models.Call)) (unwatch func(), err error)
}

// Bus is the full shared-store surface a call participant needs.
type Bus interface {
	Channel
	CallStore
}
