package call

import (
	"errors"
	"fmt"
)

// FailureKind classifies call failures for callers that need to branch on
// them without string matching.
type FailureKind string

const (
	// FailurePermissionDenied covers both the block-list policy check and
	// local media permission. No signaling is attempted.
	FailurePermissionDenied FailureKind = "permission_denied"
	// FailureNegotiation means the media engine could not establish a path.
	FailureNegotiation FailureKind = "negotiation_failure"
	// FailureChannel means writing to or subscribing on the shared store
	// failed past the channel layer's retries.
	FailureChannel FailureKind = "channel_failure"
	// FailureNotFound means the call id has no backing record; usually a
	// benign race with the other side cancelling.
	FailureNotFound FailureKind = "not_found"
)

// Error is a structured call failure with a human-readable reason. It is
// returned, never panicked, and local user-facing kinds (permission,
// not-found) are also resolved through the listener contract.
type Error struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind FailureKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the failure kind from err, or "" when err is not a call
// failure.
func KindOf(err error) FailureKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// ErrCallInProgress rejects a second concurrent call on this device: the
// core supports exactly one local call session at a time.
var ErrCallInProgress = errors.New("another call is already in progress")
