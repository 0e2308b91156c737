package models

import (
	"time"
)

// CallType selects the media the call starts with. Voice calls still open an
// audio track only; video calls open audio plus video.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallDirection is computed per device, never stored on the shared record:
// the same call is outgoing on the caller's side and incoming on the
// receiver's.
type CallDirection string

const (
	DirectionIncoming CallDirection = "incoming"
	DirectionOutgoing CallDirection = "outgoing"
)

// CallStatus is the lifecycle state of a call. Keep values stable because
// they are part of the public API and of persisted rows.
type CallStatus string

const (
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusMissed     CallStatus = "missed"
	CallStatusDeclined   CallStatus = "declined"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusDeclined, CallStatusFailed:
		return true
	}
	return false
}

// legalTransitions is the single place the lifecycle state machine lives.
// Terminal states are absorbing and deliberately have no outgoing entries.
var legalTransitions = map[CallStatus][]CallStatus{
	CallStatusRinging: {
		CallStatusConnecting,
		CallStatusEnded,
		CallStatusMissed,
		CallStatusDeclined,
		CallStatusFailed,
	},
	CallStatusConnecting: {
		CallStatusConnected,
		CallStatusEnded,
		CallStatusFailed,
	},
	CallStatusConnected: {
		CallStatusEnded,
		CallStatusFailed,
	},
}

// CanTransition reports whether s -> to is a legal lifecycle transition.
func (s CallStatus) CanTransition(to CallStatus) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SessionDescription is one half of the offer/answer handshake, serialized.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one discovered network path, trickled during negotiation.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index"`
}

// Call is the authoritative shared record of one call attempt. Both
// participants mutate it, so every write against it must be expressed as a
// partial, idempotent update.
type Call struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	CallerID       string     `gorm:"type:varchar(36);not null;index" json:"caller_id"`
	CallerName     string     `gorm:"type:varchar(100)" json:"caller_name"`
	CallerAvatar   string     `gorm:"type:text" json:"caller_avatar,omitempty"`
	ReceiverID     string     `gorm:"type:varchar(36);not null;index" json:"receiver_id"`
	ReceiverName   string     `gorm:"type:varchar(100)" json:"receiver_name"`
	ReceiverAvatar string     `gorm:"type:text" json:"receiver_avatar,omitempty"`
	Type           CallType   `gorm:"type:varchar(16);not null" json:"type"`
	Status         CallStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Duration       *int       `json:"duration,omitempty"` // seconds, set at termination only
	ChatID         string     `gorm:"type:varchar(36)" json:"chat_id,omitempty"`

	// Negotiation payload. At most one offer and one answer per call;
	// candidates live in the append-only call_candidates table.
	OfferType  string `gorm:"type:varchar(16)" json:"-"`
	OfferSDP   string `gorm:"type:text" json:"-"`
	AnswerType string `gorm:"type:varchar(16)" json:"-"`
	AnswerSDP  string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Offer returns the recorded offer, if any.
func (c *Call) Offer() *SessionDescription {
	if c.OfferSDP == "" {
		return nil
	}
	return &SessionDescription{Type: c.OfferType, SDP: c.OfferSDP}
}

// Answer returns the recorded answer, if any.
func (c *Call) Answer() *SessionDescription {
	if c.AnswerSDP == "" {
		return nil
	}
	return &SessionDescription{Type: c.AnswerType, SDP: c.AnswerSDP}
}

// DirectionFor computes the per-device direction of the call.
func (c *Call) DirectionFor(userID string) CallDirection {
	if userID == c.CallerID {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// CounterpartyOf returns the other participant's identity as seen by userID.
func (c *Call) CounterpartyOf(userID string) (id, name, avatar string) {
	if userID == c.CallerID {
		return c.ReceiverID, c.ReceiverName, c.ReceiverAvatar
	}
	return c.CallerID, c.CallerName, c.CallerAvatar
}

// CallCandidate is one row of the append-only candidate sub-list of a call.
// Seq preserves publish order per call.
type CallCandidate struct {
	Seq           uint    `gorm:"primaryKey;autoIncrement" json:"seq"`
	CallID        string  `gorm:"type:varchar(36);not null;index" json:"call_id"`
	SenderID      string  `gorm:"type:varchar(36);not null" json:"sender_id"`
	Candidate     string  `gorm:"type:text;not null" json:"candidate"`
	SDPMid        *string `gorm:"type:varchar(64)" json:"sdp_mid"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index"`

	CreatedAt time.Time `json:"created_at"`
}
