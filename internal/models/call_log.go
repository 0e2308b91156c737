package models

import "time"

// CallLog is one per-user projection of a call: each participant owns an
// independent row naming the other party, so call history never needs a join.
// The row id is "<ownerID>_<callID>", which makes the start-time insert and
// the termination update land on the same row instead of duplicating it.
type CallLog struct {
	ID            string        `gorm:"type:varchar(80);primaryKey" json:"id"`
	OwnerID       string        `gorm:"type:varchar(36);not null;index" json:"owner_id"`
	CallID        string        `gorm:"type:varchar(36);not null;index" json:"call_id"`
	ContactID     string        `gorm:"type:varchar(36);not null" json:"contact_id"`
	ContactName   string        `gorm:"type:varchar(100)" json:"contact_name"`
	ContactAvatar string        `gorm:"type:text" json:"contact_avatar,omitempty"`
	Type          CallType      `gorm:"type:varchar(16);not null" json:"type"`
	Direction     CallDirection `gorm:"type:varchar(16);not null" json:"direction"`
	Status        CallStatus    `gorm:"type:varchar(16);not null" json:"status"`
	Timestamp     time.Time     `gorm:"index" json:"timestamp"`
	Duration      *int          `json:"duration,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CallLogID builds the deterministic row id for one owner's view of a call.
func CallLogID(ownerID, callID string) string {
	return ownerID + "_" + callID
}
