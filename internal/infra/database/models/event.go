package models

import (
	"time"
)

// Event is the append-only local copy of a relay event. Rows are
// idempotent by id; superseded versions are flagged for garbage
// collection rather than removed inline.
type Event struct {
	ID          string    `json:"id" gorm:"primaryKey;type:text"`
	PubKey      string    `json:"pubkey" gorm:"type:text;index:idx_event_identity"`
	Kind        int       `json:"kind" gorm:"index:idx_event_identity"`
	Identifier  string    `json:"identifier" gorm:"type:text;index:idx_event_identity"`
	CreatedAt   int64     `json:"created_at" gorm:"not null"`
	Tags        string    `json:"tags" gorm:"type:text"`
	Content     string    `json:"content" gorm:"type:text"`
	Sig         string    `json:"sig" gorm:"type:text"`
	GcCandidate bool      `json:"gcCandidate" gorm:"type:boolean;not null;default:false;index"`
	CDate       time.Time `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
}

// EventKey is the authoritative pointer for one identity key. The
// pointer advances last-write-wins on logical time, so concurrent
// writers converge regardless of arrival order.
type EventKey struct {
	ID          int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	URI         string `json:"uri" gorm:"type:text;index:event_key_uri,unique"`
	EventID     string `json:"eventID" gorm:"type:text"`
	LogicalTime int64  `json:"logicalTime" gorm:"not null;default:0"`
	Event       Event  `json:"event" gorm:"foreignKey:EventID;references:ID;constraint:OnDelete:CASCADE;"`
}
