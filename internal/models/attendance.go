package models

import (
	"time"

	"github.com/google/uuid"
)

type AttendanceEvent struct {
	ID            uuid.UUID `json:"id" db:"id"`
	FingerprintID int64     `json:"fingerprint_id" db:"fingerprint_id"`
	Similarity    float64   `json:"similarity" db:"similarity"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// AttendanceFilter narrows an attendance history query. Nil fields are ignored.
type AttendanceFilter struct {
	FingerprintID *int64
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// Normalize clamps Limit the same way every store does.
func (f *AttendanceFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

type EventType string

const (
	EventRegistered EventType = "fingerprint_registered"
	EventMatched    EventType = "fingerprint_matched"
	EventNoMatch    EventType = "fingerprint_no_match"
)

// FingerprintEvent is the message published to NATS after a register or
// match decision.
type FingerprintEvent struct {
	Type          EventType  `json:"type"`
	FingerprintID int64      `json:"fingerprint_id,omitempty"`
	Similarity    float64    `json:"similarity,omitempty"`
	Confidence    string     `json:"confidence,omitempty"`
	AttendanceID  *uuid.UUID `json:"attendance_id,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}
