package dto

import (
	"time"

	"github.com/google/uuid"
)

// Templates travel as standard base64 strings.

type RegisterRequest struct {
	FingerprintID int64  `json:"fingerprint_id,omitempty"`
	Template      string `json:"template"`
}

type MatchRequest struct {
	Template string `json:"template"`
}

type SimilarityRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

type FingerprintResponse struct {
	ID        int64  `json:"fingerprint_id"`
	Template  string `json:"template"`
	CreatedAt string `json:"created_at"`
}

type RegisterResponse struct {
	Message  string              `json:"message"`
	Data     FingerprintResponse `json:"data"`
	Replaced bool                `json:"replaced,omitempty"`
}

type MatchResponse struct {
	Message    string               `json:"message"`
	Similarity string               `json:"similarity"`
	Data       *FingerprintResponse `json:"data,omitempty"`
	Confidence string               `json:"confidence,omitempty"`
	ClosestID  *int64               `json:"closest_id,omitempty"`
	Attendance *AttendanceResponse  `json:"attendance,omitempty"`
}

type FingerprintListResponse struct {
	Message string                `json:"message"`
	Count   int                   `json:"count"`
	Data    []FingerprintResponse `json:"data"`
}

type HexResponse struct {
	ID  int64  `json:"fingerprint_id"`
	Hex string `json:"hex"`
}

type SimilarityResponse struct {
	Similarity string  `json:"similarity"`
	Value      float64 `json:"value"`
}

type AttendanceResponse struct {
	ID            uuid.UUID `json:"id"`
	FingerprintID int64     `json:"fingerprint_id"`
	Similarity    float64   `json:"similarity"`
	Timestamp     string    `json:"timestamp"`
}

type AttendanceListResponse struct {
	Events []AttendanceResponse `json:"events"`
	Total  int                  `json:"total"`
}

// ErrorResponse is the body of every non-2xx reply. Similarity is set on a
// failed match.
type ErrorResponse struct {
	Message    string `json:"message"`
	Similarity string `json:"similarity,omitempty"`
	ClosestID  *int64 `json:"closest_id,omitempty"`
	ExistingID *int64 `json:"existing_id,omitempty"`
}

// WSEvent is a WebSocket message for real-time decision delivery.
type WSEvent struct {
	Type          string     `json:"type"` // fingerprint_registered, fingerprint_matched, fingerprint_no_match
	FingerprintID int64      `json:"fingerprint_id,omitempty"`
	Similarity    string     `json:"similarity,omitempty"`
	Confidence    string     `json:"confidence,omitempty"`
	AttendanceID  *uuid.UUID `json:"attendance_id,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}
