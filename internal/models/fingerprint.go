package models

import "time"

// Fingerprint is a registered template. Template is the decoded binary
// blob; encoding/json renders it as standard base64.
type Fingerprint struct {
	ID        int64     `json:"id" db:"id" cbor:"1,keyasint"`
	Template  []byte    `json:"template" db:"template" cbor:"2,keyasint"`
	CreatedAt time.Time `json:"created_at" db:"created_at" cbor:"3,keyasint"`
}
