package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a ULID string (26 chars) for the given time.
// ULIDs are lexicographically sortable, which keeps ids useful for tracing
// and ordering in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns the id for a websocket session.
func NewSessionID(now time.Time) string {
	if id, err := NewULID(now); err == nil {
		return id
	}
	return NewRandomHex(13)
}

// NewEnvelopeID returns the id stamped on an outgoing envelope.
func NewEnvelopeID(now time.Time) string {
	if id, err := NewULID(now); err == nil {
		return id
	}
	return NewRandomHex(13)
}

// NewMessageID returns the id for a persisted message.
func NewMessageID(now time.Time) string {
	if id, err := NewULID(now); err == nil {
		return id
	}
	return NewRandomHex(13)
}

// NewRandomHex returns a cryptographically secure random hex string of length
// 2*nBytes. If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// In the extremely rare case rand fails, return an empty string.
		// Callers should treat empty as an error-like condition in logs/tests.
		return ""
	}

	return hex.EncodeToString(b)
}
