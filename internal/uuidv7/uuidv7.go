// Package uuidv7 issues time-ordered identifiers for critical-section episodes.
package uuidv7

import (
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the canonical string form of a fresh UUIDv7.
func NewString() string {
	return New().String()
}

// Time extracts the embedded creation time from a UUIDv7 string.
func Time(raw string) (time.Time, bool) {
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
