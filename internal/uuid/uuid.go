// Package uuid generates and checks the idempotency keys attached to queued
// mutations.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// NewKey returns a fresh random (v4) idempotency key.
func NewKey() string {
	return uuid.NewString()
}

// ParseKey parses s and requires a v4 key.
func ParseKey(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid idempotency key: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected v4 idempotency key, got v%d", id.Version())
	}
	return id, nil
}

// IsValidKey reports whether s is a canonical v4 key.
func IsValidKey(s string) bool {
	id, err := ParseKey(s)
	return err == nil && id.String() == toLowerCanonical(s)
}

// toLowerCanonical lower-cases s so upper-case input still compares equal to
// the canonical form; non-canonical encodings (urn:, braces) do not.
func toLowerCanonical(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
