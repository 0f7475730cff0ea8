// Package id generates opaque identifiers for events, sagas, and envelopes.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random UUIDv4 rendered as 26 lowercase base32 characters.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// MustNewID is NewID for call sites that cannot surface an error. It falls
// back to the canonical UUID string form if random generation fails.
func MustNewID() string {
	value, err := NewID()
	if err != nil {
		return uuid.NewString()
	}
	return value
}
