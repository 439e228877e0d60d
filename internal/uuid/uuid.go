// Package uuid generates the random identifiers used for shifts, workers,
// bridge correlation and websocket clients.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

// New returns a lowercase v4 UUID.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s is a canonical v4 UUID (36 chars, dashed).
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Validate returns an ErrInvalid error naming field when s is not a v4 UUID.
func Validate(field, s string) error {
	if !IsValid(s) {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("%s %q is not a valid id", field, s))
	}
	return nil
}
