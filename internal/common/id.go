package common

import (
	"github.com/google/uuid"
)

// NewTokenID generates a unique captured-token ID with the "tok_" prefix.
// UUIDv7 keeps ids roughly time ordered, which is enough for UI keys.
// Format: tok_<uuid>
func NewTokenID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "tok_" + uuid.New().String()
	}
	return "tok_" + id.String()
}
