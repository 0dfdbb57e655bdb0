package models

import "github.com/google/uuid"

// NewBatchID returns a fresh opaque batch identifier
func NewBatchID() string {
	return uuid.NewString()
}

// IsValidBatchID reports whether id has the shape produced by NewBatchID.
// Stores use it before turning an id into a key or a file name.
func IsValidBatchID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}
