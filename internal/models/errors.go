package models

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateBatch     = errors.New("batch already exists")
	ErrUnknownBatch       = errors.New("batch not found")
	ErrInvalidTransition  = errors.New("invalid batch status transition")
	ErrNotResumable       = errors.New("batch is not resumable")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrInvalidInput       = errors.New("invalid input")
)

// ValidationError describes an input problem found before any remote call.
// Row is 0 when the error concerns the whole upload.
type ValidationError struct {
	Row     int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("Row %d: %s", e.Row, e.Message)
	}
	return e.Message
}

// Unwrap lets callers match any ValidationError with errors.Is(err, ErrInvalidInput)
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError builds a batch-level ValidationError
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
