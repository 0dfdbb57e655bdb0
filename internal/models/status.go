package models

import "fmt"

// BatchStatus is the lifecycle state of a bulk processing batch
type BatchStatus string

const (
	BatchInitializing BatchStatus = "initializing"
	BatchValidating   BatchStatus = "validating"
	BatchProcessing   BatchStatus = "processing"
	BatchActivating   BatchStatus = "activating"
	BatchCompleted    BatchStatus = "completed"
	BatchFailed       BatchStatus = "failed"
	BatchResumable    BatchStatus = "resumable"
	BatchAbandoned    BatchStatus = "abandoned"
)

var batchTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchInitializing: {
		BatchValidating: true,
	},
	BatchValidating: {
		BatchProcessing: true,
		BatchFailed:     true,
	},
	BatchProcessing: {
		BatchActivating: true,
		BatchResumable:  true,
		BatchFailed:     true, // checkpoint store unavailable
	},
	BatchActivating: {
		BatchCompleted: true,
		BatchFailed:    true,
	},
	BatchResumable: {
		BatchProcessing: true,
		BatchAbandoned:  true,
	},
	BatchCompleted: {},
	BatchFailed:    {},
	BatchAbandoned: {},
}

// IsTerminal returns true if no further transition is possible
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchAbandoned
}

// CanTransition reports whether the table allows from -> to
func CanTransition(from, to BatchStatus) bool {
	next, ok := batchTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed
func CheckTransition(from, to BatchStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// TaskStatus is the outcome state of a single record task
type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskProcessing          TaskStatus = "processing"
	TaskCreated             TaskStatus = "created"
	TaskCreatedAndActivated TaskStatus = "created_and_activated"
	TaskFailed              TaskStatus = "failed"
)

// Succeeded returns true once the record exists remotely
func (s TaskStatus) Succeeded() bool {
	return s == TaskCreated || s == TaskCreatedAndActivated
}

// Resolved returns true when the task has a final outcome for the current run
func (s TaskStatus) Resolved() bool {
	return s.Succeeded() || s == TaskFailed
}
