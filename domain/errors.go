package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyText       = errors.New("task text is empty")
	ErrInvalidDay      = errors.New("invalid day")
	ErrTaskNotFound    = errors.New("task not found")
	ErrNoOwner         = errors.New("no owner")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrBatchTooLarge   = errors.New("batch exceeds store limit")
)

// WriteError reports a single document write that did not reach durable
// acknowledgment.
type WriteError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *WriteError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.TaskID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// BatchWriteError reports a multi document write that failed as a whole.
// No partial success information exists; callers must assume nothing was
// applied.
type BatchWriteError struct {
	Op    string
	Count int
	Err   error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("%s batch of %d failed: %v", e.Op, e.Count, e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

// SubscriptionError reports a broken live query.
type SubscriptionError struct {
	OwnerID string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription for %s: %v", e.OwnerID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
