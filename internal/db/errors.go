package db

import (
	"errors"
	"fmt"
)

var (
	// ErrImmutable is returned for writes to a database whose rules set immutable.
	ErrImmutable = errors.New("database is immutable")

	// ErrCapacityExceeded is matched by CapacityExceededError.
	ErrCapacityExceeded = errors.New("buffer capacity exceeded")

	// ErrChunkNotFound is returned for unknown chunk addresses.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrNoRows is returned for writes without rows.
	ErrNoRows = errors.New("no rows to write")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("database is closed")
)

// CapacityExceededError rejects a write that would take buffered bytes over
// buffer_size_hard.
type CapacityExceededError struct {
	Buffered uint64
	Incoming uint64
	Limit    uint64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("buffer capacity exceeded: %d buffered + %d incoming > hard limit %d",
		e.Buffered, e.Incoming, e.Limit)
}

func (e *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// RowError identifies the offending row of a rejected write.
type RowError struct {
	Index int
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Index, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }
