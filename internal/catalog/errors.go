package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptCatalog matches every CorruptCatalogError via errors.Is.
	ErrCorruptCatalog = errors.New("corrupt catalog")

	// ErrConcurrentModification matches every ConcurrentModificationError.
	ErrConcurrentModification = errors.New("concurrent catalog modification")

	// ErrFileAlreadyLive is returned when adding a path that is already live.
	ErrFileAlreadyLive = errors.New("file already live")

	// ErrFileNotLive is returned when removing a path that is not live.
	ErrFileNotLive = errors.New("file not live")

	// ErrEmptyCatalog is returned by operations that need at least one revision.
	ErrEmptyCatalog = errors.New("catalog has no transactions")

	// ErrCatalogNotEmpty is returned by Rebuild when transactions already exist.
	ErrCatalogNotEmpty = errors.New("catalog already has transactions")

	// ErrMultipleTransactions is returned by Rebuild when two files claim the
	// same revision with different transaction uuids.
	ErrMultipleTransactions = errors.New("multiple transactions for one revision")
)

// CorruptCatalogError reports a broken chain invariant found during replay.
// The catalog cannot be served until an operator repairs or rebuilds it.
type CorruptCatalogError struct {
	Revision uint64
	Reason   string
	Err      error
}

func (e *CorruptCatalogError) Error() string {
	msg := fmt.Sprintf("corrupt catalog at revision %d: %s", e.Revision, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptCatalogError) Unwrap() error { return e.Err }

func (e *CorruptCatalogError) Is(target error) bool { return target == ErrCorruptCatalog }

func corrupt(rev uint64, err error, format string, args ...any) error {
	return &CorruptCatalogError{Revision: rev, Reason: fmt.Sprintf(format, args...), Err: err}
}

// ConcurrentModificationError reports that every commit attempt lost the
// create-if-absent race.
type ConcurrentModificationError struct {
	Attempts     int
	LastRevision uint64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent catalog modification: lost revision %d after %d attempts",
		e.LastRevision, e.Attempts)
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}
