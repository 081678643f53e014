package txlog

import (
	"errors"
	"fmt"
)

// ErrFormat matches every FormatError via errors.Is.
var ErrFormat = errors.New("transaction format error")

// ErrUnknownVersion is wrapped by FormatError when the version header is not recognized.
var ErrUnknownVersion = errors.New("unknown transaction version")

// ErrInvalidTimestamp is returned by Encode for a start timestamp that has no
// nanosecond Unix representation, including the zero time.
var ErrInvalidTimestamp = errors.New("start timestamp out of range")

// ErrUpgradeNotFirst is returned for an Upgrade action after position 0.
var ErrUpgradeNotFirst = errors.New("upgrade action must be first")

// FormatError reports bytes that are not a decodable transaction.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrFormat, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrFormat, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrFormat) match any FormatError.
func (e *FormatError) Is(target error) bool { return target == ErrFormat }

func formatErr(reason string, err error) error {
	return &FormatError{Reason: reason, Err: err}
}
