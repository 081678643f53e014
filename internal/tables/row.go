// Package tables holds the row model written into chunks and the column
// statistics kept for each of them.
package tables

import (
	"errors"
	"fmt"
	"time"
)

// TimeColumn is the reserved name of every row's timestamp column.
const TimeColumn = "time"

var (
	// ErrNoFields is returned for rows that carry no field values.
	ErrNoFields = errors.New("row has no fields")

	// ErrColumnConflict is returned when a name is used as both tag and field,
	// or shadows the time column.
	ErrColumnConflict = errors.New("column name conflict")
)

// Row is one measurement: a timestamp, string tags, and float fields.
type Row struct {
	Time   time.Time
	Tags   map[string]string
	Fields map[string]float64
}

// Validate checks column naming rules.
func (r Row) Validate() error {
	if len(r.Fields) == 0 {
		return ErrNoFields
	}
	for k := range r.Tags {
		if k == TimeColumn {
			return fmt.Errorf("%w: tag %q", ErrColumnConflict, k)
		}
		if _, ok := r.Fields[k]; ok {
			return fmt.Errorf("%w: %q is both tag and field", ErrColumnConflict, k)
		}
	}
	if _, ok := r.Fields[TimeColumn]; ok {
		return fmt.Errorf("%w: field %q", ErrColumnConflict, TimeColumn)
	}
	return nil
}

// EstimatedSize is the mutable buffer's accounting of the row:
// 8 bytes of timestamp, tag keys and values, field keys plus 8 bytes each.
func (r Row) EstimatedSize() uint64 {
	size := uint64(8)
	for k, v := range r.Tags {
		size += uint64(len(k) + len(v))
	}
	for k := range r.Fields {
		size += uint64(len(k) + 8)
	}
	return size
}

// SchemaVersion returns the version of the persisted row layout.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
