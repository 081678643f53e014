// Package lifecycle decides when chunks move between storage tiers and runs
// the periodic worker that carries those decisions out.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// DefaultWorkerBackoff is the scan interval when worker_backoff_millis is unset.
const DefaultWorkerBackoff = time.Second

// ErrInvalidRules is wrapped by every Validate failure.
var ErrInvalidRules = errors.New("invalid lifecycle rules")

// Order is the direction of the eviction sort.
type Order string

const (
	OrderAscending  Order = "asc"
	OrderDescending Order = "desc"
)

// SortKind selects the eviction sort key.
type SortKind string

const (
	SortCreatedAtTime SortKind = "created_at_time"
	SortLastWriteTime SortKind = "last_write_time"
	SortColumn        SortKind = "column"
)

// Sort names the key chunks are ordered by when choosing eviction candidates.
type Sort struct {
	Kind SortKind `yaml:"kind"`

	// Column, ColumnType and Aggregate apply to SortColumn only.
	Column     string `yaml:"column,omitempty"`
	ColumnType string `yaml:"column_type,omitempty"`
	Aggregate  string `yaml:"aggregate,omitempty"`
}

// SortOrder is the configured eviction order. The zero value sorts by time
// of first write, oldest first.
type SortOrder struct {
	Order Order `yaml:"order"`
	Sort  Sort  `yaml:"sort"`
}

// Rules are the per-database lifecycle options. Zero means unset for every
// numeric option.
type Rules struct {
	MutableLingerSeconds     uint32    `yaml:"mutable_linger_seconds"`
	MutableMinimumAgeSeconds uint32    `yaml:"mutable_minimum_age_seconds"`
	MutableSizeThreshold     uint64    `yaml:"mutable_size_threshold"`
	BufferSizeSoft           uint64    `yaml:"buffer_size_soft"`
	BufferSizeHard           uint64    `yaml:"buffer_size_hard"`
	SortOrder                SortOrder `yaml:"sort_order"`
	DropNonPersisted         bool      `yaml:"drop_non_persisted"`
	Persist                  bool      `yaml:"persist"`
	Immutable                bool      `yaml:"immutable"`
	WorkerBackoffMillis      uint64    `yaml:"worker_backoff_millis"`
}

// Validate checks option combinations and enum values.
func (r Rules) Validate() error {
	if r.BufferSizeSoft > 0 && r.BufferSizeHard > 0 && r.BufferSizeSoft > r.BufferSizeHard {
		return fmt.Errorf("%w: buffer_size_soft %d exceeds buffer_size_hard %d",
			ErrInvalidRules, r.BufferSizeSoft, r.BufferSizeHard)
	}
	if _, err := parseOrder(r.SortOrder.Order); err != nil {
		return err
	}

	switch r.SortOrder.Sort.Kind {
	case "", SortCreatedAtTime, SortLastWriteTime:
	case SortColumn:
		if r.SortOrder.Sort.Column == "" {
			return fmt.Errorf("%w: column sort requires a column name", ErrInvalidRules)
		}
		if _, err := r.SortOrder.Sort.columnType(); err != nil {
			return err
		}
		if _, err := r.SortOrder.Sort.aggregate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown sort kind %q", ErrInvalidRules, r.SortOrder.Sort.Kind)
	}
	return nil
}

// MutableLinger returns how long an open chunk may go without writes.
func (r Rules) MutableLinger() (time.Duration, bool) {
	return time.Duration(r.MutableLingerSeconds) * time.Second, r.MutableLingerSeconds > 0
}

// MutableMinimumAge returns how long a chunk must have existed before a
// linger close.
func (r Rules) MutableMinimumAge() (time.Duration, bool) {
	return time.Duration(r.MutableMinimumAgeSeconds) * time.Second, r.MutableMinimumAgeSeconds > 0
}

// WorkerBackoff returns the scan interval.
func (r Rules) WorkerBackoff() time.Duration {
	if r.WorkerBackoffMillis == 0 {
		return DefaultWorkerBackoff
	}
	return time.Duration(r.WorkerBackoffMillis) * time.Millisecond
}

func parseOrder(o Order) (Order, error) {
	switch strings.ToLower(string(o)) {
	case "", "asc", "ascending":
		return OrderAscending, nil
	case "desc", "descending":
		return OrderDescending, nil
	default:
		return "", fmt.Errorf("%w: unknown sort order %q", ErrInvalidRules, o)
	}
}

func (s Sort) columnType() (tables.ColumnType, error) {
	if s.ColumnType == "" {
		return tables.ColumnField, nil
	}
	t, err := tables.ParseColumnType(s.ColumnType)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return t, nil
}

func (s Sort) aggregate() (tables.Aggregate, error) {
	switch strings.ToLower(s.Aggregate) {
	case "", "min":
		return tables.AggregateMin, nil
	case "max":
		return tables.AggregateMax, nil
	default:
		return 0, fmt.Errorf("%w: unknown aggregate %q", ErrInvalidRules, s.Aggregate)
	}
}
