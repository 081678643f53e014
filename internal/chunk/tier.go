// Package chunk models one unit of table data within a partition and the
// storage tiers it moves through on its way to object storage.
package chunk

import (
	"cmp"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when a transition is not legal from
	// the chunk's current tier.
	ErrInvalidTransition = errors.New("invalid chunk transition")

	// ErrActionInProgress is returned when a chunk already has an
	// outstanding lifecycle action.
	ErrActionInProgress = errors.New("chunk lifecycle action in progress")

	// ErrNoActionInProgress is returned by FinishAction on an idle chunk.
	ErrNoActionInProgress = errors.New("no chunk lifecycle action in progress")

	// ErrDropped is returned for any operation on a dropped chunk.
	ErrDropped = errors.New("chunk dropped")

	// ErrEmptyChunk is returned when closing a chunk that never received rows.
	ErrEmptyChunk = errors.New("chunk has no rows")
)

// Tier is a chunk's storage state. Tiers only move forward.
type Tier uint8

const (
	TierOpenMutable Tier = iota + 1
	TierClosedMutable
	TierReadBuffer
	TierReadBufferAndObjectStore
	TierObjectStoreOnly
)

func (t Tier) String() string {
	switch t {
	case TierOpenMutable:
		return "open_mutable"
	case TierClosedMutable:
		return "closed_mutable"
	case TierReadBuffer:
		return "read_buffer"
	case TierReadBufferAndObjectStore:
		return "read_buffer_and_object_store"
	case TierObjectStoreOnly:
		return "object_store_only"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Buffered reports whether the tier holds chunk data in process memory.
func (t Tier) Buffered() bool {
	return t >= TierOpenMutable && t <= TierReadBufferAndObjectStore
}

// Persisted reports whether the tier has a file in object storage.
func (t Tier) Persisted() bool {
	return t == TierReadBufferAndObjectStore || t == TierObjectStoreOnly
}

// Action is the lifecycle transition currently running on a chunk.
type Action uint8

const (
	ActionNone Action = iota
	ActionClosing
	ActionCompacting
	ActionPersisting
	ActionUnloading
	ActionDropping
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionClosing:
		return "close"
	case ActionCompacting:
		return "compact"
	case ActionPersisting:
		return "persist"
	case ActionUnloading:
		return "unload"
	case ActionDropping:
		return "drop"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// allowedFrom reports whether a may start on a chunk in tier t.
func (a Action) allowedFrom(t Tier) bool {
	switch a {
	case ActionClosing:
		return t == TierOpenMutable
	case ActionCompacting:
		return t == TierClosedMutable
	case ActionPersisting:
		return t == TierClosedMutable || t == TierReadBuffer
	case ActionUnloading:
		return t == TierReadBufferAndObjectStore
	case ActionDropping:
		return true
	default:
		return false
	}
}

// Addr identifies a chunk within a database.
type Addr struct {
	PartitionKey string
	TableName    string
	ID           uint32
}

func (a Addr) String() string {
	return fmt.Sprintf("%s/%s/%d", a.PartitionKey, a.TableName, a.ID)
}

// Compare orders addresses by partition, table, then id.
func (a Addr) Compare(o Addr) int {
	if c := strings.Compare(a.PartitionKey, o.PartitionKey); c != 0 {
		return c
	}
	if c := strings.Compare(a.TableName, o.TableName); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, o.ID)
}
