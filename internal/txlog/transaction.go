// Package txlog defines catalog transactions and their binary encoding.
package txlog

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
)

// Version identifies a schema generation of the encoded transaction.
type Version uint32

const (
	// VersionFlatPath stores paths as a single slash-joined string and
	// carries no metadata on AddParquet.
	VersionFlatPath Version = 1

	// VersionHierarchical stores paths as directories plus file name and
	// attaches metadata bytes to AddParquet.
	VersionHierarchical Version = 2

	// CurrentVersion is the generation Encode writes.
	CurrentVersion = VersionHierarchical
)

// Known reports whether v is a generation this package can decode.
func (v Version) Known() bool {
	return v == VersionFlatPath || v == VersionHierarchical
}

// ActionKind tags the variant held by an Action.
type ActionKind uint8

const (
	ActionUpgrade ActionKind = iota + 1
	ActionAddParquet
	ActionRemoveParquet
)

func (k ActionKind) String() string {
	switch k {
	case ActionUpgrade:
		return "upgrade"
	case ActionAddParquet:
		return "add_parquet"
	case ActionRemoveParquet:
		return "remove_parquet"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Action is one step of a transaction.
//
// Upgrade uses Format. AddParquet uses Path and Metadata.
// RemoveParquet uses Path.
type Action struct {
	Kind     ActionKind
	Format   string
	Path     objectstore.Path
	Metadata []byte
}

// NewUpgrade returns an Upgrade action.
func NewUpgrade(format string) Action {
	return Action{Kind: ActionUpgrade, Format: format}
}

// NewAddParquet returns an AddParquet action. Metadata is kept opaque.
func NewAddParquet(p objectstore.Path, metadata []byte) Action {
	return Action{Kind: ActionAddParquet, Path: p, Metadata: metadata}
}

// NewRemoveParquet returns a RemoveParquet action.
func NewRemoveParquet(p objectstore.Path) Action {
	return Action{Kind: ActionRemoveParquet, Path: p}
}

// Transaction is one atomic, ordered batch of catalog actions.
type Transaction struct {
	Version         Version
	Actions         []Action
	RevisionCounter uint64
	UUID            uuid.UUID
	// PreviousUUID is uuid.Nil only for revision 0.
	PreviousUUID   uuid.UUID
	StartTimestamp time.Time
}

// Summary returns a short description for logs.
func (t *Transaction) Summary() string {
	var adds, removes, upgrades int
	for _, a := range t.Actions {
		switch a.Kind {
		case ActionAddParquet:
			adds++
		case ActionRemoveParquet:
			removes++
		case ActionUpgrade:
			upgrades++
		}
	}
	return fmt.Sprintf("rev=%d uuid=%s add=%d remove=%d upgrade=%d",
		t.RevisionCounter, t.UUID, adds, removes, upgrades)
}

// IsCheckpoint reports whether the transaction opens with an Upgrade,
// i.e. it replaces the live set instead of amending it.
func (t *Transaction) IsCheckpoint() bool {
	return len(t.Actions) > 0 && t.Actions[0].Kind == ActionUpgrade
}
