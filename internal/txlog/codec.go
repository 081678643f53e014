package txlog

import (
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
)

// encMode uses Core Deterministic Encoding: the same transaction always
// produces identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so later generations can add keys.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("txlog: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("txlog: CBOR decoder initialization failed: " + err.Error())
	}
}

// header is decoded first to pick the generation.
type header struct {
	Version uint32 `cbor:"1,keyasint"`
}

// Generation 1: flat path strings, textual uuids, no file metadata.
type wireTransactionV1 struct {
	Version      uint32         `cbor:"1,keyasint"`
	Actions      []wireActionV1 `cbor:"2,keyasint,omitempty"`
	Revision     uint64         `cbor:"3,keyasint"`
	UUID         string         `cbor:"4,keyasint"`
	PreviousUUID string         `cbor:"5,keyasint,omitempty"`
	StartNanos   int64          `cbor:"6,keyasint"`
}

type wireActionV1 struct {
	Kind   uint8  `cbor:"1,keyasint"`
	Format string `cbor:"2,keyasint,omitempty"`
	Path   string `cbor:"3,keyasint,omitempty"`
}

// Generation 2: hierarchical paths, binary uuids, metadata on AddParquet.
type wireTransactionV2 struct {
	Version      uint32         `cbor:"1,keyasint"`
	Actions      []wireActionV2 `cbor:"2,keyasint,omitempty"`
	Revision     uint64         `cbor:"3,keyasint"`
	UUID         []byte         `cbor:"4,keyasint"`
	PreviousUUID []byte         `cbor:"5,keyasint,omitempty"`
	StartNanos   int64          `cbor:"6,keyasint"`
}

type wireActionV2 struct {
	Kind     uint8    `cbor:"1,keyasint"`
	Format   string   `cbor:"2,keyasint,omitempty"`
	Dirs     []string `cbor:"4,keyasint,omitempty"`
	File     string   `cbor:"5,keyasint,omitempty"`
	Metadata []byte   `cbor:"6,keyasint,omitempty"`
}

// Start timestamps travel as Unix nanoseconds.
var (
	minStart = time.Unix(0, math.MinInt64)
	maxStart = time.Unix(0, math.MaxInt64)
)

// Encode serializes t using the current generation. t.Version is ignored.
func Encode(t *Transaction) ([]byte, error) {
	ts := t.StartTimestamp
	if ts.IsZero() || ts.Before(minStart) || ts.After(maxStart) {
		return nil, fmt.Errorf("encode transaction %d: %w: %s", t.RevisionCounter, ErrInvalidTimestamp, ts)
	}

	w := wireTransactionV2{
		Version:    uint32(CurrentVersion),
		Revision:   t.RevisionCounter,
		UUID:       t.UUID[:],
		StartNanos: ts.UnixNano(),
	}
	if t.PreviousUUID != uuid.Nil {
		w.PreviousUUID = t.PreviousUUID[:]
	}

	for i, a := range t.Actions {
		wa := wireActionV2{Kind: uint8(a.Kind)}
		switch a.Kind {
		case ActionUpgrade:
			if i > 0 {
				return nil, fmt.Errorf("encode action %d: %w", i, ErrUpgradeNotFirst)
			}
			wa.Format = a.Format
		case ActionAddParquet, ActionRemoveParquet:
			if err := a.Path.Validate(); err != nil {
				return nil, fmt.Errorf("encode action %d: %w", i, err)
			}
			wa.Dirs = a.Path.Dirs()
			wa.File = a.Path.File()
			if a.Kind == ActionAddParquet {
				wa.Metadata = a.Metadata
			}
		default:
			return nil, fmt.Errorf("encode action %d: unknown kind %s", i, a.Kind)
		}
		w.Actions = append(w.Actions, wa)
	}

	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return data, nil
}

// Decode parses any recognized generation. The returned transaction records
// the generation it was read from.
func Decode(data []byte) (*Transaction, error) {
	var h header
	if err := decMode.Unmarshal(data, &h); err != nil {
		return nil, formatErr("read header", err)
	}

	switch Version(h.Version) {
	case VersionFlatPath:
		return decodeV1(data)
	case VersionHierarchical:
		return decodeV2(data)
	default:
		return nil, formatErr(fmt.Sprintf("version %d", h.Version), ErrUnknownVersion)
	}
}

func decodeV1(data []byte) (*Transaction, error) {
	var w wireTransactionV1
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, formatErr("decode v1 transaction", err)
	}

	id, err := uuid.Parse(w.UUID)
	if err != nil {
		return nil, formatErr("uuid", err)
	}
	prev := uuid.Nil
	if w.PreviousUUID != "" {
		if prev, err = uuid.Parse(w.PreviousUUID); err != nil {
			return nil, formatErr("previous uuid", err)
		}
	}

	t := &Transaction{
		Version:         VersionFlatPath,
		RevisionCounter: w.Revision,
		UUID:            id,
		PreviousUUID:    prev,
		StartTimestamp:  time.Unix(0, w.StartNanos).UTC(),
	}

	for i, wa := range w.Actions {
		a := Action{Kind: ActionKind(wa.Kind)}
		switch a.Kind {
		case ActionUpgrade:
			if i > 0 {
				return nil, formatErr(fmt.Sprintf("action %d", i), ErrUpgradeNotFirst)
			}
			a.Format = wa.Format
		case ActionAddParquet, ActionRemoveParquet:
			p, err := objectstore.ParsePath(wa.Path)
			if err == nil {
				err = p.Validate()
			}
			if err != nil {
				return nil, formatErr(fmt.Sprintf("action %d path", i), err)
			}
			a.Path = p
		default:
			return nil, formatErr(fmt.Sprintf("action %d: unknown kind %d", i, wa.Kind), nil)
		}
		t.Actions = append(t.Actions, a)
	}

	return t, nil
}

func decodeV2(data []byte) (*Transaction, error) {
	var w wireTransactionV2
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, formatErr("decode v2 transaction", err)
	}

	id, err := uuid.FromBytes(w.UUID)
	if err != nil {
		return nil, formatErr("uuid", err)
	}
	prev := uuid.Nil
	if len(w.PreviousUUID) > 0 {
		if prev, err = uuid.FromBytes(w.PreviousUUID); err != nil {
			return nil, formatErr("previous uuid", err)
		}
	}

	t := &Transaction{
		Version:         VersionHierarchical,
		RevisionCounter: w.Revision,
		UUID:            id,
		PreviousUUID:    prev,
		StartTimestamp:  time.Unix(0, w.StartNanos).UTC(),
	}

	for i, wa := range w.Actions {
		a := Action{Kind: ActionKind(wa.Kind)}
		switch a.Kind {
		case ActionUpgrade:
			if i > 0 {
				return nil, formatErr(fmt.Sprintf("action %d", i), ErrUpgradeNotFirst)
			}
			a.Format = wa.Format
		case ActionAddParquet, ActionRemoveParquet:
			p, err := objectstore.NewPath(wa.Dirs, wa.File)
			if err != nil {
				return nil, formatErr(fmt.Sprintf("action %d path", i), err)
			}
			a.Path = p
			if a.Kind == ActionAddParquet {
				a.Metadata = wa.Metadata
			}
		default:
			return nil, formatErr(fmt.Sprintf("action %d: unknown kind %d", i, wa.Kind), nil)
		}
		t.Actions = append(t.Actions, a)
	}

	return t, nil
}
