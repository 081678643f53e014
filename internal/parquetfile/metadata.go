// Package parquetfile writes chunk data as parquet files and describes them
// with metadata the catalog stores verbatim.
package parquetfile

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("parquetfile: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("parquetfile: CBOR decoder initialization failed: " + err.Error())
	}
}

// Metadata describes one persisted chunk file.
//
// The same structure is embedded in the file footer and attached to the
// catalog's AddParquet action. FileSize and Checksum are only known after
// the file is written, so the footer copy leaves them empty.
type Metadata struct {
	PartitionKey string `cbor:"1,keyasint"`
	TableName    string `cbor:"2,keyasint"`
	ChunkID      uint32 `cbor:"3,keyasint"`

	// Catalog transaction that added the file. Used to rebuild the catalog
	// from files alone.
	TransactionRevision uint64    `cbor:"4,keyasint"`
	TransactionUUID     uuid.UUID `cbor:"5,keyasint"`

	RowCount          uint64                 `cbor:"6,keyasint"`
	MinTimeNanos      int64                  `cbor:"7,keyasint"`
	MaxTimeNanos      int64                  `cbor:"8,keyasint"`
	FirstWriteNanos   int64                  `cbor:"9,keyasint"`
	LastWriteNanos    int64                  `cbor:"10,keyasint"`
	Columns           []tables.ColumnSummary `cbor:"11,keyasint,omitempty"`
	FileSize          int64                  `cbor:"12,keyasint,omitempty"`
	Checksum          string                 `cbor:"13,keyasint,omitempty"`
	RowSchemaVersion  string                 `cbor:"14,keyasint,omitempty"`
	EstimatedRowBytes uint64                 `cbor:"15,keyasint,omitempty"`
}

// TimeOfFirstWrite returns when the chunk first received data.
func (m Metadata) TimeOfFirstWrite() time.Time {
	return time.Unix(0, m.FirstWriteNanos).UTC()
}

// TimeOfLastWrite returns when the chunk last received data.
func (m Metadata) TimeOfLastWrite() time.Time {
	return time.Unix(0, m.LastWriteNanos).UTC()
}

// Encode returns the opaque bytes stored in the catalog.
func (m Metadata) Encode() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal file metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata parses bytes produced by Encode.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal file metadata: %w", err)
	}
	return m, nil
}
