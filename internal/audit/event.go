// Package audit records every committed catalog transaction as a
// hash-chained JSON event, so a later reader can tell whether the trail was
// altered or truncated.
package audit

import (
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// EventVersion is the audit event format version.
const EventVersion = "1.0"

// EventTypeCommit marks an event describing one catalog transaction.
const EventTypeCommit = "catalog_commit"

// Event describes one committed transaction.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Database    string          `json:"database"`
	Transaction TransactionInfo `json:"transaction"`
	Producer    ProducerInfo    `json:"producer"`
	Chain       ChainInfo       `json:"chain"`
}

// TransactionInfo identifies the transaction and lists its actions in order.
type TransactionInfo struct {
	Revision       uint64       `json:"revision"`
	UUID           string       `json:"uuid"`
	PreviousUUID   string       `json:"previous_uuid,omitempty"`
	StartTimestamp time.Time    `json:"start_timestamp"`
	Actions        []ActionInfo `json:"actions"`
}

// ActionInfo is one action. File details are filled in for AddParquet when
// the attached metadata decodes.
type ActionInfo struct {
	Kind     string `json:"kind"`
	Format   string `json:"format,omitempty"`
	Path     string `json:"path,omitempty"`
	RowCount uint64 `json:"row_count,omitempty"`
	ByteSize int64  `json:"byte_size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// ProducerInfo identifies the software that made the commit.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo provides hash chaining for a tamper-evident audit log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the key of the chain this event extends. Each database
// has its own chain.
func (e *Event) ChainKey() string {
	return e.Database
}

// SetChainHashes links the event to prevHash and computes its own hash.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}

// NewEvent converts a committed transaction into an audit event.
func NewEvent(database string, txn *txlog.Transaction, producer ProducerInfo) *Event {
	info := TransactionInfo{
		Revision:       txn.RevisionCounter,
		UUID:           txn.UUID.String(),
		StartTimestamp: txn.StartTimestamp,
		Actions:        make([]ActionInfo, 0, len(txn.Actions)),
	}
	if txn.RevisionCounter > 0 {
		info.PreviousUUID = txn.PreviousUUID.String()
	}

	for _, a := range txn.Actions {
		ai := ActionInfo{Kind: a.Kind.String(), Format: a.Format}
		if !a.Path.IsZero() {
			ai.Path = a.Path.String()
		}
		if a.Kind == txlog.ActionAddParquet {
			if md, err := parquetfile.DecodeMetadata(a.Metadata); err == nil {
				ai.RowCount = md.RowCount
				ai.ByteSize = md.FileSize
				ai.Checksum = md.Checksum
			}
		}
		info.Actions = append(info.Actions, ai)
	}

	return &Event{
		Version:     EventVersion,
		EventType:   EventTypeCommit,
		Timestamp:   time.Now().UTC(),
		Database:    database,
		Transaction: info,
		Producer:    producer,
	}
}
