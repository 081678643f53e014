// Package mirror copies committed catalog transactions into Postgres so the
// live file set can be queried with SQL. The object store stays
// authoritative; the mirror is best effort.
package mirror

import (
	"context"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/catalog"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// Config configures the mirror. An empty DSN disables it.
type Config struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Writer records transactions.
type Writer interface {
	RecordTransaction(ctx context.Context, database string, txn *txlog.Transaction) error
	Close() error
}

// NewWriter returns a Postgres writer, or a no-op writer when no DSN is set.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

// Hook returns a commit hook recording each transaction through w. Failures
// are logged and leave the commit in place.
func Hook(w Writer, database string) catalog.CommitHook {
	log := logging.Component("mirror").With("database", database)
	return func(ctx context.Context, txn *txlog.Transaction) {
		if err := w.RecordTransaction(ctx, database, txn); err != nil {
			log.Warn("mirror transaction failed", "revision", txn.RevisionCounter, "error", err)
		}
	}
}

// FileRecord is one row of _catalog_files.
type FileRecord struct {
	Path         string
	Revision     uint64
	PartitionKey string
	TableName    string
	ChunkID      uint32
	RowCount     uint64
	ByteSize     int64
	Checksum     string
}

// Change is the effect of a transaction on the mirrored file set.
type Change struct {
	// Reset clears every mirrored file of the database before Added is applied.
	Reset   bool
	Added   []FileRecord
	Removed []string
}

// ChangeFor derives the mirror change of txn. Metadata that does not decode
// leaves the descriptive columns empty.
func ChangeFor(txn *txlog.Transaction) Change {
	var ch Change
	for _, a := range txn.Actions {
		switch a.Kind {
		case txlog.ActionUpgrade:
			ch = Change{Reset: true}
		case txlog.ActionAddParquet:
			rec := FileRecord{Path: a.Path.String(), Revision: txn.RevisionCounter}
			if md, err := parquetfile.DecodeMetadata(a.Metadata); err == nil {
				rec.PartitionKey = md.PartitionKey
				rec.TableName = md.TableName
				rec.ChunkID = md.ChunkID
				rec.RowCount = md.RowCount
				rec.ByteSize = md.FileSize
				rec.Checksum = md.Checksum
			}
			ch.Added = append(ch.Added, rec)
		case txlog.ActionRemoveParquet:
			p := a.Path.String()
			ch.Removed = append(ch.Removed, p)
			ch.Added = dropPath(ch.Added, p)
		}
	}
	return ch
}

func dropPath(recs []FileRecord, p string) []FileRecord {
	out := recs[:0]
	for _, r := range recs {
		if r.Path != p {
			out = append(out, r)
		}
	}
	return out
}

type noopWriter struct{}

func (noopWriter) RecordTransaction(context.Context, string, *txlog.Transaction) error { return nil }
func (noopWriter) Close() error                                                       { return nil }
