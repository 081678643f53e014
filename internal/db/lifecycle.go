package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/catalog"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/chunk"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/lifecycle"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/metrics"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// lifecycleTarget exposes the database to the lifecycle engine.
type lifecycleTarget struct {
	d *Db
}

var _ lifecycle.Target = lifecycleTarget{}

func (t lifecycleTarget) Chunks() []chunk.Summary { return t.d.ListChunks() }
func (t lifecycleTarget) Rules() lifecycle.Rules  { return t.d.GetRules() }

func (t lifecycleTarget) CloseChunk(ctx context.Context, addr chunk.Addr) error {
	return t.d.closeChunk(ctx, addr)
}

func (t lifecycleTarget) CompactChunk(ctx context.Context, addr chunk.Addr) error {
	return t.d.compactChunk(ctx, addr)
}

func (t lifecycleTarget) PersistChunk(ctx context.Context, addr chunk.Addr) error {
	return t.d.persistChunk(ctx, addr)
}

func (t lifecycleTarget) UnloadChunk(ctx context.Context, addr chunk.Addr) error {
	return t.d.unloadChunk(ctx, addr)
}

func (t lifecycleTarget) DropChunk(ctx context.Context, addr chunk.Addr) error {
	return t.d.dropChunk(ctx, addr)
}

// begin looks the chunk up and claims its action slot. The returned func
// releases the slot.
func (d *Db) begin(addr chunk.Addr, a chunk.Action) (*chunk.Chunk, func(), error) {
	c, err := d.lookup(addr)
	if err != nil {
		return nil, nil, err
	}
	if err := c.BeginAction(a); err != nil {
		return nil, nil, err
	}
	// MarkDropped clears the slot itself, so a failing FinishAction is expected there.
	return c, func() { _ = c.FinishAction() }, nil
}

// closeChunk freezes an open chunk and stops routing writes to it.
func (d *Db) closeChunk(_ context.Context, addr chunk.Addr) error {
	c, finish, err := d.begin(addr, chunk.ActionClosing)
	if err != nil {
		return err
	}
	defer finish()

	if err := c.Close(d.cfg.Now()); err != nil {
		return err
	}

	d.mu.Lock()
	if p := d.partitions[addr.PartitionKey]; p != nil && p.open[addr.TableName] == c {
		delete(p.open, addr.TableName)
	}
	d.mu.Unlock()
	return nil
}

func (d *Db) compactChunk(_ context.Context, addr chunk.Addr) error {
	c, finish, err := d.begin(addr, chunk.ActionCompacting)
	if err != nil {
		return err
	}
	defer finish()
	return c.Compact()
}

// persistChunk writes a closed chunk to object storage, commits the file to
// the catalog and frees the read buffer. A closed chunk is compacted first.
func (d *Db) persistChunk(ctx context.Context, addr chunk.Addr) error {
	c, finish, err := d.begin(addr, chunk.ActionPersisting)
	if err != nil {
		return err
	}
	defer finish()

	log := logging.ChunkLogger(addr.PartitionKey, addr.TableName, addr.ID).With("database", d.cfg.Name)

	if c.Tier() == chunk.TierClosedMutable {
		if err := c.Compact(); err != nil {
			return err
		}
	}
	rows, err := c.Rows()
	if err != nil {
		return err
	}
	summary := c.Summary()
	root := d.catalog.Root()
	earliest, latest := tables.TimeRange(rows)

	var (
		path     objectstore.Path
		uploaded objectstore.Path
		written  parquetfile.Metadata
	)
	txn, err := d.catalog.Commit(ctx, func(ctx context.Context, info catalog.TransactionInfo, state *catalog.State) ([]txlog.Action, error) {
		// A lost race leaves the previous attempt's object unreferenced.
		if !uploaded.IsZero() {
			if err := d.store.Delete(ctx, uploaded); err != nil {
				log.Warn("failed to delete file of lost commit attempt", "path", uploaded.String(), "error", err)
			}
			uploaded = objectstore.Path{}
		}

		if live, ok := liveChunkFile(root, state, addr); ok {
			return nil, fmt.Errorf("%w: chunk %s already persisted as %s", catalog.ErrFileAlreadyLive, addr, live)
		}

		md := parquetfile.Metadata{
			PartitionKey:        addr.PartitionKey,
			TableName:           addr.TableName,
			ChunkID:             addr.ID,
			TransactionRevision: info.Revision,
			TransactionUUID:     info.UUID,
			MinTimeNanos:        earliest.UnixNano(),
			MaxTimeNanos:        latest.UnixNano(),
			FirstWriteNanos:     summary.TimeOfFirstWrite.UnixNano(),
			LastWriteNanos:      summary.TimeOfLastWrite.UnixNano(),
			Columns:             summary.Columns,
			EstimatedRowBytes:   summary.EstimatedBytes,
		}

		data, out, err := parquetfile.Write(rows, md)
		if err != nil {
			return nil, err
		}
		result := parquetfile.ValidateFile(data, out)
		for _, w := range result.Warnings {
			log.Warn("file validation warning", "warning", w)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}

		p := parquetfile.Location(root, addr.PartitionKey, addr.TableName, addr.ID, info.UUID)
		if err := d.store.CreateIfAbsent(ctx, p, data); err != nil {
			metrics.Get().IncStorageErrors(metrics.Labels{Database: d.cfg.Name, Operation: "persist"})
			return nil, fmt.Errorf("upload %s: %w", p, err)
		}
		uploaded = p

		encoded, err := out.Encode()
		if err != nil {
			return nil, err
		}
		path = p
		written = out
		return []txlog.Action{txlog.NewAddParquet(p, encoded)}, nil
	})
	if err != nil {
		if errors.Is(err, catalog.ErrConcurrentModification) && !uploaded.IsZero() {
			if derr := d.store.Delete(ctx, uploaded); derr != nil {
				log.Warn("failed to delete file of lost commit attempt", "path", uploaded.String(), "error", derr)
			}
		}
		return fmt.Errorf("persist %s: %w", addr, err)
	}

	if err := c.SetPersisted(chunk.File{Path: path, Metadata: written}); err != nil {
		return err
	}
	if err := c.UnloadReadBuffer(); err != nil {
		return err
	}

	metrics.Get().ObservePersistedBytes(d.labels, float64(written.FileSize))
	log.Info("chunk persisted",
		"revision", txn.RevisionCounter,
		"uuid", txn.UUID.String(),
		"path", path.String(),
		"rows", written.RowCount,
		"bytes", written.FileSize,
	)
	return nil
}

// liveChunkFile returns the live file already recorded for addr, if any.
func liveChunkFile(root objectstore.Path, state *catalog.State, addr chunk.Addr) (objectstore.Path, bool) {
	for _, e := range state.FilesUnder(parquetfile.ChunkDir(root, addr.PartitionKey, addr.ID)) {
		if _, table, _, err := parquetfile.ParseLocation(root, e.Path); err == nil && table == addr.TableName {
			return e.Path, true
		}
	}
	return objectstore.Path{}, false
}

func (d *Db) unloadChunk(_ context.Context, addr chunk.Addr) error {
	c, finish, err := d.begin(addr, chunk.ActionUnloading)
	if err != nil {
		return err
	}
	defer finish()
	return c.UnloadReadBuffer()
}

// dropChunk removes a chunk. A persisted chunk's file is first removed from
// the catalog's live set; the object itself is left for CleanupUnreferenced.
func (d *Db) dropChunk(ctx context.Context, addr chunk.Addr) error {
	c, finish, err := d.begin(addr, chunk.ActionDropping)
	if err != nil {
		return err
	}
	defer finish()

	if f, ok := c.File(); ok {
		_, err := d.catalog.Commit(ctx, func(_ context.Context, _ catalog.TransactionInfo, state *catalog.State) ([]txlog.Action, error) {
			if !state.Contains(f.Path) {
				return nil, catalog.ErrFileNotLive
			}
			return []txlog.Action{txlog.NewRemoveParquet(f.Path)}, nil
		})
		if err != nil && !errors.Is(err, catalog.ErrFileNotLive) {
			return fmt.Errorf("drop %s: %w", addr, err)
		}
	}

	c.MarkDropped()
	d.remove(addr)
	logging.ChunkLogger(addr.PartitionKey, addr.TableName, addr.ID).
		Info("chunk dropped", "database", d.cfg.Name)
	return nil
}
