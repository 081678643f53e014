package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/chunk"
)

// Operation kinds.
const (
	OperationCloseChunk = "close_chunk"
)

// CloseChunk closes and compacts a chunk in the background.
func (d *Db) CloseChunk(partitionKey, table string, id uint32) (*Operation, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	addr := chunk.Addr{PartitionKey: partitionKey, TableName: table, ID: id}
	c, err := d.lookup(addr)
	if err != nil {
		return nil, err
	}
	if tier := c.Tier(); tier != chunk.TierOpenMutable {
		return nil, fmt.Errorf("%w: cannot close %s chunk %s", chunk.ErrInvalidTransition, tier, addr)
	}

	return d.ops.start(OperationCloseChunk, addr, d.cfg.Now, func(ctx context.Context) error {
		return d.closeAndCompact(ctx, addr)
	}), nil
}

// closeRetryInterval is how often a forced close retries while a lifecycle
// action holds the chunk.
const closeRetryInterval = 10 * time.Millisecond

// closeAndCompact runs a forced close. Lifecycle scans may claim the chunk
// between the two steps; the operation succeeds once the chunk is closed,
// whoever closed or compacted it.
func (d *Db) closeAndCompact(ctx context.Context, addr chunk.Addr) error {
	for {
		err := d.closeChunk(ctx, addr)
		if err == nil || d.isClosed(addr) {
			break
		}
		if !errors.Is(err, chunk.ErrActionInProgress) || d.closed.Load() {
			return err
		}

		t := time.NewTimer(closeRetryInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	err := d.compactChunk(ctx, addr)
	if err != nil && (errors.Is(err, chunk.ErrActionInProgress) || errors.Is(err, chunk.ErrInvalidTransition)) && d.isClosed(addr) {
		return nil
	}
	return err
}

// isClosed reports whether the chunk at addr has left the open tier.
func (d *Db) isClosed(addr chunk.Addr) bool {
	c, err := d.lookup(addr)
	if err != nil {
		return false
	}
	return c.Tier() >= chunk.TierClosedMutable
}

// DropChunk removes a chunk and, when persisted, its file from the live set.
func (d *Db) DropChunk(ctx context.Context, partitionKey, table string, id uint32) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.dropChunk(ctx, chunk.Addr{PartitionKey: partitionKey, TableName: table, ID: id})
}

// Operations returns running and recently finished operations by id.
func (d *Db) Operations() []OperationStatus {
	return d.ops.statuses()
}

// PersistAll closes, compacts and persists every chunk that holds data in
// memory, leaving each in the object store only.
func (d *Db) PersistAll(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.PersistConcurrency)

	for _, s := range d.ListChunks() {
		if s.Tier == chunk.TierObjectStoreOnly {
			continue
		}
		addr := s.Addr
		g.Go(func() error {
			err := d.persistOne(ctx, addr)
			if errors.Is(err, chunk.ErrDropped) || errors.Is(err, ErrChunkNotFound) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if err == nil {
		d.log.Info("all chunks persisted", "chunks", len(d.ListChunks()))
	}
	return err
}

// persistOne advances a chunk to ObjectStoreOnly. Empty open chunks are left alone.
func (d *Db) persistOne(ctx context.Context, addr chunk.Addr) error {
	c, err := d.lookup(addr)
	if err != nil {
		return err
	}

	if c.Tier() == chunk.TierOpenMutable {
		err := d.closeChunk(ctx, addr)
		if errors.Is(err, chunk.ErrEmptyChunk) {
			return nil
		}
		if err != nil {
			return err
		}
	}

	switch c.Tier() {
	case chunk.TierClosedMutable, chunk.TierReadBuffer:
		if err := d.persistChunk(ctx, addr); err != nil {
			return err
		}
	case chunk.TierReadBufferAndObjectStore:
		if err := d.unloadChunk(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}
