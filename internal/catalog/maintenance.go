package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// Wipe deletes every transaction and checkpoint under root. Data files are
// left in place so the catalog can be rebuilt from them.
func Wipe(ctx context.Context, store objectstore.Store, root objectstore.Path) (int, error) {
	deleted := 0
	for _, dir := range []string{TransactionsDir, checkpoint.Dir} {
		paths, err := store.List(ctx, root.Join(dir))
		if err != nil {
			return deleted, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, p := range paths {
			if err := store.Delete(ctx, p); err != nil {
				return deleted, fmt.Errorf("delete %s: %w", p, err)
			}
			deleted++
		}
	}

	logging.Component("catalog").Info("catalog wiped", "root", root.String(), "objects", deleted)
	return deleted, nil
}

// RebuildOptions controls Rebuild.
type RebuildOptions struct {
	// IgnoreMetadataErrors skips data files whose footer cannot be read.
	IgnoreMetadataErrors bool
}

type rebuiltTransaction struct {
	uuid    uuid.UUID
	actions []txlog.Action
}

// Rebuild recreates an empty catalog from the metadata embedded in its data
// files. Files are grouped by the revision and uuid they were committed
// under; revisions without surviving files become empty transactions. The
// result is opened and returned.
//
// Files removed by a later transaction but not yet cleaned up come back as
// live, so CleanupUnreferenced should run before the catalog is wiped.
func Rebuild(ctx context.Context, store objectstore.Store, opts Options, ro RebuildOptions) (*PreservedCatalog, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	root := Root(opts.ServerID, opts.Database)
	logger := logging.Component("catalog").With("database", opts.Database)

	existing, err := store.List(ctx, root.Join(TransactionsDir))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	for _, p := range existing {
		if _, ok := parseTransactionName(p.File()); ok {
			return nil, ErrCatalogNotEmpty
		}
	}

	files, err := store.List(ctx, parquetfile.DataPrefix(root))
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}

	byRevision := make(map[uint64]*rebuiltTransaction)
	var maxRev uint64
	for _, p := range files {
		if _, _, _, err := parquetfile.ParseLocation(root, p); err != nil {
			continue
		}

		data, err := store.Get(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		md, err := parquetfile.ReadMetadata(data)
		if err != nil {
			if ro.IgnoreMetadataErrors {
				logger.Warn("skipping data file with unreadable metadata", "path", p.String(), "error", err)
				continue
			}
			return nil, fmt.Errorf("read metadata of %s: %w", p, err)
		}
		md.FileSize = int64(len(data))
		md.Checksum = tables.ComputeChecksum(data)
		encoded, err := md.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode metadata of %s: %w", p, err)
		}

		rt, ok := byRevision[md.TransactionRevision]
		if !ok {
			rt = &rebuiltTransaction{uuid: md.TransactionUUID}
			byRevision[md.TransactionRevision] = rt
		} else if rt.uuid != md.TransactionUUID {
			return nil, fmt.Errorf("%w: revision %d has %s and %s",
				ErrMultipleTransactions, md.TransactionRevision, rt.uuid, md.TransactionUUID)
		}
		rt.actions = append(rt.actions, txlog.NewAddParquet(p, encoded))
		maxRev = max(maxRev, md.TransactionRevision)
	}

	if len(byRevision) > 0 {
		opts = opts.withDefaults()
		prev := uuid.Nil
		for rev := uint64(0); rev <= maxRev; rev++ {
			txn := &txlog.Transaction{
				Version:         txlog.CurrentVersion,
				RevisionCounter: rev,
				UUID:            uuid.New(),
				PreviousUUID:    prev,
				StartTimestamp:  opts.Now().UTC(),
			}
			if rt, ok := byRevision[rev]; ok {
				txn.UUID = rt.uuid
				txn.Actions = rt.actions
				sort.Slice(txn.Actions, func(i, j int) bool {
					return txn.Actions[i].Path.String() < txn.Actions[j].Path.String()
				})
			}

			data, err := txlog.Encode(txn)
			if err != nil {
				return nil, fmt.Errorf("encode transaction %d: %w", rev, err)
			}
			if err := store.CreateIfAbsent(ctx, TransactionPath(root, rev), data); err != nil {
				return nil, fmt.Errorf("write transaction %d: %w", rev, err)
			}
			prev = txn.UUID
		}
		logger.Info("catalog rebuilt", "revisions", maxRev+1, "files_recovered", countActions(byRevision))
	}

	return Open(ctx, store, opts)
}

func countActions(m map[uint64]*rebuiltTransaction) int {
	n := 0
	for _, rt := range m {
		n += len(rt.actions)
	}
	return n
}

// CleanupUnreferenced deletes data files that are not live and were written
// for a revision at or below the current head. Files stamped with a newer
// revision may belong to a commit still in flight and are kept.
func (c *PreservedCatalog) CleanupUnreferenced(ctx context.Context) ([]objectstore.Path, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if _, err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	state := c.state
	h := c.head
	c.mu.RUnlock()

	files, err := c.store.List(ctx, parquetfile.DataPrefix(c.root))
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}

	var deleted []objectstore.Path
	for _, p := range files {
		if state.Contains(p) {
			continue
		}
		if _, _, _, err := parquetfile.ParseLocation(c.root, p); err != nil {
			continue
		}

		data, err := c.store.Get(ctx, p)
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("read %s: %w", p, err)
		}
		md, err := parquetfile.ReadMetadata(data)
		if err != nil {
			c.logger.Warn("keeping unreferenced file with unreadable metadata", "path", p.String(), "error", err)
			continue
		}
		if h == nil || md.TransactionRevision > h.revision {
			continue
		}

		if err := c.store.Delete(ctx, p); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", p, err)
		}
		deleted = append(deleted, p)
	}

	if len(deleted) > 0 {
		c.logger.Info("deleted unreferenced data files", "count", len(deleted))
	}
	return deleted, nil
}
