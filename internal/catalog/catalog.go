// Package catalog implements the preserved catalog: an append-only chain of
// transactions in object storage whose replay yields the set of live files.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/metrics"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// ErrInvalidOptions is returned by Open for incomplete configuration.
var ErrInvalidOptions = errors.New("invalid catalog options")

// ErrCheckpointsDisabled is returned by Checkpoint when checkpoints are off.
var ErrCheckpointsDisabled = errors.New("checkpoints are disabled")

// replayWindow bounds how many transactions are held in memory while
// fetching ahead during replay.
const replayWindow = 256

// Options configures a catalog.
type Options struct {
	ServerID string
	Database string

	// MaxCommitAttempts caps the create-if-absent retry loop.
	MaxCommitAttempts int
	// CommitBackoff is the first retry delay; it doubles up to MaxCommitBackoff.
	CommitBackoff    time.Duration
	MaxCommitBackoff time.Duration

	// FetchConcurrency bounds parallel transaction reads during replay.
	FetchConcurrency int

	// Checkpoints enables reading and writing checkpoints.
	Checkpoints bool
	// PruneOnCheckpoint deletes transactions older than each new checkpoint.
	// Every reader of the catalog must have Checkpoints enabled.
	PruneOnCheckpoint bool

	// OnCommit observers run after each successful commit.
	OnCommit []CommitHook

	// Now overrides the clock used for transaction start timestamps.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxCommitAttempts <= 0 {
		o.MaxCommitAttempts = 10
	}
	if o.CommitBackoff <= 0 {
		o.CommitBackoff = 20 * time.Millisecond
	}
	if o.MaxCommitBackoff <= 0 {
		o.MaxCommitBackoff = 2 * time.Second
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) validate() error {
	if o.ServerID == "" || o.Database == "" {
		return fmt.Errorf("%w: server id and database are required", ErrInvalidOptions)
	}
	if o.PruneOnCheckpoint && !o.Checkpoints {
		return fmt.Errorf("%w: pruning requires checkpoints", ErrInvalidOptions)
	}
	return nil
}

// head identifies the newest transaction known to this process.
type head struct {
	revision uint64
	uuid     uuid.UUID
	previous uuid.UUID
}

// PreservedCatalog is the replayed view of one database's transaction chain.
type PreservedCatalog struct {
	store  objectstore.Store
	root   objectstore.Path
	opts   Options
	ckpt   checkpoint.Manager
	logger *slog.Logger
	labels metrics.Labels

	// commitMu serializes commits, refreshes and maintenance in this process.
	commitMu sync.Mutex

	mu    sync.RWMutex
	state *State
	head  *head // nil while the catalog has no transactions
}

// Open lists, verifies and replays the transaction chain. It never returns a
// partially loaded catalog: any broken invariant yields CorruptCatalogError.
// Object store failures are returned as-is so the caller can retry.
func Open(ctx context.Context, store objectstore.Store, opts Options) (*PreservedCatalog, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	root := Root(opts.ServerID, opts.Database)
	ckpt, err := checkpoint.NewManager(store, checkpoint.Config{Enabled: opts.Checkpoints, Root: root})
	if err != nil {
		return nil, err
	}

	c := &PreservedCatalog{
		store:  store,
		root:   root,
		opts:   opts,
		ckpt:   ckpt,
		logger: logging.Component("catalog").With("database", opts.Database),
		labels: metrics.Labels{Database: opts.Database},
	}

	start := time.Now()
	state, h, replayed, err := c.load(ctx)
	if err != nil {
		ckpt.Close()
		return nil, err
	}
	c.state, c.head = state, h

	m := metrics.Get()
	m.ObserveOpenDuration(c.labels, time.Since(start).Seconds())
	m.AddReplayed(c.labels, float64(replayed))
	if h != nil {
		m.SetRevision(c.labels, float64(h.revision))
	}

	c.logger.Info("catalog opened",
		"revision", c.revisionString(),
		"live_files", state.Len(),
		"replayed", replayed,
		"duration", time.Since(start),
	)
	return c, nil
}

// OpenWithRetry retries Open on transient failures with exponential backoff.
// Corruption and invalid options are returned immediately.
func OpenWithRetry(ctx context.Context, store objectstore.Store, opts Options, attempts int, backoff time.Duration) (*PreservedCatalog, error) {
	if attempts <= 0 {
		attempts = 1
	}
	logger := logging.Component("catalog").With("database", opts.Database)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		c, err := Open(ctx, store, opts)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrCorruptCatalog) || errors.Is(err, ErrInvalidOptions) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logger.Warn("catalog open failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("open catalog after %d attempts: %w", attempts, lastErr)
}

// load builds a fresh state from the newest valid checkpoint (if any) and the
// transactions after it.
func (c *PreservedCatalog) load(ctx context.Context) (*State, *head, int, error) {
	present, maxRev, err := c.listRevisions(ctx)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(present) == 0 {
		return newState(), nil, 0, nil
	}

	state := newState()
	var prev *head
	from := uint64(0)

	cp, err := c.loadCheckpoint(ctx, present, maxRev)
	if err != nil {
		return nil, nil, 0, err
	}
	if cp != nil {
		if err := state.apply(cp.RevisionCounter, cp.Actions); err != nil {
			return nil, nil, 0, corrupt(cp.RevisionCounter, err, "checkpoint violates liveness")
		}
		prev = &head{revision: cp.RevisionCounter, uuid: cp.UUID, previous: cp.PreviousUUID}
		from = cp.RevisionCounter + 1
		c.logger.Debug("starting replay from checkpoint", "revision", cp.RevisionCounter)
	}

	for r := from; r <= maxRev; r++ {
		if !present[r] {
			return nil, nil, 0, corrupt(r, nil, "revision missing from transaction log")
		}
	}

	replayed := 0
	if from <= maxRev {
		replayed, err = c.replay(ctx, state, &prev, from, maxRev)
		if err != nil {
			return nil, nil, 0, err
		}
	}
	return state, prev, replayed, nil
}

// listRevisions maps every transaction object to its revision.
func (c *PreservedCatalog) listRevisions(ctx context.Context) (map[uint64]bool, uint64, error) {
	paths, err := c.store.List(ctx, c.root.Join(TransactionsDir))
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}

	present := make(map[uint64]bool, len(paths))
	var maxRev uint64
	for _, p := range paths {
		rev, ok := parseTransactionName(p.File())
		if !ok {
			c.logger.Warn("ignoring unrecognized object in transaction log", "path", p.String())
			continue
		}
		if p.String() != TransactionPath(c.root, rev).String() {
			// Same revision under a second spelling, e.g. without zero padding.
			return nil, 0, corrupt(rev, nil, "duplicate revision object %s", p)
		}
		present[rev] = true
		if rev > maxRev {
			maxRev = rev
		}
	}
	return present, maxRev, nil
}

// loadCheckpoint returns the newest checkpoint that agrees with the
// transaction it claims to summarize, or nil.
func (c *PreservedCatalog) loadCheckpoint(ctx context.Context, present map[uint64]bool, maxRev uint64) (*txlog.Transaction, error) {
	limit := maxRev
	for {
		cp, err := c.ckpt.Load(ctx, limit)
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}

		if present[cp.RevisionCounter] {
			txn, err := c.fetch(ctx, cp.RevisionCounter)
			switch {
			case err == nil && txn.UUID == cp.UUID && txn.PreviousUUID == cp.PreviousUUID:
				return cp, nil
			case err != nil && !errors.Is(err, ErrCorruptCatalog):
				return nil, err
			}
		}

		c.logger.Warn("ignoring checkpoint that does not match the transaction log", "revision", cp.RevisionCounter)
		if cp.RevisionCounter == 0 {
			return nil, nil
		}
		limit = cp.RevisionCounter - 1
	}
}

// fetch reads and decodes one transaction object.
func (c *PreservedCatalog) fetch(ctx context.Context, rev uint64) (*txlog.Transaction, error) {
	data, err := c.store.Get(ctx, TransactionPath(c.root, rev))
	if err != nil {
		return nil, fmt.Errorf("read transaction %d: %w", rev, err)
	}

	txn, err := txlog.Decode(data)
	if err != nil {
		return nil, corrupt(rev, err, "undecodable transaction")
	}
	if txn.RevisionCounter != rev {
		return nil, corrupt(rev, nil, "object holds revision %d", txn.RevisionCounter)
	}
	return txn, nil
}

// replay fetches from..to concurrently in windows and applies them strictly
// in order, carrying the previous head as an explicit accumulator.
func (c *PreservedCatalog) replay(ctx context.Context, state *State, prev **head, from, to uint64) (int, error) {
	replayed := 0
	for lo := from; lo <= to; lo += replayWindow {
		hi := min(lo+replayWindow-1, to)
		txns := make([]*txlog.Transaction, hi-lo+1)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.opts.FetchConcurrency)
		for r := lo; r <= hi; r++ {
			g.Go(func() error {
				txn, err := c.fetch(gctx, r)
				if err != nil {
					return err
				}
				txns[r-lo] = txn
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return replayed, err
		}

		for _, txn := range txns {
			if err := c.applyNext(state, prev, txn); err != nil {
				return replayed, err
			}
			replayed++
		}

		if hi == to {
			break
		}
	}
	return replayed, nil
}

// applyNext verifies txn links to *prev and folds it into state.
func (c *PreservedCatalog) applyNext(state *State, prev **head, txn *txlog.Transaction) error {
	rev := txn.RevisionCounter
	if txn.UUID == uuid.Nil {
		return corrupt(rev, nil, "transaction has no uuid")
	}

	if *prev == nil {
		if rev != 0 {
			return corrupt(rev, nil, "chain does not start at revision 0")
		}
		if txn.PreviousUUID != uuid.Nil {
			return corrupt(rev, nil, "revision 0 links to previous uuid %s", txn.PreviousUUID)
		}
	} else {
		p := *prev
		if rev != p.revision+1 {
			return corrupt(rev, nil, "expected revision %d", p.revision+1)
		}
		if txn.PreviousUUID != p.uuid {
			return corrupt(rev, nil, "previous uuid %s does not match revision %d uuid %s",
				txn.PreviousUUID, p.revision, p.uuid)
		}
	}

	if err := state.apply(rev, txn.Actions); err != nil {
		return corrupt(rev, err, "liveness violated")
	}
	*prev = &head{revision: rev, uuid: txn.UUID, previous: txn.PreviousUUID}
	return nil
}

// Refresh replays transactions committed by other writers since the last
// known revision and returns how many were applied.
func (c *PreservedCatalog) Refresh(ctx context.Context) (int, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *PreservedCatalog) refreshLocked(ctx context.Context) (int, error) {
	c.mu.RLock()
	state := c.state.clone()
	prev := c.head
	c.mu.RUnlock()

	next := uint64(0)
	if prev != nil {
		next = prev.revision + 1
	}

	applied := 0
	for {
		txn, err := c.fetch(ctx, next)
		if errors.Is(err, objectstore.ErrNotFound) {
			break
		}
		if err != nil {
			return applied, err
		}
		if err := c.applyNext(state, &prev, txn); err != nil {
			return applied, err
		}
		applied++
		next++
	}

	if applied > 0 {
		c.mu.Lock()
		c.state, c.head = state, prev
		c.mu.Unlock()

		m := metrics.Get()
		m.AddReplayed(c.labels, float64(applied))
		m.SetRevision(c.labels, float64(prev.revision))
		c.logger.Debug("catalog refreshed", "applied", applied, "revision", prev.revision)
	}
	return applied, nil
}

// Revision returns the newest known revision. ok is false for an empty catalog.
func (c *PreservedCatalog) Revision() (rev uint64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.head == nil {
		return 0, false
	}
	return c.head.revision, true
}

// HeadUUID returns the uuid of the newest known transaction, or uuid.Nil.
func (c *PreservedCatalog) HeadUUID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.head == nil {
		return uuid.Nil
	}
	return c.head.uuid
}

func (c *PreservedCatalog) revisionString() string {
	if rev, ok := c.Revision(); ok {
		return fmt.Sprint(rev)
	}
	return "none"
}

// Files returns the live files sorted by path.
func (c *PreservedCatalog) Files() []FileEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Files()
}

// File returns the live entry for p.
func (c *PreservedCatalog) File(p objectstore.Path) (FileEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.File(p)
}

// Len returns the number of live files.
func (c *PreservedCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Len()
}

// Root returns the catalog root path.
func (c *PreservedCatalog) Root() objectstore.Path {
	return c.root
}

// Store returns the object store the catalog lives in.
func (c *PreservedCatalog) Store() objectstore.Store {
	return c.store
}

// TransactionRevisions lists the revisions with a transaction object, ascending.
func (c *PreservedCatalog) TransactionRevisions(ctx context.Context) ([]uint64, error) {
	present, _, err := c.listRevisions(ctx)
	if err != nil {
		return nil, err
	}
	revs := make([]uint64, 0, len(present))
	for r := range present {
		revs = append(revs, r)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	return revs, nil
}

// Close releases checkpoint resources. The store is owned by the caller.
func (c *PreservedCatalog) Close() {
	c.ckpt.Close()
}
