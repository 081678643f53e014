package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/metrics"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// TransactionInfo describes the transaction an attempt is about to write.
type TransactionInfo struct {
	Revision     uint64
	UUID         uuid.UUID
	PreviousUUID uuid.UUID
	Start        time.Time
}

// BuildFunc produces the actions of one commit attempt. It is called again
// after every lost race with the refreshed state and a new revision, so
// anything it writes must be keyed by info or overwritten idempotently.
// state is read-only.
type BuildFunc func(ctx context.Context, info TransactionInfo, state *State) ([]txlog.Action, error)

// CommitHook observes successfully committed transactions.
type CommitHook func(ctx context.Context, txn *txlog.Transaction)

// conflictError marks an attempt that lost the create-if-absent race.
type conflictError struct {
	revision uint64
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("revision %d already written", e.revision)
}

// Commit appends one transaction. Validation failures from build or from
// applying its actions are returned without retrying; lost races refresh and
// retry with backoff up to MaxCommitAttempts.
func (c *PreservedCatalog) Commit(ctx context.Context, build BuildFunc) (*txlog.Transaction, error) {
	txn, err := c.commit(ctx, build)
	if err != nil {
		return nil, err
	}

	for _, hook := range c.opts.OnCommit {
		hook(ctx, txn)
	}
	return txn, nil
}

// CommitActions commits a fixed list of actions.
func (c *PreservedCatalog) CommitActions(ctx context.Context, actions ...txlog.Action) (*txlog.Transaction, error) {
	return c.Commit(ctx, func(context.Context, TransactionInfo, *State) ([]txlog.Action, error) {
		return actions, nil
	})
}

func (c *PreservedCatalog) commit(ctx context.Context, build BuildFunc) (*txlog.Transaction, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	m := metrics.Get()
	var lostRevision uint64

	for attempt := 0; attempt < c.opts.MaxCommitAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, fmt.Errorf("commit cancelled after %d attempts: %w", attempt, err)
			}
			if _, err := c.refreshLocked(ctx); err != nil {
				m.IncCommitFailures(metrics.Labels{Database: c.opts.Database, Reason: "refresh"})
				return nil, fmt.Errorf("refresh after conflict: %w", err)
			}
		}

		txn, err := c.attempt(ctx, build)
		if err == nil {
			m.IncCommits(c.labels)
			m.SetRevision(c.labels, float64(txn.RevisionCounter))
			c.logger.Debug("transaction committed", "summary", txn.Summary(), "attempt", attempt+1)
			return txn, nil
		}

		var conflict *conflictError
		if !errors.As(err, &conflict) {
			m.IncCommitFailures(metrics.Labels{Database: c.opts.Database, Reason: "error"})
			return nil, err
		}
		lostRevision = conflict.revision
		m.IncCommitConflicts(c.labels)
		c.logger.Debug("commit lost race", "revision", conflict.revision, "attempt", attempt+1)
	}

	m.IncCommitFailures(metrics.Labels{Database: c.opts.Database, Reason: "conflict"})
	return nil, &ConcurrentModificationError{Attempts: c.opts.MaxCommitAttempts, LastRevision: lostRevision}
}

// attempt builds, validates and writes one candidate transaction.
func (c *PreservedCatalog) attempt(ctx context.Context, build BuildFunc) (*txlog.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	state := c.state.clone()
	h := c.head
	c.mu.RUnlock()

	info := TransactionInfo{UUID: uuid.New(), Start: c.opts.Now().UTC()}
	if h != nil {
		info.Revision = h.revision + 1
		info.PreviousUUID = h.uuid
	}

	actions, err := build(ctx, info, state)
	if err != nil {
		return nil, fmt.Errorf("build transaction %d: %w", info.Revision, err)
	}
	if err := state.apply(info.Revision, actions); err != nil {
		return nil, fmt.Errorf("validate transaction %d: %w", info.Revision, err)
	}

	txn := &txlog.Transaction{
		Version:         txlog.CurrentVersion,
		Actions:         actions,
		RevisionCounter: info.Revision,
		UUID:            info.UUID,
		PreviousUUID:    info.PreviousUUID,
		StartTimestamp:  info.Start,
	}
	data, err := txlog.Encode(txn)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %d: %w", info.Revision, err)
	}

	err = c.store.CreateIfAbsent(ctx, TransactionPath(c.root, info.Revision), data)
	if errors.Is(err, objectstore.ErrAlreadyExists) {
		return nil, &conflictError{revision: info.Revision}
	}
	if err != nil {
		metrics.Get().IncStorageErrors(metrics.Labels{Database: c.opts.Database, Operation: "commit"})
		return nil, fmt.Errorf("write transaction %d: %w", info.Revision, err)
	}

	c.mu.Lock()
	c.state = state
	c.head = &head{revision: info.Revision, uuid: info.UUID, previous: info.PreviousUUID}
	c.mu.Unlock()
	return txn, nil
}

// backoff waits CommitBackoff * 2^(attempt-1), capped at MaxCommitBackoff.
func (c *PreservedCatalog) backoff(ctx context.Context, attempt int) error {
	wait := c.opts.CommitBackoff * time.Duration(1<<min(attempt-1, 16))
	if wait > c.opts.MaxCommitBackoff {
		wait = c.opts.MaxCommitBackoff
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Checkpoint writes a snapshot of the current head. With PruneOnCheckpoint
// it then deletes transactions and checkpoints older than the snapshot; the
// transaction at the snapshot revision is always kept so that the next
// commit can verify its link.
func (c *PreservedCatalog) Checkpoint(ctx context.Context) (uint64, error) {
	if !c.opts.Checkpoints {
		return 0, ErrCheckpointsDisabled
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if _, err := c.refreshLocked(ctx); err != nil {
		return 0, err
	}

	c.mu.RLock()
	h := c.head
	actions := c.state.checkpointActions()
	c.mu.RUnlock()
	if h == nil {
		return 0, ErrEmptyCatalog
	}

	txn := &txlog.Transaction{
		Version:         txlog.CurrentVersion,
		Actions:         actions,
		RevisionCounter: h.revision,
		UUID:            h.uuid,
		PreviousUUID:    h.previous,
		StartTimestamp:  c.opts.Now().UTC(),
	}
	if err := c.ckpt.Save(ctx, txn); err != nil {
		return 0, err
	}
	metrics.Get().IncCheckpoints(c.labels)
	c.logger.Info("checkpoint written", "revision", h.revision, "live_files", len(actions)-1)

	if c.opts.PruneOnCheckpoint {
		if err := c.pruneLocked(ctx, h.revision); err != nil {
			return h.revision, fmt.Errorf("prune below revision %d: %w", h.revision, err)
		}
	}
	return h.revision, nil
}

func (c *PreservedCatalog) pruneLocked(ctx context.Context, keep uint64) error {
	revs, err := c.TransactionRevisions(ctx)
	if err != nil {
		return err
	}

	deleted := 0
	for _, rev := range revs {
		if rev >= keep {
			break
		}
		if err := c.store.Delete(ctx, TransactionPath(c.root, rev)); err != nil {
			return fmt.Errorf("delete transaction %d: %w", rev, err)
		}
		deleted++
	}

	checkpoints, err := c.ckpt.Prune(ctx, keep)
	if err != nil {
		return err
	}
	c.logger.Info("pruned catalog history", "below_revision", keep,
		"transactions", deleted, "checkpoints", checkpoints)
	return nil
}
