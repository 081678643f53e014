// Package checkpoint stores compacted catalog snapshots next to the
// transaction log. Checkpoints only shorten replay; a catalog without any
// is still complete.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

var (
	// ErrNoCheckpoint is returned when no usable checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrNotCheckpoint is returned when saving a transaction that does not
	// open with an Upgrade action.
	ErrNotCheckpoint = errors.New("transaction is not in checkpoint form")
)

// Dir is the directory under the catalog root holding checkpoint objects.
const Dir = "checkpoints"

const suffix = ".ckpt"

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load returns the newest decodable checkpoint at or below maxRevision.
	Load(ctx context.Context, maxRevision uint64) (*txlog.Transaction, error)

	// Save persists a checkpoint-form transaction.
	Save(ctx context.Context, txn *txlog.Transaction) error

	// Revisions lists the revisions that have a checkpoint, ascending.
	Revisions(ctx context.Context) ([]uint64, error)

	// Prune deletes checkpoints older than keep and returns how many were removed.
	Prune(ctx context.Context, keep uint64) (int, error)

	// Close releases compression resources.
	Close()
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Root    objectstore.Path // catalog root; checkpoints live in <root>/checkpoints
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(store objectstore.Store, cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &storeManager{
		store:  store,
		dir:    cfg.Root.Join(Dir),
		enc:    enc,
		dec:    dec,
		logger: slog.With("component", "checkpoint"),
	}, nil
}

// Path returns the object path of the checkpoint for revision.
func Path(root objectstore.Path, revision uint64) objectstore.Path {
	return root.Join(Dir).WithFile(fmt.Sprintf("%020d%s", revision, suffix))
}

// ParseRevision extracts the revision from a checkpoint file name.
func ParseRevision(name string) (uint64, bool) {
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	rev, err := strconv.ParseUint(strings.TrimSuffix(name, suffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return rev, true
}

// storeManager persists checkpoints as zstd-compressed transactions in the object store.
type storeManager struct {
	store  objectstore.Store
	dir    objectstore.Path
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *slog.Logger
}

// Load reads the newest checkpoint at or below maxRevision. Undecodable
// checkpoints are skipped in favour of older ones.
func (m *storeManager) Load(ctx context.Context, maxRevision uint64) (*txlog.Transaction, error) {
	revs, err := m.Revisions(ctx)
	if err != nil {
		return nil, err
	}

	for i := len(revs) - 1; i >= 0; i-- {
		rev := revs[i]
		if rev > maxRevision {
			continue
		}

		txn, err := m.loadRevision(ctx, rev)
		if err != nil {
			if errors.Is(err, txlog.ErrFormat) || errors.Is(err, ErrNotCheckpoint) {
				m.logger.Warn("skipping unreadable checkpoint", "revision", rev, "error", err)
				continue
			}
			return nil, err
		}
		return txn, nil
	}

	return nil, ErrNoCheckpoint
}

func (m *storeManager) loadRevision(ctx context.Context, rev uint64) (*txlog.Transaction, error) {
	p := m.dir.WithFile(fmt.Sprintf("%020d%s", rev, suffix))

	compressed, err := m.store.Get(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %d: %w", rev, err)
	}

	raw, err := m.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, &txlog.FormatError{Reason: "zstd decompress checkpoint", Err: err}
	}

	txn, err := txlog.Decode(raw)
	if err != nil {
		return nil, err
	}
	if txn.RevisionCounter != rev {
		return nil, &txlog.FormatError{Reason: fmt.Sprintf("checkpoint %d holds revision %d", rev, txn.RevisionCounter)}
	}
	if !txn.IsCheckpoint() {
		return nil, ErrNotCheckpoint
	}
	return txn, nil
}

// Save persists the checkpoint. Existing checkpoints for the same revision are replaced.
func (m *storeManager) Save(ctx context.Context, txn *txlog.Transaction) error {
	if !txn.IsCheckpoint() {
		return ErrNotCheckpoint
	}

	raw, err := txlog.Encode(txn)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	p := m.dir.WithFile(fmt.Sprintf("%020d%s", txn.RevisionCounter, suffix))
	if err := m.store.Put(ctx, p, m.enc.EncodeAll(raw, nil)); err != nil {
		return fmt.Errorf("write checkpoint %d: %w", txn.RevisionCounter, err)
	}
	return nil
}

// Revisions lists checkpoint revisions in ascending order.
func (m *storeManager) Revisions(ctx context.Context) ([]uint64, error) {
	paths, err := m.store.List(ctx, m.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var revs []uint64
	for _, p := range paths {
		if rev, ok := ParseRevision(p.File()); ok {
			revs = append(revs, rev)
		}
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	return revs, nil
}

// Prune removes checkpoints older than keep.
func (m *storeManager) Prune(ctx context.Context, keep uint64) (int, error) {
	revs, err := m.Revisions(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rev := range revs {
		if rev >= keep {
			break
		}
		if err := m.store.Delete(ctx, m.dir.WithFile(fmt.Sprintf("%020d%s", rev, suffix))); err != nil {
			return removed, fmt.Errorf("delete checkpoint %d: %w", rev, err)
		}
		removed++
	}
	return removed, nil
}

func (m *storeManager) Close() {
	m.enc.Close()
	m.dec.Close()
}

// noopManager is used when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, maxRevision uint64) (*txlog.Transaction, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, txn *txlog.Transaction) error {
	return nil
}

func (m *noopManager) Revisions(ctx context.Context) ([]uint64, error) {
	return nil, nil
}

func (m *noopManager) Prune(ctx context.Context, keep uint64) (int, error) {
	return 0, nil
}

func (m *noopManager) Close() {}
