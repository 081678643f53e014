package catalog

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// fileTxn names the data files the tests commit by hand.
var fileTxn = uuid.MustParse("0d4f3c3e-7a0b-4c55-9a43-2b1f6f1f8a01")

func testOptions() Options {
	return Options{
		ServerID:         "server1",
		Database:         "db1",
		CommitBackoff:    time.Millisecond,
		MaxCommitBackoff: 5 * time.Millisecond,
	}
}

func openTest(t *testing.T, store objectstore.Store, opts Options) *PreservedCatalog {
	t.Helper()
	c, err := Open(context.Background(), store, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func dataPath(c *PreservedCatalog, id uint32) objectstore.Path {
	return parquetfile.Location(c.Root(), "2024-01-01T00", "cpu", id, fileTxn)
}

func addFile(t *testing.T, c *PreservedCatalog, p objectstore.Path) *txlog.Transaction {
	t.Helper()
	txn, err := c.CommitActions(context.Background(), txlog.NewAddParquet(p, []byte("md")))
	if err != nil {
		t.Fatalf("commit add %s: %v", p, err)
	}
	return txn
}

func livePaths(c *PreservedCatalog) []string {
	var out []string
	for _, f := range c.Files() {
		out = append(out, f.Path.String())
	}
	return out
}

func checkLivePaths(t *testing.T, got, want *PreservedCatalog) {
	t.Helper()
	if g, w := livePaths(got), livePaths(want); !slices.Equal(g, w) {
		t.Errorf("live paths = %v, want %v", g, w)
	}
}

func TestOpenEmpty(t *testing.T) {
	c := openTest(t, objectstore.NewMemStore(""), testOptions())

	if rev, ok := c.Revision(); ok {
		t.Errorf("Revision = %d, want none", rev)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	if c.HeadUUID() != uuid.Nil {
		t.Errorf("HeadUUID = %s, want nil", c.HeadUUID())
	}
}

func TestOpenRejectsIncompleteOptions(t *testing.T) {
	_, err := Open(context.Background(), objectstore.NewMemStore(""), Options{Database: "db"})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Open without server id = %v, want ErrInvalidOptions", err)
	}

	opts := testOptions()
	opts.PruneOnCheckpoint = true
	_, err = Open(context.Background(), objectstore.NewMemStore(""), opts)
	if !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Open with prune and no checkpoints = %v, want ErrInvalidOptions", err)
	}
}

func TestCommitChainsRevisions(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, objectstore.NewMemStore(""), testOptions())

	t0 := addFile(t, c, dataPath(c, 1))
	t1 := addFile(t, c, dataPath(c, 2))
	t2, err := c.CommitActions(ctx, txlog.NewRemoveParquet(dataPath(c, 1)))
	if err != nil {
		t.Fatalf("commit remove: %v", err)
	}

	if t0.RevisionCounter != 0 || t0.PreviousUUID != uuid.Nil {
		t.Errorf("first transaction = rev %d prev %s", t0.RevisionCounter, t0.PreviousUUID)
	}
	if t1.RevisionCounter != 1 || t1.PreviousUUID != t0.UUID {
		t.Errorf("second transaction = rev %d prev %s, want 1 and %s", t1.RevisionCounter, t1.PreviousUUID, t0.UUID)
	}
	if t2.PreviousUUID != t1.UUID {
		t.Errorf("third transaction prev = %s, want %s", t2.PreviousUUID, t1.UUID)
	}

	if rev, ok := c.Revision(); !ok || rev != 2 {
		t.Errorf("Revision = %d, %v, want 2", rev, ok)
	}
	if c.HeadUUID() != t2.UUID {
		t.Errorf("HeadUUID = %s, want %s", c.HeadUUID(), t2.UUID)
	}
	if got, want := livePaths(c), []string{dataPath(c, 2).String()}; !slices.Equal(got, want) {
		t.Errorf("live paths = %v, want %v", got, want)
	}

	entry, ok := c.File(dataPath(c, 2))
	if !ok {
		t.Fatal("live file missing")
	}
	if entry.Revision != 1 || string(entry.Metadata) != "md" {
		t.Errorf("entry = rev %d metadata %q", entry.Revision, entry.Metadata)
	}
}

func TestCommitValidationIsNotRetried(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, objectstore.NewMemStore(""), testOptions())
	addFile(t, c, dataPath(c, 1))

	if _, err := c.CommitActions(ctx, txlog.NewAddParquet(dataPath(c, 1), nil)); !errors.Is(err, ErrFileAlreadyLive) {
		t.Errorf("add of live file = %v, want ErrFileAlreadyLive", err)
	}
	if _, err := c.CommitActions(ctx, txlog.NewRemoveParquet(dataPath(c, 9))); !errors.Is(err, ErrFileNotLive) {
		t.Errorf("remove of absent file = %v, want ErrFileNotLive", err)
	}

	calls := 0
	_, err := c.Commit(ctx, func(context.Context, TransactionInfo, *State) ([]txlog.Action, error) {
		calls++
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected build error")
	}
	if calls != 1 {
		t.Errorf("build called %d times, want 1", calls)
	}

	if rev, _ := c.Revision(); rev != 0 {
		t.Errorf("Revision = %d, failed commits must not advance the head", rev)
	}
}

func TestCommitRejectsLateUpgrade(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, objectstore.NewMemStore(""), testOptions())
	addFile(t, c, dataPath(c, 1))

	// An Upgrade anywhere but first would silently reset the live set.
	_, err := c.CommitActions(ctx,
		txlog.NewAddParquet(dataPath(c, 2), nil),
		txlog.NewUpgrade(CheckpointFormat),
	)
	if !errors.Is(err, txlog.ErrUpgradeNotFirst) {
		t.Fatalf("commit = %v, want ErrUpgradeNotFirst", err)
	}
	if got, want := livePaths(c), []string{dataPath(c, 1).String()}; !slices.Equal(got, want) {
		t.Errorf("live paths = %v, want %v", got, want)
	}

	// Leading Upgrade replaces the live set.
	if _, err := c.CommitActions(ctx, txlog.NewUpgrade(CheckpointFormat), txlog.NewAddParquet(dataPath(c, 3), nil)); err != nil {
		t.Fatalf("commit leading upgrade: %v", err)
	}
	if got, want := livePaths(c), []string{dataPath(c, 3).String()}; !slices.Equal(got, want) {
		t.Errorf("live paths = %v, want %v", got, want)
	}
}

func TestStateFilesUnder(t *testing.T) {
	c := openTest(t, objectstore.NewMemStore(""), testOptions())
	for i := uint32(1); i <= 3; i++ {
		addFile(t, c, dataPath(c, i))
	}

	var got []FileEntry
	_, err := c.Commit(context.Background(), func(_ context.Context, _ TransactionInfo, s *State) ([]txlog.Action, error) {
		got = s.FilesUnder(parquetfile.ChunkDir(c.Root(), "2024-01-01T00", 2))
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(got) != 1 || !got[0].Path.Equal(dataPath(c, 2)) {
		t.Errorf("FilesUnder = %+v, want only chunk 2", got)
	}
}

func TestReopenMatchesLiveState(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	c := openTest(t, store, testOptions())

	for i := uint32(1); i <= 5; i++ {
		addFile(t, c, dataPath(c, i))
	}
	_, err := c.CommitActions(ctx,
		txlog.NewRemoveParquet(dataPath(c, 2)),
		txlog.NewRemoveParquet(dataPath(c, 4)),
	)
	if err != nil {
		t.Fatalf("commit removes: %v", err)
	}

	reopened := openTest(t, store, testOptions())
	checkLivePaths(t, reopened, c)
	if reopened.HeadUUID() != c.HeadUUID() {
		t.Errorf("HeadUUID = %s, want %s", reopened.HeadUUID(), c.HeadUUID())
	}
}

func TestConcurrentWritersConflict(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")

	opts := testOptions()
	opts.MaxCommitAttempts = 1
	a := openTest(t, store, opts)
	b := openTest(t, store, opts)

	addFile(t, a, dataPath(a, 1))

	// b still believes the catalog is empty and loses revision 0.
	_, err := b.CommitActions(ctx, txlog.NewAddParquet(dataPath(b, 2), nil))
	var cme *ConcurrentModificationError
	if !errors.As(err, &cme) {
		t.Fatalf("commit = %v, want ConcurrentModificationError", err)
	}
	if !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("commit = %v, want ErrConcurrentModification", err)
	}
	if cme.LastRevision != 0 {
		t.Errorf("LastRevision = %d, want 0", cme.LastRevision)
	}

	// The next attempt refreshes first and lands on revision 1.
	b.opts.MaxCommitAttempts = 3
	var seen []uint64
	txn, err := b.Commit(ctx, func(_ context.Context, info TransactionInfo, _ *State) ([]txlog.Action, error) {
		seen = append(seen, info.Revision)
		return []txlog.Action{txlog.NewAddParquet(dataPath(b, 2), nil)}, nil
	})
	if err != nil {
		t.Fatalf("retrying commit: %v", err)
	}
	if txn.RevisionCounter != 1 {
		t.Errorf("revision = %d, want 1", txn.RevisionCounter)
	}
	if want := []uint64{0, 1}; !slices.Equal(seen, want) {
		t.Errorf("attempted revisions = %v, want %v", seen, want)
	}
	if n := len(b.Files()); n != 2 {
		t.Errorf("Files = %d, want 2", n)
	}
}

func TestCommitRetriesSeeRefreshedState(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	a := openTest(t, store, testOptions())
	b := openTest(t, store, testOptions())

	addFile(t, a, dataPath(a, 1))

	// b's builder removes whatever is live; on its first attempt it sees
	// nothing, after the refresh it sees a's file.
	_, err := b.Commit(ctx, func(_ context.Context, _ TransactionInfo, s *State) ([]txlog.Action, error) {
		var actions []txlog.Action
		for _, f := range s.Files() {
			actions = append(actions, txlog.NewRemoveParquet(f.Path))
		}
		return actions, nil
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("b.Len = %d, want 0", b.Len())
	}

	n, err := a.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if n != 1 || a.Len() != 0 {
		t.Errorf("Refresh applied %d, Len = %d, want 1 and 0", n, a.Len())
	}
}

func TestCommitHooksObserveTransactions(t *testing.T) {
	var got []uint64
	opts := testOptions()
	opts.OnCommit = []CommitHook{func(_ context.Context, txn *txlog.Transaction) {
		got = append(got, txn.RevisionCounter)
	}}
	c := openTest(t, objectstore.NewMemStore(""), opts)

	addFile(t, c, dataPath(c, 1))
	addFile(t, c, dataPath(c, 2))
	if want := []uint64{0, 1}; !slices.Equal(got, want) {
		t.Errorf("hook saw %v, want %v", got, want)
	}
}

// writeRaw stores an arbitrary transaction, bypassing Commit.
func writeRaw(t *testing.T, store objectstore.Store, root objectstore.Path, txn *txlog.Transaction) {
	t.Helper()
	data, err := txlog.Encode(txn)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := store.Put(context.Background(), TransactionPath(root, txn.RevisionCounter), data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestOpenDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	root := Root("server1", "db1")

	must := func(t *testing.T, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		corrupt func(t *testing.T, store objectstore.Store, c *PreservedCatalog)
	}{
		{
			name: "broken previous uuid",
			corrupt: func(t *testing.T, store objectstore.Store, c *PreservedCatalog) {
				writeRaw(t, store, root, &txlog.Transaction{
					Version: txlog.CurrentVersion, RevisionCounter: 3,
					UUID: uuid.New(), PreviousUUID: uuid.New(),
					StartTimestamp: time.Now().UTC(),
				})
			},
		},
		{
			name: "gap in revisions",
			corrupt: func(t *testing.T, store objectstore.Store, c *PreservedCatalog) {
				must(t, store.Delete(ctx, TransactionPath(root, 1)))
			},
		},
		{
			name: "missing revision zero",
			corrupt: func(t *testing.T, store objectstore.Store, c *PreservedCatalog) {
				must(t, store.Delete(ctx, TransactionPath(root, 0)))
			},
		},
		{
			name: "undecodable object",
			corrupt: func(t *testing.T, store objectstore.Store, c *PreservedCatalog) {
				must(t, store.Put(ctx, TransactionPath(root, 2), []byte("garbage")))
			},
		},
		{
			name: "duplicate revision",
			corrupt: func(t *testing.T, store objectstore.Store, c *PreservedCatalog) {
				must(t, store.Put(ctx, root.Join(TransactionsDir).WithFile("2.txn"), []byte("x")))
			},
		},
		{
			name: "revision mismatch",
			corrupt: func(t *testing.T, store objectstore.Store, c *PreservedCatalog) {
				data, err := store.Get(ctx, TransactionPath(root, 1))
				must(t, err)
				must(t, store.Put(ctx, TransactionPath(root, 2), data))
			},
		},
		{
			name: "liveness violation",
			corrupt: func(t *testing.T, store objectstore.Store, c *PreservedCatalog) {
				writeRaw(t, store, root, &txlog.Transaction{
					Version: txlog.CurrentVersion, RevisionCounter: 3,
					UUID: uuid.New(), PreviousUUID: c.HeadUUID(),
					StartTimestamp: time.Now().UTC(),
					Actions:        []txlog.Action{txlog.NewRemoveParquet(dataPath(c, 99))},
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := objectstore.NewMemStore("")
			c := openTest(t, store, testOptions())
			for i := uint32(1); i <= 3; i++ {
				addFile(t, c, dataPath(c, i))
			}

			tt.corrupt(t, store, c)

			got, err := Open(ctx, store, testOptions())
			if got != nil {
				t.Error("Open returned a catalog for corrupt history")
			}
			if !errors.Is(err, ErrCorruptCatalog) {
				t.Fatalf("Open = %v, want ErrCorruptCatalog", err)
			}
			var cce *CorruptCatalogError
			if !errors.As(err, &cce) {
				t.Errorf("Open error %T is not a *CorruptCatalogError", err)
			}
		})
	}
}

func TestOpenWithRetryDoesNotRetryCorruption(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	c := openTest(t, store, testOptions())
	addFile(t, c, dataPath(c, 1))
	if err := store.Put(ctx, TransactionPath(c.Root(), 0), []byte("garbage")); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := OpenWithRetry(ctx, store, testOptions(), 5, time.Second)
	if !errors.Is(err, ErrCorruptCatalog) {
		t.Fatalf("OpenWithRetry = %v, want ErrCorruptCatalog", err)
	}
	if d := time.Since(start); d >= time.Second {
		t.Errorf("OpenWithRetry took %s, corruption must not be retried", d)
	}
}

func TestRefreshAfterRemoteCommit(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	a := openTest(t, store, testOptions())
	b := openTest(t, store, testOptions())

	addFile(t, a, dataPath(a, 1))
	addFile(t, a, dataPath(a, 2))

	n, err := b.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Refresh applied %d, want 2", n)
	}
	checkLivePaths(t, b, a)

	if n, err = b.Refresh(ctx); err != nil || n != 0 {
		t.Errorf("second Refresh = %d, %v, want 0", n, err)
	}
}

func TestCheckpointAndPrune(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	opts := testOptions()
	opts.Checkpoints = true
	opts.PruneOnCheckpoint = true
	c := openTest(t, store, opts)

	for i := uint32(1); i <= 4; i++ {
		addFile(t, c, dataPath(c, i))
	}
	if _, err := c.CommitActions(ctx, txlog.NewRemoveParquet(dataPath(c, 1))); err != nil {
		t.Fatalf("commit remove: %v", err)
	}

	rev, err := c.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if rev != 4 {
		t.Errorf("checkpoint revision = %d, want 4", rev)
	}

	revs, err := c.TransactionRevisions(ctx)
	if err != nil {
		t.Fatalf("TransactionRevisions failed: %v", err)
	}
	if want := []uint64{4}; !slices.Equal(revs, want) {
		t.Errorf("revisions = %v, want %v after pruning", revs, want)
	}

	exists, err := store.Exists(ctx, checkpoint.Path(c.Root(), 4))
	if err != nil || !exists {
		t.Fatalf("checkpoint exists = %v, %v", exists, err)
	}

	reopened := openTest(t, store, opts)
	checkLivePaths(t, reopened, c)

	// The chain continues from the checkpointed head.
	txn := addFile(t, reopened, dataPath(c, 5))
	if txn.RevisionCounter != 5 || txn.PreviousUUID != c.HeadUUID() {
		t.Errorf("next transaction = rev %d prev %s, want 5 and %s", txn.RevisionCounter, txn.PreviousUUID, c.HeadUUID())
	}
}

func TestCheckpointMismatchFallsBackToReplay(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	opts := testOptions()
	opts.Checkpoints = true
	c := openTest(t, store, opts)

	addFile(t, c, dataPath(c, 1))
	addFile(t, c, dataPath(c, 2))

	// A checkpoint whose uuid disagrees with revision 1 must be ignored.
	mgr, err := checkpoint.NewManager(store, checkpoint.Config{Enabled: true, Root: c.Root()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()
	err = mgr.Save(ctx, &txlog.Transaction{
		Version:         txlog.CurrentVersion,
		RevisionCounter: 1,
		UUID:            uuid.New(),
		StartTimestamp:  time.Now().UTC(),
		Actions:         []txlog.Action{txlog.NewUpgrade(CheckpointFormat)},
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	checkLivePaths(t, openTest(t, store, opts), c)
}

func TestCheckpointDisabled(t *testing.T) {
	c := openTest(t, objectstore.NewMemStore(""), testOptions())
	if _, err := c.Checkpoint(context.Background()); !errors.Is(err, ErrCheckpointsDisabled) {
		t.Errorf("Checkpoint = %v, want ErrCheckpointsDisabled", err)
	}
}

// persistFile writes a real data file named and stamped for the transaction
// it is committed under and commits it.
func persistFile(t *testing.T, c *PreservedCatalog, id uint32) objectstore.Path {
	t.Helper()
	ctx := context.Background()
	rows := []tables.Row{{
		Time:   time.Date(2024, 1, 1, 0, 0, int(id), 0, time.UTC),
		Fields: map[string]float64{"usage": float64(id)},
	}}

	var p objectstore.Path
	_, err := c.Commit(ctx, func(ctx context.Context, info TransactionInfo, _ *State) ([]txlog.Action, error) {
		data, md, err := parquetfile.Write(rows, parquetfile.Metadata{
			PartitionKey:        "2024-01-01T00",
			TableName:           "cpu",
			ChunkID:             id,
			TransactionRevision: info.Revision,
			TransactionUUID:     info.UUID,
			MinTimeNanos:        rows[0].Time.UnixNano(),
			MaxTimeNanos:        rows[0].Time.UnixNano(),
		})
		if err != nil {
			return nil, err
		}
		p = parquetfile.Location(c.Root(), "2024-01-01T00", "cpu", id, info.UUID)
		if err := c.Store().CreateIfAbsent(ctx, p, data); err != nil {
			return nil, err
		}
		encoded, err := md.Encode()
		if err != nil {
			return nil, err
		}
		return []txlog.Action{txlog.NewAddParquet(p, encoded)}, nil
	})
	if err != nil {
		t.Fatalf("persist chunk %d: %v", id, err)
	}
	return p
}

func TestWipeAndRebuild(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	c := openTest(t, store, testOptions())

	p1 := persistFile(t, c, 1)
	if _, err := c.CommitActions(ctx); err != nil { // empty revision 1
		t.Fatalf("empty commit: %v", err)
	}
	p2 := persistFile(t, c, 2)

	if _, err := Rebuild(ctx, store, testOptions(), RebuildOptions{}); !errors.Is(err, ErrCatalogNotEmpty) {
		t.Fatalf("Rebuild over live catalog = %v, want ErrCatalogNotEmpty", err)
	}

	n, err := Wipe(ctx, store, c.Root())
	if err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Wipe deleted %d objects, want 3", n)
	}

	rebuilt, err := Rebuild(ctx, store, testOptions(), RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	defer rebuilt.Close()

	if rev, ok := rebuilt.Revision(); !ok || rev != 2 {
		t.Errorf("Revision = %d, %v, want 2", rev, ok)
	}
	if got, want := livePaths(rebuilt), []string{p1.String(), p2.String()}; !slices.Equal(got, want) {
		t.Errorf("live paths = %v, want %v", got, want)
	}
	if rebuilt.HeadUUID() != c.HeadUUID() {
		t.Errorf("HeadUUID = %s, want %s", rebuilt.HeadUUID(), c.HeadUUID())
	}

	entry, ok := rebuilt.File(p2)
	if !ok {
		t.Fatal("rebuilt catalog is missing the second file")
	}
	md, err := parquetfile.DecodeMetadata(entry.Metadata)
	if err != nil {
		t.Fatalf("DecodeMetadata failed: %v", err)
	}
	if len(md.Checksum) == 0 || md.FileSize <= 0 {
		t.Errorf("metadata checksum = %x size = %d", md.Checksum, md.FileSize)
	}
}

func TestRebuildRejectsConflictingFiles(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	root := Root("server1", "db1")

	for i, id := range []uuid.UUID{uuid.New(), uuid.New()} {
		rows := []tables.Row{{Time: time.Unix(int64(i), 0), Fields: map[string]float64{"v": 1}}}
		data, _, err := parquetfile.Write(rows, parquetfile.Metadata{
			PartitionKey: "p", TableName: "t", ChunkID: uint32(i),
			TransactionRevision: 0, TransactionUUID: id,
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := store.Put(ctx, parquetfile.Location(root, "p", "t", uint32(i), id), data); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := Rebuild(ctx, store, testOptions(), RebuildOptions{}); !errors.Is(err, ErrMultipleTransactions) {
		t.Errorf("Rebuild = %v, want ErrMultipleTransactions", err)
	}
}

func TestRebuildIgnoresBrokenFilesWhenAsked(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	root := Root("server1", "db1")
	if err := store.Put(ctx, parquetfile.Location(root, "p", "t", 1, fileTxn), []byte("not parquet")); err != nil {
		t.Fatal(err)
	}

	if _, err := Rebuild(ctx, store, testOptions(), RebuildOptions{}); err == nil {
		t.Fatal("Rebuild accepted an unreadable data file")
	}

	c, err := Rebuild(ctx, store, testOptions(), RebuildOptions{IgnoreMetadataErrors: true})
	if err != nil {
		t.Fatalf("Rebuild ignoring errors failed: %v", err)
	}
	defer c.Close()
	if rev, ok := c.Revision(); ok {
		t.Errorf("Revision = %d, want none", rev)
	}
}

func TestCleanupUnreferenced(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore("")
	c := openTest(t, store, testOptions())

	p1 := persistFile(t, c, 1)
	p2 := persistFile(t, c, 2)
	if _, err := c.CommitActions(ctx, txlog.NewRemoveParquet(p1)); err != nil {
		t.Fatalf("commit remove: %v", err)
	}

	// A file stamped for a future revision belongs to an in-flight commit.
	future := dataPath(c, 3)
	data, _, err := parquetfile.Write(
		[]tables.Row{{Time: time.Unix(0, 0), Fields: map[string]float64{"v": 1}}},
		parquetfile.Metadata{PartitionKey: "2024-01-01T00", TableName: "cpu", ChunkID: 3, TransactionRevision: 10},
	)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Put(ctx, future, data); err != nil {
		t.Fatal(err)
	}

	deleted, err := c.CleanupUnreferenced(ctx)
	if err != nil {
		t.Fatalf("CleanupUnreferenced failed: %v", err)
	}
	if len(deleted) != 1 || !deleted[0].Equal(p1) {
		t.Errorf("deleted = %v, want [%s]", deleted, p1)
	}

	for _, p := range []objectstore.Path{p2, future} {
		if ok, err := store.Exists(ctx, p); err != nil || !ok {
			t.Errorf("%s should survive cleanup: exists = %v, %v", p, ok, err)
		}
	}
}
