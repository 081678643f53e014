package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

func testEvent(revision uint64, checksum string) *Event {
	return &Event{
		Version:   EventVersion,
		EventType: EventTypeCommit,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Database:  "telemetry",
		Transaction: TransactionInfo{
			Revision: revision,
			UUID:     "00000000-0000-0000-0000-000000000001",
			Actions: []ActionInfo{
				{Kind: "add_parquet", Path: "1/telemetry/data/2024-01-01T00/0/cpu.parquet", Checksum: checksum},
			},
		},
		Producer: ProducerInfo{Name: "chunk-lifecycle"},
	}
}

func testTransaction(t *testing.T, revision uint64) *txlog.Transaction {
	t.Helper()
	md := parquetfile.Metadata{RowCount: 7, FileSize: 512, Checksum: "sha256:abc"}
	encoded, err := md.Encode()
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	return &txlog.Transaction{
		Version:         txlog.CurrentVersion,
		RevisionCounter: revision,
		UUID:            uuid.New(),
		PreviousUUID:    uuid.New(),
		StartTimestamp:  time.Now().UTC(),
		Actions: []txlog.Action{
			txlog.NewAddParquet(objectstore.MustParsePath("1/telemetry/data/p/0/cpu.parquet"), encoded),
			txlog.NewRemoveParquet(objectstore.MustParsePath("1/telemetry/data/p/1/cpu.parquet")),
		},
	}
}

func TestComputeEventHash(t *testing.T) {
	evt := testEvent(0, "sha256:abc123")
	evt.SetChainHashes("")

	if len(evt.Chain.EventHash) < 7 || evt.Chain.EventHash[:7] != "sha256:" {
		t.Errorf("EventHash should start with 'sha256:', got: %s", evt.Chain.EventHash)
	}
	if evt.Chain.PrevEventHash != "" {
		t.Errorf("PrevEventHash should be empty for first in chain, got: %s", evt.Chain.PrevEventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	event1 := testEvent(3, "sha256:aaa")
	event1.SetChainHashes("prev_hash_123")
	event2 := testEvent(3, "sha256:aaa")
	event2.SetChainHashes("prev_hash_123")

	if event1.Chain.EventHash != event2.Chain.EventHash {
		t.Errorf("identical events should produce identical hashes.\n  Event1: %s\n  Event2: %s",
			event1.Chain.EventHash, event2.Chain.EventHash)
	}

	event3 := testEvent(3, "sha256:aaa")
	event3.SetChainHashes("prev_hash_456")
	if event1.Chain.EventHash == event3.Chain.EventHash {
		t.Error("different prev_hash should produce different event_hash")
	}

	event4 := testEvent(3, "sha256:bbb")
	event4.SetChainHashes("prev_hash_123")
	if event1.Chain.EventHash == event4.Chain.EventHash {
		t.Error("different content should produce different event_hash")
	}
}

func TestNewEvent(t *testing.T) {
	txn := testTransaction(t, 4)
	evt := NewEvent("telemetry", txn, ProducerInfo{Name: "chunk-lifecycle"})

	if evt.ChainKey() != "telemetry" {
		t.Errorf("ChainKey() = %s, want telemetry", evt.ChainKey())
	}
	if evt.Transaction.Revision != 4 || evt.Transaction.UUID != txn.UUID.String() {
		t.Errorf("transaction info = %+v", evt.Transaction)
	}
	if evt.Transaction.PreviousUUID != txn.PreviousUUID.String() {
		t.Errorf("PreviousUUID = %s, want %s", evt.Transaction.PreviousUUID, txn.PreviousUUID)
	}
	if len(evt.Transaction.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(evt.Transaction.Actions))
	}

	add := evt.Transaction.Actions[0]
	if add.Kind != txlog.ActionAddParquet.String() || add.RowCount != 7 || add.ByteSize != 512 || add.Checksum != "sha256:abc" {
		t.Errorf("add action = %+v", add)
	}
	remove := evt.Transaction.Actions[1]
	if remove.Kind != txlog.ActionRemoveParquet.String() || remove.Path != "1/telemetry/data/p/1/cpu.parquet" {
		t.Errorf("remove action = %+v", remove)
	}
}

func TestFileEmitterChainsEvents(t *testing.T) {
	dir := t.TempDir()
	emitter, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter: %v", err)
	}

	ctx := context.Background()
	for rev := uint64(0); rev < 3; rev++ {
		if err := emitter.Emit(ctx, testEvent(rev, "sha256:x")); err != nil {
			t.Fatalf("Emit(%d): %v", rev, err)
		}
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		t.Fatalf("NewFileBackup: %v", err)
	}
	events, err := backup.Load("telemetry")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("loaded %d events, want 3", len(events))
	}
	if i := VerifyChain(events); i != -1 {
		t.Fatalf("chain broken at %d", i)
	}

	// A restarted emitter continues the chain from the persisted head.
	restarted, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter: %v", err)
	}
	next := testEvent(3, "sha256:x")
	if err := restarted.Emit(ctx, next); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if next.Chain.PrevEventHash != events[2].Chain.EventHash {
		t.Errorf("prev hash = %s, want %s", next.Chain.PrevEventHash, events[2].Chain.EventHash)
	}

	// Tampering is detected.
	events[1].Transaction.Actions[0].Checksum = "sha256:forged"
	if i := VerifyChain(events); i != 1 {
		t.Errorf("VerifyChain after tamper = %d, want 1", i)
	}
}

func TestHTTPEmitterPostsAndRetries(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		received []Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var evt Event
		if err := json.Unmarshal(body, &evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received = append(received, evt)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	emitter, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHTTPEmitter: %v", err)
	}
	emitter.delay = time.Millisecond

	if err := emitter.Emit(context.Background(), testEvent(0, "sha256:x")); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if len(received) != 1 || received[0].Chain.EventHash == "" {
		t.Fatalf("received = %+v", received)
	}
	if head, err := emitter.chainTracker.GetHead("telemetry"); err != nil || head != received[0].Chain.EventHash {
		t.Errorf("chain head = %q, %v", head, err)
	}
}

func TestHookEmitsPerCommit(t *testing.T) {
	dir := t.TempDir()
	emitter := NewEmitter(Config{Enabled: true, Dir: dir})
	defer emitter.Close()

	hook := Hook(emitter, "telemetry", ProducerInfo{Name: "chunk-lifecycle"})
	hook(context.Background(), testTransaction(t, 0))
	hook(context.Background(), testTransaction(t, 1))

	backup, err := NewFileBackup(dir)
	if err != nil {
		t.Fatalf("NewFileBackup: %v", err)
	}
	events, err := backup.Load("telemetry")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if i := VerifyChain(events); i != -1 {
		t.Errorf("chain broken at %d", i)
	}
}

func TestDisabledEmitterIsNoop(t *testing.T) {
	e := NewEmitter(Config{})
	if err := e.Emit(context.Background(), testEvent(0, "")); err != nil {
		t.Errorf("Emit: %v", err)
	}
}
