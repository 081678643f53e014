package txlog

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
)

func equalTransactions(t *testing.T, got, want *Transaction) {
	t.Helper()

	if got.RevisionCounter != want.RevisionCounter {
		t.Errorf("revision = %d, want %d", got.RevisionCounter, want.RevisionCounter)
	}
	if got.UUID != want.UUID {
		t.Errorf("uuid = %s, want %s", got.UUID, want.UUID)
	}
	if got.PreviousUUID != want.PreviousUUID {
		t.Errorf("previous uuid = %s, want %s", got.PreviousUUID, want.PreviousUUID)
	}
	if !got.StartTimestamp.Equal(want.StartTimestamp) {
		t.Errorf("start = %s, want %s", got.StartTimestamp, want.StartTimestamp)
	}
	if len(got.Actions) != len(want.Actions) {
		t.Fatalf("actions = %d, want %d", len(got.Actions), len(want.Actions))
	}
	for i := range want.Actions {
		g, w := got.Actions[i], want.Actions[i]
		if g.Kind != w.Kind || g.Format != w.Format || !g.Path.Equal(w.Path) || !bytes.Equal(g.Metadata, w.Metadata) {
			t.Errorf("action %d = %+v, want %+v", i, g, w)
		}
	}
}

func sampleTransaction() *Transaction {
	return &Transaction{
		Version: CurrentVersion,
		Actions: []Action{
			NewRemoveParquet(objectstore.MustParsePath("1/db/data/2024-01-01T00/0/cpu.parquet")),
			NewAddParquet(objectstore.MustParsePath("1/db/data/2024-01-01T00/1/cpu.parquet"), []byte{0xa1, 0x01, 0x02}),
		},
		RevisionCounter: 7,
		UUID:            uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		PreviousUUID:    uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8"),
		StartTimestamp:  time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC),
	}
}

func TestRoundTripCurrentVersion(t *testing.T) {
	tests := []struct {
		name string
		txn  *Transaction
	}{
		{"add and remove", sampleTransaction()},
		{"revision zero", &Transaction{
			Version:         CurrentVersion,
			RevisionCounter: 0,
			UUID:            uuid.New(),
			StartTimestamp:  time.Unix(0, 1).UTC(),
		}},
		{"checkpoint form", &Transaction{
			Version: CurrentVersion,
			Actions: []Action{
				NewUpgrade("checkpoint"),
				NewAddParquet(objectstore.MustParsePath("a/b.parquet"), nil),
			},
			RevisionCounter: 12,
			UUID:            uuid.New(),
			PreviousUUID:    uuid.New(),
			StartTimestamp:  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.txn)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.Version != CurrentVersion {
				t.Errorf("version = %d, want %d", got.Version, CurrentVersion)
			}
			equalTransactions(t, got, tt.txn)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := Encode(sampleTransaction())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := Encode(sampleTransaction())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("encoding the same transaction twice produced different bytes")
	}
}

// encodeFlatPath writes the first generation, as older writers did.
func encodeFlatPath(t *testing.T, txn *Transaction) []byte {
	t.Helper()

	w := wireTransactionV1{
		Version:    uint32(VersionFlatPath),
		Revision:   txn.RevisionCounter,
		UUID:       txn.UUID.String(),
		StartNanos: txn.StartTimestamp.UnixNano(),
	}
	if txn.PreviousUUID != uuid.Nil {
		w.PreviousUUID = txn.PreviousUUID.String()
	}
	for _, a := range txn.Actions {
		wa := wireActionV1{Kind: uint8(a.Kind), Format: a.Format}
		if a.Kind != ActionUpgrade {
			wa.Path = a.Path.String()
		}
		w.Actions = append(w.Actions, wa)
	}

	data, err := encMode.Marshal(w)
	if err != nil {
		t.Fatalf("marshal v1: %v", err)
	}
	return data
}

func TestDecodeFlatPathGeneration(t *testing.T) {
	want := sampleTransaction()
	// The first generation has no metadata on AddParquet.
	want.Actions[1].Metadata = nil

	data := encodeFlatPath(t, want)

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode v1 failed: %v", err)
	}
	if got.Version != VersionFlatPath {
		t.Errorf("version = %d, want %d", got.Version, VersionFlatPath)
	}
	equalTransactions(t, got, want)

	if dirs := got.Actions[1].Path.Dirs(); len(dirs) != 5 || dirs[2] != "data" {
		t.Errorf("flat path not split into directories: %v", dirs)
	}

	// Re-encoding upgrades to the current generation without losing content.
	upgraded, err := Encode(got)
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	again, err := Decode(upgraded)
	if err != nil {
		t.Fatalf("decode upgraded failed: %v", err)
	}
	if again.Version != CurrentVersion {
		t.Errorf("upgraded version = %d, want %d", again.Version, CurrentVersion)
	}
	equalTransactions(t, again, want)
}

func TestDecodeRejectsUnknownInput(t *testing.T) {
	unknownVersion, err := encMode.Marshal(map[int]any{1: 99, 3: 0})
	if err != nil {
		t.Fatal(err)
	}
	noVersion, err := encMode.Marshal(map[int]any{3: 1})
	if err != nil {
		t.Fatal(err)
	}
	unknownKind, err := encMode.Marshal(wireTransactionV2{
		Version: 2,
		UUID:    make([]byte, 16),
		Actions: []wireActionV2{{Kind: 42}},
	})
	if err != nil {
		t.Fatal(err)
	}
	badUUID, err := encMode.Marshal(wireTransactionV2{Version: 2, UUID: []byte{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	missingFile, err := encMode.Marshal(wireTransactionV2{
		Version: 2,
		UUID:    make([]byte, 16),
		Actions: []wireActionV2{{Kind: uint8(ActionAddParquet), Dirs: []string{"a"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	good, err := Encode(sampleTransaction())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		data    []byte
		version bool
	}{
		{"empty", nil, false},
		{"garbage", []byte{0xff, 0x00, 0x13}, false},
		{"unknown version", unknownVersion, true},
		{"missing version", noVersion, true},
		{"unknown action kind", unknownKind, false},
		{"bad uuid", badUUID, false},
		{"add without file", missingFile, false},
		{"truncated", good[:len(good)-3], false},
		{"trailing bytes", append(append([]byte{}, good...), 0x00), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrFormat) {
				t.Errorf("error %v does not match ErrFormat", err)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("error %T is not a *FormatError", err)
			}
			if tt.version && !errors.Is(err, ErrUnknownVersion) {
				t.Errorf("error %v does not match ErrUnknownVersion", err)
			}
		})
	}
}

func TestEncodeRejectsInvalidActions(t *testing.T) {
	txn := sampleTransaction()
	txn.Actions = append(txn.Actions, Action{Kind: ActionKind(9)})
	if _, err := Encode(txn); err == nil {
		t.Error("expected error for unknown action kind")
	}

	txn = sampleTransaction()
	txn.Actions = []Action{NewAddParquet(objectstore.NewDir("only", "dirs"), nil)}
	if _, err := Encode(txn); err == nil {
		t.Error("expected error for path without file name")
	}

	txn = sampleTransaction()
	txn.Actions = append(txn.Actions, NewUpgrade("checkpoint"))
	if _, err := Encode(txn); !errors.Is(err, ErrUpgradeNotFirst) {
		t.Errorf("Encode with trailing upgrade = %v, want ErrUpgradeNotFirst", err)
	}
}

func TestEncodeRejectsUnrepresentableStart(t *testing.T) {
	for name, ts := range map[string]time.Time{
		"zero":       {},
		"year 1000":  time.Date(1000, 1, 1, 0, 0, 0, 0, time.UTC),
		"year 3000":  time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		"before min": time.Unix(0, math.MinInt64).Add(-time.Nanosecond),
	} {
		txn := sampleTransaction()
		txn.StartTimestamp = ts
		if _, err := Encode(txn); !errors.Is(err, ErrInvalidTimestamp) {
			t.Errorf("%s: Encode = %v, want ErrInvalidTimestamp", name, err)
		}
	}

	// The extremes of the nanosecond range still round-trip.
	for _, ts := range []time.Time{time.Unix(0, math.MinInt64).UTC(), time.Unix(0, math.MaxInt64).UTC()} {
		txn := sampleTransaction()
		txn.StartTimestamp = ts
		data, err := Encode(txn)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", ts, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		equalTransactions(t, got, txn)
	}
}

func TestDecodeRejectsLateUpgrade(t *testing.T) {
	data, err := encMode.Marshal(wireTransactionV2{
		Version: 2,
		UUID:    make([]byte, 16),
		Actions: []wireActionV2{
			{Kind: uint8(ActionAddParquet), Dirs: []string{"a"}, File: "b.parquet"},
			{Kind: uint8(ActionUpgrade), Format: "checkpoint"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = Decode(data)
	if !errors.Is(err, ErrFormat) || !errors.Is(err, ErrUpgradeNotFirst) {
		t.Errorf("Decode = %v, want a format error wrapping ErrUpgradeNotFirst", err)
	}
}

func TestSummary(t *testing.T) {
	got := sampleTransaction().Summary()
	want := "rev=7 uuid=6ba7b810-9dad-11d1-80b4-00c04fd430c8 add=1 remove=1 upgrade=0"
	if got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
