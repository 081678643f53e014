package parquetfile

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func sampleRows() []tables.Row {
	return []tables.Row{
		{Time: t0, Tags: map[string]string{"host": "a"}, Fields: map[string]float64{"usage": 1.5}},
		{Time: t0.Add(time.Second), Tags: map[string]string{"host": "b"}, Fields: map[string]float64{"usage": 2, "idle": 98}},
		{Time: t0.Add(2 * time.Second), Fields: map[string]float64{"usage": 0.25}},
	}
}

func sampleMetadata(rows []tables.Row) Metadata {
	b := tables.NewSummaryBuilder()
	for _, r := range rows {
		b.Observe(r)
	}
	earliest, latest := tables.TimeRange(rows)
	return Metadata{
		PartitionKey:        "2024-01-01T10",
		TableName:           "cpu",
		ChunkID:             3,
		TransactionRevision: 4,
		TransactionUUID:     uuid.MustParse("5a1c0b7e-3f39-4d7e-9a40-6cbe0d1d7a11"),
		RowCount:            uint64(len(rows)),
		MinTimeNanos:        earliest.UnixNano(),
		MaxTimeNanos:        latest.UnixNano(),
		FirstWriteNanos:     t0.UnixNano(),
		LastWriteNanos:      t0.Add(time.Minute).UnixNano(),
		Columns:             b.Columns(),
	}
}

func TestWriteAndReadBack(t *testing.T) {
	rows := sampleRows()
	data, md, err := Write(rows, sampleMetadata(rows))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if md.FileSize != int64(len(data)) {
		t.Errorf("FileSize = %d, want %d", md.FileSize, len(data))
	}
	if !tables.VerifyChecksum(data, md.Checksum) {
		t.Errorf("checksum %q does not match data", md.Checksum)
	}

	footer, err := ReadMetadata(data)
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if footer.TransactionRevision != 4 || footer.TransactionUUID != md.TransactionUUID {
		t.Errorf("footer transaction = %d/%s", footer.TransactionRevision, footer.TransactionUUID)
	}
	if footer.Checksum != "" || footer.FileSize != 0 {
		t.Error("footer copy should not carry size or checksum")
	}
	if footer.RowCount != 3 || len(footer.Columns) != 4 {
		t.Errorf("footer rows=%d columns=%d", footer.RowCount, len(footer.Columns))
	}
	if !footer.TimeOfFirstWrite().Equal(t0) {
		t.Errorf("TimeOfFirstWrite = %s", footer.TimeOfFirstWrite())
	}

	got, err := ReadRows(data)
	if err != nil {
		t.Fatalf("ReadRows failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("rows = %d, want %d", len(got), len(rows))
	}
	for i := range rows {
		if !got[i].Time.Equal(rows[i].Time) {
			t.Errorf("row %d time = %s, want %s", i, got[i].Time, rows[i].Time)
		}
		for k, v := range rows[i].Fields {
			if got[i].Fields[k] != v {
				t.Errorf("row %d field %s = %v, want %v", i, k, got[i].Fields[k], v)
			}
		}
		for k, v := range rows[i].Tags {
			if got[i].Tags[k] != v {
				t.Errorf("row %d tag %s = %q, want %q", i, k, got[i].Tags[k], v)
			}
		}
	}
}

func TestMetadataEncodeDecode(t *testing.T) {
	rows := sampleRows()
	_, md, err := Write(rows, sampleMetadata(rows))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	raw, err := md.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := DecodeMetadata(raw)
	if err != nil {
		t.Fatalf("DecodeMetadata failed: %v", err)
	}
	if back.Checksum != md.Checksum || back.FileSize != md.FileSize || back.ChunkID != md.ChunkID {
		t.Errorf("decoded %+v, want %+v", back, md)
	}
	usage, ok := tables.FindColumn(back.Columns, "usage", tables.ColumnField)
	if !ok || usage.Max.Float != 2 {
		t.Errorf("usage column = %+v", usage)
	}

	if _, err := DecodeMetadata([]byte{0xff}); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestLocation(t *testing.T) {
	root := objectstore.NewDir("1", "mydb")
	txn := uuid.MustParse("5a1c0b7e-3f39-4d7e-9a40-6cbe0d1d7a11")
	p := Location(root, "2024-01-01T10", "cpu.load", 42, txn)

	if got, want := p.String(), "1/mydb/data/2024-01-01T10/42/cpu.load.5a1c0b7e-3f39-4d7e-9a40-6cbe0d1d7a11.parquet"; got != want {
		t.Fatalf("Location = %q, want %q", got, want)
	}
	if !p.HasPrefix(DataPrefix(root)) || !p.HasPrefix(ChunkDir(root, "2024-01-01T10", 42)) {
		t.Error("location not under its chunk directory")
	}
	if other := Location(root, "2024-01-01T10", "cpu.load", 42, uuid.New()); other.Equal(p) {
		t.Error("two transactions share one location")
	}

	pk, table, id, err := ParseLocation(root, p)
	if err != nil {
		t.Fatalf("ParseLocation failed: %v", err)
	}
	if pk != "2024-01-01T10" || table != "cpu.load" || id != 42 {
		t.Errorf("ParseLocation = %q %q %d", pk, table, id)
	}

	bad := []string{
		"1/mydb/transactions/00000000000000000000.txn",
		"1/mydb/data/pk/notanumber/cpu.5a1c0b7e-3f39-4d7e-9a40-6cbe0d1d7a11.parquet",
		"1/mydb/data/pk/1/cpu.5a1c0b7e-3f39-4d7e-9a40-6cbe0d1d7a11.csv",
		"1/other/data/pk/1/cpu.5a1c0b7e-3f39-4d7e-9a40-6cbe0d1d7a11.parquet",
		"1/mydb/data/pk/1/.5a1c0b7e-3f39-4d7e-9a40-6cbe0d1d7a11.parquet",
		"1/mydb/data/pk/1/cpu.parquet",
		"1/mydb/data/pk/1/cpu.notauuid.parquet",
	}
	for _, s := range bad {
		if _, _, _, err := ParseLocation(root, objectstore.MustParsePath(s)); !errors.Is(err, ErrNotDataFile) {
			t.Errorf("ParseLocation(%q) err = %v, want ErrNotDataFile", s, err)
		}
	}
}
