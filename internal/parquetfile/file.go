package parquetfile

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// MetadataKey is the footer key/value entry holding the encoded Metadata.
const MetadataKey = "chunk_metadata"

// ErrNoMetadata is returned for parquet files written without chunk metadata.
var ErrNoMetadata = errors.New("parquet file has no chunk metadata")

// fileRow is the on-disk row layout. Tags and fields are stored as
// repeated name/value groups so tables need no fixed schema.
type fileRow struct {
	Time   int64        `parquet:"time,timestamp(nanosecond)"`
	Tags   []tagValue   `parquet:"tags"`
	Fields []fieldValue `parquet:"fields"`
}

type tagValue struct {
	Name  string `parquet:"name"`
	Value string `parquet:"value"`
}

type fieldValue struct {
	Name  string  `parquet:"name"`
	Value float64 `parquet:"value"`
}

func toFileRow(r tables.Row) fileRow {
	fr := fileRow{Time: r.Time.UnixNano()}
	for k, v := range r.Tags {
		fr.Tags = append(fr.Tags, tagValue{Name: k, Value: v})
	}
	for k, v := range r.Fields {
		fr.Fields = append(fr.Fields, fieldValue{Name: k, Value: v})
	}
	sort.Slice(fr.Tags, func(i, j int) bool { return fr.Tags[i].Name < fr.Tags[j].Name })
	sort.Slice(fr.Fields, func(i, j int) bool { return fr.Fields[i].Name < fr.Fields[j].Name })
	return fr
}

func (fr fileRow) toRow() tables.Row {
	r := tables.Row{
		Time:   time.Unix(0, fr.Time).UTC(),
		Fields: make(map[string]float64, len(fr.Fields)),
	}
	if len(fr.Tags) > 0 {
		r.Tags = make(map[string]string, len(fr.Tags))
		for _, t := range fr.Tags {
			r.Tags[t.Name] = t.Value
		}
	}
	for _, f := range fr.Fields {
		r.Fields[f.Name] = f.Value
	}
	return r
}

// Write encodes rows as a snappy-compressed parquet file with md embedded
// in the footer. The returned metadata has FileSize and Checksum filled in.
func Write(rows []tables.Row, md Metadata) ([]byte, Metadata, error) {
	footer := md
	footer.FileSize = 0
	footer.Checksum = ""
	footer.RowCount = uint64(len(rows))
	footer.RowSchemaVersion = tables.SchemaVersion

	encoded, err := footer.Encode()
	if err != nil {
		return nil, Metadata{}, err
	}

	fileRows := make([]fileRow, 0, len(rows))
	for _, r := range rows {
		fileRows = append(fileRows, toFileRow(r))
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[fileRow](&buf,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(MetadataKey, base64.StdEncoding.EncodeToString(encoded)),
	)

	if _, err := w.Write(fileRows); err != nil {
		return nil, Metadata{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, Metadata{}, fmt.Errorf("close parquet writer: %w", err)
	}

	data := buf.Bytes()
	out := footer
	out.FileSize = int64(len(data))
	out.Checksum = tables.ComputeChecksum(data)
	return data, out, nil
}

// ReadMetadata extracts the chunk metadata embedded in a file's footer.
func ReadMetadata(data []byte) (Metadata, error) {
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Metadata{}, fmt.Errorf("open parquet: %w", err)
	}

	value, ok := pf.Lookup(MetadataKey)
	if !ok {
		return Metadata{}, ErrNoMetadata
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return Metadata{}, fmt.Errorf("decode %s: %w", MetadataKey, err)
	}

	md, err := DecodeMetadata(raw)
	if err != nil {
		return Metadata{}, err
	}
	if uint64(pf.NumRows()) != md.RowCount {
		return Metadata{}, fmt.Errorf("row count mismatch: footer %d, metadata %d", pf.NumRows(), md.RowCount)
	}
	return md, nil
}

// ReadRows decodes every row of a file.
func ReadRows(data []byte) ([]tables.Row, error) {
	fileRows, err := parquet.Read[fileRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	rows := make([]tables.Row, 0, len(fileRows))
	for _, fr := range fileRows {
		rows = append(rows, fr.toRow())
	}
	return rows, nil
}
