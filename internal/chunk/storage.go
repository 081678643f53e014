package chunk

import (
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// Storage is the tier-specific state of a chunk. Each implementation owns
// only the resources valid for its tier.
type Storage interface {
	Tier() Tier
	isStorage()
}

// File references a persisted chunk file. The bytes belong to the object store.
type File struct {
	Path     objectstore.Path
	Metadata parquetfile.Metadata
}

// OpenMutable accepts writes.
type OpenMutable struct {
	Buffer *MutableBuffer
}

// ClosedMutable holds a frozen mutable buffer.
type ClosedMutable struct {
	Buffer *MutableBuffer
}

// ReadBuffer holds the compacted column-oriented copy.
type ReadBuffer struct {
	Columns *ColumnBuffer
}

// ReadBufferAndObjectStore is the brief window after a persist commits and
// before the in-memory copy is released.
type ReadBufferAndObjectStore struct {
	Columns *ColumnBuffer
	File    File
}

// ObjectStoreOnly holds nothing but the file reference.
type ObjectStoreOnly struct {
	File File
}

func (OpenMutable) Tier() Tier              { return TierOpenMutable }
func (ClosedMutable) Tier() Tier            { return TierClosedMutable }
func (ReadBuffer) Tier() Tier               { return TierReadBuffer }
func (ReadBufferAndObjectStore) Tier() Tier { return TierReadBufferAndObjectStore }
func (ObjectStoreOnly) Tier() Tier          { return TierObjectStoreOnly }

func (OpenMutable) isStorage()              {}
func (ClosedMutable) isStorage()            {}
func (ReadBuffer) isStorage()               {}
func (ReadBufferAndObjectStore) isStorage() {}
func (ObjectStoreOnly) isStorage()          {}

func (s OpenMutable) close() ClosedMutable {
	return ClosedMutable{Buffer: s.Buffer}
}

func (s ClosedMutable) compact() ReadBuffer {
	return ReadBuffer{Columns: compactBuffer(s.Buffer)}
}

func (s ReadBuffer) persisted(f File) ReadBufferAndObjectStore {
	return ReadBufferAndObjectStore{Columns: s.Columns, File: f}
}

func (s ReadBufferAndObjectStore) unload() ObjectStoreOnly {
	return ObjectStoreOnly{File: s.File}
}

// MutableBuffer stores raw rows in arrival order.
type MutableBuffer struct {
	rows    []tables.Row
	size    uint64
	summary *tables.SummaryBuilder
}

func newMutableBuffer() *MutableBuffer {
	return &MutableBuffer{summary: tables.NewSummaryBuilder()}
}

func (b *MutableBuffer) append(rows []tables.Row) uint64 {
	var added uint64
	for _, r := range rows {
		b.rows = append(b.rows, r)
		b.summary.Observe(r)
		added += r.EstimatedSize()
	}
	b.size += added
	return added
}

// Size returns the estimated buffered bytes.
func (b *MutableBuffer) Size() uint64 { return b.size }

// Len returns the number of buffered rows.
func (b *MutableBuffer) Len() int { return len(b.rows) }

// Columns returns column statistics of the buffered rows.
func (b *MutableBuffer) Columns() []tables.ColumnSummary { return b.summary.Columns() }

// Rows returns a copy of the buffered rows.
func (b *MutableBuffer) Rows() []tables.Row {
	out := make([]tables.Row, len(b.rows))
	copy(out, b.rows)
	return out
}

// tagColumn is dictionary encoded; code -1 marks a missing value.
type tagColumn struct {
	dict  []string
	index map[string]int32
	codes []int32
}

func (c *tagColumn) add(v string, ok bool) {
	if !ok {
		c.codes = append(c.codes, -1)
		return
	}
	code, seen := c.index[v]
	if !seen {
		code = int32(len(c.dict))
		c.dict = append(c.dict, v)
		c.index[v] = code
	}
	c.codes = append(c.codes, code)
}

func (c *tagColumn) size() uint64 {
	n := uint64(4 * len(c.codes))
	for _, s := range c.dict {
		n += uint64(len(s))
	}
	return n
}

type fieldColumn struct {
	values []float64
	valid  []bool
}

func (c *fieldColumn) size() uint64 {
	return uint64(9 * len(c.values))
}

// ColumnBuffer is the read-buffer encoding: rows sorted by time, tags
// dictionary encoded, fields in dense arrays with a validity mask.
type ColumnBuffer struct {
	times   []int64
	tags    map[string]*tagColumn
	fields  map[string]*fieldColumn
	columns []tables.ColumnSummary
	size    uint64
}

func compactBuffer(b *MutableBuffer) *ColumnBuffer {
	rows := b.Rows()
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })

	tagNames := map[string]struct{}{}
	fieldNames := map[string]struct{}{}
	for _, r := range rows {
		for k := range r.Tags {
			tagNames[k] = struct{}{}
		}
		for k := range r.Fields {
			fieldNames[k] = struct{}{}
		}
	}

	cb := &ColumnBuffer{
		times:   make([]int64, 0, len(rows)),
		tags:    make(map[string]*tagColumn, len(tagNames)),
		fields:  make(map[string]*fieldColumn, len(fieldNames)),
		columns: b.Columns(),
	}
	for k := range tagNames {
		cb.tags[k] = &tagColumn{index: make(map[string]int32)}
	}
	for k := range fieldNames {
		cb.fields[k] = &fieldColumn{}
	}

	for _, r := range rows {
		cb.times = append(cb.times, r.Time.UnixNano())
		for k, col := range cb.tags {
			v, ok := r.Tags[k]
			col.add(v, ok)
		}
		for k, col := range cb.fields {
			v, ok := r.Fields[k]
			col.values = append(col.values, v)
			col.valid = append(col.valid, ok)
		}
	}

	cb.size = uint64(8 * len(cb.times))
	for k, col := range cb.tags {
		cb.size += uint64(len(k)) + col.size()
	}
	for k, col := range cb.fields {
		cb.size += uint64(len(k)) + col.size()
	}
	return cb
}

// Size returns the in-memory footprint of the encoded columns.
func (c *ColumnBuffer) Size() uint64 { return c.size }

// Len returns the number of rows.
func (c *ColumnBuffer) Len() int { return len(c.times) }

// Columns returns column statistics.
func (c *ColumnBuffer) Columns() []tables.ColumnSummary { return c.columns }

// Rows decodes the columns back into rows, ordered by time.
func (c *ColumnBuffer) Rows() []tables.Row {
	rows := make([]tables.Row, len(c.times))
	for i, ts := range c.times {
		rows[i] = tables.Row{
			Time:   time.Unix(0, ts).UTC(),
			Tags:   map[string]string{},
			Fields: map[string]float64{},
		}
	}
	for k, col := range c.tags {
		for i, code := range col.codes {
			if code >= 0 {
				rows[i].Tags[k] = col.dict[code]
			}
		}
	}
	for k, col := range c.fields {
		for i, ok := range col.valid {
			if ok {
				rows[i].Fields[k] = col.values[i]
			}
		}
	}
	return rows
}
