package tables

import (
	"cmp"
	"fmt"
	"sort"
	"strings"
)

// ColumnType distinguishes the time, tag and field columns.
type ColumnType uint8

const (
	ColumnTime ColumnType = iota + 1
	ColumnTag
	ColumnField
)

func (t ColumnType) String() string {
	switch t {
	case ColumnTime:
		return "time"
	case ColumnTag:
		return "tag"
	case ColumnField:
		return "field"
	default:
		return fmt.Sprintf("column_type(%d)", uint8(t))
	}
}

// ParseColumnType accepts the lowercase names returned by String.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(s) {
	case "time":
		return ColumnTime, nil
	case "tag":
		return ColumnTag, nil
	case "field":
		return ColumnField, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", s)
	}
}

// Value is a single statistic. Only the member matching Type is set;
// time values are unix nanoseconds in Int.
type Value struct {
	Type  ColumnType `cbor:"1,keyasint"`
	Int   int64      `cbor:"2,keyasint,omitempty"`
	Float float64    `cbor:"3,keyasint,omitempty"`
	Str   string     `cbor:"4,keyasint,omitempty"`
}

// Compare orders values of the same type. Values of different types order by type.
func (v Value) Compare(o Value) int {
	if v.Type != o.Type {
		return cmp.Compare(v.Type, o.Type)
	}
	switch v.Type {
	case ColumnTime:
		return cmp.Compare(v.Int, o.Int)
	case ColumnTag:
		return strings.Compare(v.Str, o.Str)
	default:
		return cmp.Compare(v.Float, o.Float)
	}
}

// ColumnSummary holds count and range statistics for one column.
type ColumnSummary struct {
	Name  string     `cbor:"1,keyasint"`
	Type  ColumnType `cbor:"2,keyasint"`
	Count uint64     `cbor:"3,keyasint"`
	Min   Value      `cbor:"4,keyasint"`
	Max   Value      `cbor:"5,keyasint"`
}

func (c *ColumnSummary) observe(v Value) {
	if c.Count == 0 || v.Compare(c.Min) < 0 {
		c.Min = v
	}
	if c.Count == 0 || v.Compare(c.Max) > 0 {
		c.Max = v
	}
	c.Count++
}

// Aggregate selects which end of a column's range is used.
type Aggregate uint8

const (
	AggregateMin Aggregate = iota + 1
	AggregateMax
)

// Aggregate returns the requested statistic.
func (c ColumnSummary) Aggregate(a Aggregate) Value {
	if a == AggregateMax {
		return c.Max
	}
	return c.Min
}

// SummaryBuilder accumulates column statistics as rows arrive.
type SummaryBuilder struct {
	columns map[string]*ColumnSummary
}

// NewSummaryBuilder returns an empty builder.
func NewSummaryBuilder() *SummaryBuilder {
	return &SummaryBuilder{columns: make(map[string]*ColumnSummary)}
}

// Observe folds one row into the statistics.
func (b *SummaryBuilder) Observe(r Row) {
	b.column(TimeColumn, ColumnTime).observe(Value{Type: ColumnTime, Int: r.Time.UnixNano()})
	for k, v := range r.Tags {
		b.column(k, ColumnTag).observe(Value{Type: ColumnTag, Str: v})
	}
	for k, v := range r.Fields {
		b.column(k, ColumnField).observe(Value{Type: ColumnField, Float: v})
	}
}

func (b *SummaryBuilder) column(name string, typ ColumnType) *ColumnSummary {
	c, ok := b.columns[name]
	if !ok {
		c = &ColumnSummary{Name: name, Type: typ}
		b.columns[name] = c
	}
	return c
}

// Columns returns the statistics sorted by column name.
func (b *SummaryBuilder) Columns() []ColumnSummary {
	out := make([]ColumnSummary, 0, len(b.columns))
	for _, c := range b.columns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindColumn looks a column up by name and type in a sorted summary slice.
func FindColumn(columns []ColumnSummary, name string, typ ColumnType) (ColumnSummary, bool) {
	i := sort.Search(len(columns), func(i int) bool { return columns[i].Name >= name })
	if i < len(columns) && columns[i].Name == name && columns[i].Type == typ {
		return columns[i], true
	}
	return ColumnSummary{}, false
}
