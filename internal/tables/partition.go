package tables

import (
	"fmt"
	"time"
)

// Partition key layouts by template name.
var partitionLayouts = map[string]string{
	"hour":  "2006-01-02T15",
	"day":   "2006-01-02",
	"month": "2006-01",
}

// Partitioner derives a partition key from each row's timestamp.
type Partitioner struct {
	layout string
}

// NewPartitioner accepts "hour", "day" or "month". Empty means hour.
func NewPartitioner(template string) (Partitioner, error) {
	if template == "" {
		template = "hour"
	}
	layout, ok := partitionLayouts[template]
	if !ok {
		return Partitioner{}, fmt.Errorf("unknown partition template %q", template)
	}
	return Partitioner{layout: layout}, nil
}

// Key returns the partition key for r. Keys are valid object path segments.
func (p Partitioner) Key(r Row) string {
	return r.Time.UTC().Format(p.layout)
}

// Split groups rows by partition key, preserving arrival order within each group.
func (p Partitioner) Split(rows []Row) (keys []string, groups map[string][]Row) {
	groups = make(map[string][]Row)
	for _, r := range rows {
		k := p.Key(r)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	return keys, groups
}

// TimeRange returns the earliest and latest row timestamps.
func TimeRange(rows []Row) (earliest, latest time.Time) {
	for i, r := range rows {
		if i == 0 || r.Time.Before(earliest) {
			earliest = r.Time
		}
		if i == 0 || r.Time.After(latest) {
			latest = r.Time
		}
	}
	return earliest, latest
}
