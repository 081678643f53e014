package db

import (
	"context"
	"errors"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/chunk"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/metrics"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// Write appends rows to table. Rows are split by partition key and buffered
// in each partition's open chunk. The write is rejected before any mutation
// when the database is immutable or when it would take buffered bytes over
// buffer_size_hard.
func (d *Db) Write(ctx context.Context, table string, rows []tables.Row) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if len(rows) == 0 {
		return ErrNoRows
	}

	rules := d.GetRules()
	m := metrics.Get()
	reject := func(reason string, err error) error {
		m.IncWritesRejected(metrics.Labels{Database: d.cfg.Name, Reason: reason})
		return err
	}

	if rules.Immutable {
		return reject("immutable", ErrImmutable)
	}

	var incoming uint64
	for i, r := range rows {
		if err := r.Validate(); err != nil {
			return reject("invalid_row", &RowError{Index: i, Err: err})
		}
		incoming += r.EstimatedSize()
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if rules.BufferSizeHard > 0 {
		buffered := d.bufferedBytes()
		if buffered+incoming > rules.BufferSizeHard {
			logging.FromContext(ctx).Warn("write rejected over hard buffer limit",
				"database", d.cfg.Name,
				"table", table,
				"buffered_bytes", buffered,
				"incoming_bytes", incoming,
				"buffer_size_hard", rules.BufferSizeHard,
			)
			return reject("capacity", &CapacityExceededError{
				Buffered: buffered,
				Incoming: incoming,
				Limit:    rules.BufferSizeHard,
			})
		}
	}

	keys, groups := d.partitioner.Split(rows)
	trigger := false
	now := d.cfg.Now()
	for _, key := range keys {
		size, err := d.writePartition(key, table, groups[key], now)
		if err != nil {
			return err
		}
		if rules.MutableSizeThreshold > 0 && size > rules.MutableSizeThreshold {
			trigger = true
		}
	}

	m.AddRowsWritten(metrics.Labels{Database: d.cfg.Name, Table: table}, float64(len(rows)))
	if trigger {
		d.engine.Trigger()
	}
	return nil
}

// writePartition appends to the partition's open chunk, starting a new one
// when the current chunk has been closed or is busy. It returns the open
// chunk's size after the write.
func (d *Db) writePartition(key, table string, rows []tables.Row, now time.Time) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.partitions[key]
	if p == nil {
		p = newPartition(key)
		d.partitions[key] = p
	}

	c := p.open[table]
	if c == nil {
		c = d.createChunkLocked(p, table)
	}

	_, err := c.Write(rows, now)
	if errors.Is(err, chunk.ErrInvalidTransition) || errors.Is(err, chunk.ErrActionInProgress) || errors.Is(err, chunk.ErrDropped) {
		c = d.createChunkLocked(p, table)
		_, err = c.Write(rows, now)
	}
	if err != nil {
		return 0, err
	}
	return c.EstimatedBytes(), nil
}

// bufferedBytes sums the in-memory footprint of every chunk.
func (d *Db) bufferedBytes() uint64 {
	var total uint64
	for _, c := range d.snapshot() {
		total += c.EstimatedBytes()
	}
	return total
}
