package chunk

import (
	"fmt"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// Chunk is safe for concurrent use. Transitions on one chunk are serialized
// by its action slot; BeginAction must succeed before any transition that
// does I/O.
type Chunk struct {
	addr Addr

	mu         sync.Mutex
	storage    Storage
	action     Action
	dropped    bool
	rowCount   uint64
	firstWrite time.Time
	lastWrite  time.Time
	closedAt   time.Time
}

// New returns an empty open chunk.
func New(addr Addr) *Chunk {
	return &Chunk{addr: addr, storage: OpenMutable{Buffer: newMutableBuffer()}}
}

// NewPersisted seeds a chunk that exists only in object storage, as found
// when replaying the catalog after a restart.
func NewPersisted(addr Addr, f File) *Chunk {
	return &Chunk{
		addr:       addr,
		storage:    ObjectStoreOnly{File: f},
		rowCount:   f.Metadata.RowCount,
		firstWrite: f.Metadata.TimeOfFirstWrite(),
		lastWrite:  f.Metadata.TimeOfLastWrite(),
	}
}

// Addr returns the chunk address.
func (c *Chunk) Addr() Addr { return c.addr }

// Tier returns the current storage tier.
func (c *Chunk) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storage.Tier()
}

// EstimatedBytes returns the chunk's in-memory footprint.
func (c *Chunk) EstimatedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.storage.(type) {
	case OpenMutable:
		return st.Buffer.Size()
	case ClosedMutable:
		return st.Buffer.Size()
	case ReadBuffer:
		return st.Columns.Size()
	case ReadBufferAndObjectStore:
		return st.Columns.Size()
	default:
		return 0
	}
}

// Write appends rows to an open chunk and returns the estimated bytes added.
func (c *Chunk) Write(rows []tables.Row, now time.Time) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return 0, ErrDropped
	}
	open, ok := c.storage.(OpenMutable)
	if !ok {
		return 0, c.invalid("write")
	}
	if c.action != ActionNone {
		return 0, ErrActionInProgress
	}
	if len(rows) == 0 {
		return 0, nil
	}

	added := open.Buffer.append(rows)
	if c.firstWrite.IsZero() {
		c.firstWrite = now
	}
	c.lastWrite = now
	c.rowCount += uint64(len(rows))
	return added, nil
}

// Close freezes an open chunk.
func (c *Chunk) Close(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return ErrDropped
	}
	open, ok := c.storage.(OpenMutable)
	if !ok {
		return c.invalid("close")
	}
	if open.Buffer.Len() == 0 {
		return ErrEmptyChunk
	}
	c.storage = open.close()
	c.closedAt = now
	return nil
}

// Compact re-encodes a closed chunk into the read buffer.
func (c *Chunk) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return ErrDropped
	}
	closed, ok := c.storage.(ClosedMutable)
	if !ok {
		return c.invalid("compact")
	}
	c.storage = closed.compact()
	return nil
}

// SetPersisted records the committed file of a read-buffer chunk.
func (c *Chunk) SetPersisted(f File) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return ErrDropped
	}
	rb, ok := c.storage.(ReadBuffer)
	if !ok {
		return c.invalid("persist")
	}
	c.storage = rb.persisted(f)
	return nil
}

// UnloadReadBuffer releases the in-memory copy of a persisted chunk.
func (c *Chunk) UnloadReadBuffer() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return ErrDropped
	}
	both, ok := c.storage.(ReadBufferAndObjectStore)
	if !ok {
		return c.invalid("unload")
	}
	c.storage = both.unload()
	return nil
}

// BeginAction claims the chunk's action slot for a.
func (c *Chunk) BeginAction(a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return ErrDropped
	}
	if c.action != ActionNone {
		return fmt.Errorf("%w: %s running on %s", ErrActionInProgress, c.action, c.addr)
	}
	if !a.allowedFrom(c.storage.Tier()) {
		return fmt.Errorf("%w: cannot %s %s chunk %s", ErrInvalidTransition, a, c.storage.Tier(), c.addr)
	}
	c.action = a
	return nil
}

// FinishAction releases the action slot.
func (c *Chunk) FinishAction() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.action == ActionNone {
		return ErrNoActionInProgress
	}
	c.action = ActionNone
	return nil
}

// MarkDropped makes the chunk terminal. It is legal from any tier.
func (c *Chunk) MarkDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
	c.action = ActionNone
}

// Dropped reports whether MarkDropped was called.
func (c *Chunk) Dropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// File returns the persisted file of a chunk in an object-store tier.
func (c *Chunk) File() (File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s := c.storage.(type) {
	case ReadBufferAndObjectStore:
		return s.File, true
	case ObjectStoreOnly:
		return s.File, true
	default:
		return File{}, false
	}
}

// Rows returns a snapshot of a closed chunk's data for persistence.
func (c *Chunk) Rows() ([]tables.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return nil, ErrDropped
	}
	switch s := c.storage.(type) {
	case ClosedMutable:
		return s.Buffer.Rows(), nil
	case ReadBuffer:
		return s.Columns.Rows(), nil
	case ReadBufferAndObjectStore:
		return s.Columns.Rows(), nil
	default:
		return nil, c.invalid("read rows of")
	}
}

func (c *Chunk) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s %s chunk %s", ErrInvalidTransition, op, c.storage.Tier(), c.addr)
}

// Summary is a point-in-time description of a chunk.
type Summary struct {
	Addr   Addr
	Tier   Tier
	Action Action

	// EstimatedBytes is the in-memory footprint; zero once only the file remains.
	EstimatedBytes uint64
	// ObjectStoreBytes is the persisted file size, if any.
	ObjectStoreBytes int64

	RowCount         uint64
	TimeOfFirstWrite time.Time
	TimeOfLastWrite  time.Time
	// TimeClosed is zero while the chunk is open or when seeded from storage.
	TimeClosed time.Time

	Columns []tables.ColumnSummary
	Path    objectstore.Path
}

// Summary snapshots the chunk.
func (c *Chunk) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Addr:             c.addr,
		Tier:             c.storage.Tier(),
		Action:           c.action,
		RowCount:         c.rowCount,
		TimeOfFirstWrite: c.firstWrite,
		TimeOfLastWrite:  c.lastWrite,
		TimeClosed:       c.closedAt,
	}

	switch st := c.storage.(type) {
	case OpenMutable:
		s.EstimatedBytes = st.Buffer.Size()
		s.Columns = st.Buffer.Columns()
	case ClosedMutable:
		s.EstimatedBytes = st.Buffer.Size()
		s.Columns = st.Buffer.Columns()
	case ReadBuffer:
		s.EstimatedBytes = st.Columns.Size()
		s.Columns = st.Columns.Columns()
	case ReadBufferAndObjectStore:
		s.EstimatedBytes = st.Columns.Size()
		s.Columns = st.Columns.Columns()
		s.ObjectStoreBytes = st.File.Metadata.FileSize
		s.Path = st.File.Path
	case ObjectStoreOnly:
		s.Columns = st.File.Metadata.Columns
		s.ObjectStoreBytes = st.File.Metadata.FileSize
		s.Path = st.File.Path
	}
	return s
}
