// Package db ties the preserved catalog, in-memory chunks and the lifecycle
// engine together into one writable database.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/catalog"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/chunk"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/lifecycle"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/metrics"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// Config configures a database.
type Config struct {
	ServerID string
	Name     string

	Rules lifecycle.Rules
	// PartitionTemplate is "hour", "day" or "month".
	PartitionTemplate string

	// Catalog carries commit and replay tuning. ServerID and Database are
	// taken from the fields above.
	Catalog catalog.Options
	// OpenAttempts and OpenBackoff bound retries of transient open failures.
	OpenAttempts int
	OpenBackoff  time.Duration

	// LifecycleConcurrency bounds asynchronous lifecycle transitions.
	LifecycleConcurrency int
	// PersistConcurrency bounds PersistAll fan-out. Defaults to 4.
	PersistConcurrency int

	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.OpenAttempts < 1 {
		c.OpenAttempts = 3
	}
	if c.OpenBackoff <= 0 {
		c.OpenBackoff = 500 * time.Millisecond
	}
	if c.PersistConcurrency < 1 {
		c.PersistConcurrency = 4
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Catalog.ServerID = c.ServerID
	c.Catalog.Database = c.Name
	return c
}

// chunkKey identifies a chunk within its partition.
type chunkKey struct {
	table string
	id    uint32
}

type partition struct {
	key    string
	nextID uint32
	// open holds the chunk currently receiving writes, per table.
	open   map[string]*chunk.Chunk
	chunks map[chunkKey]*chunk.Chunk
}

func newPartition(key string) *partition {
	return &partition{
		key:    key,
		open:   make(map[string]*chunk.Chunk),
		chunks: make(map[chunkKey]*chunk.Chunk),
	}
}

// Db is one database. Lock order is writeMu, then mu, then a chunk's own lock.
type Db struct {
	cfg         Config
	store       objectstore.Store
	catalog     *catalog.PreservedCatalog
	partitioner tables.Partitioner
	engine      *lifecycle.Engine
	ops         *operations
	log         *slog.Logger
	labels      metrics.Labels

	rules  atomic.Pointer[lifecycle.Rules]
	closed atomic.Bool

	// writeMu serializes the capacity check with the writes it admits.
	writeMu sync.Mutex

	mu         sync.RWMutex
	partitions map[string]*partition
}

// Open replays the catalog and seeds an ObjectStoreOnly chunk for every live
// file, so a restarted database sees everything it persisted.
func Open(ctx context.Context, store objectstore.Store, cfg Config) (*Db, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	partitioner, err := tables.NewPartitioner(cfg.PartitionTemplate)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.OpenWithRetry(ctx, store, cfg.Catalog, cfg.OpenAttempts, cfg.OpenBackoff)
	if err != nil {
		return nil, fmt.Errorf("open catalog for %s: %w", cfg.Name, err)
	}

	d := &Db{
		cfg:         cfg,
		store:       store,
		catalog:     cat,
		partitioner: partitioner,
		ops:         newOperations(),
		log:         logging.Component("db").With("database", cfg.Name),
		labels:      metrics.Labels{Database: cfg.Name},
		partitions:  make(map[string]*partition),
	}
	rules := cfg.Rules
	d.rules.Store(&rules)

	if err := d.seed(); err != nil {
		cat.Close()
		return nil, err
	}

	d.engine = lifecycle.NewEngine(lifecycleTarget{d}, lifecycle.EngineConfig{
		Database:      cfg.Name,
		MaxConcurrent: cfg.LifecycleConcurrency,
		Now:           cfg.Now,
	})

	rev, ok := cat.Revision()
	d.log.Info("database opened",
		"revision", rev,
		"has_revision", ok,
		"live_files", cat.Len(),
		"partitions", len(d.partitions),
	)
	return d, nil
}

// seed creates chunks for the catalog's live files.
func (d *Db) seed() error {
	root := d.catalog.Root()
	for _, entry := range d.catalog.Files() {
		pk, table, id, err := parquetfile.ParseLocation(root, entry.Path)
		if errors.Is(err, parquetfile.ErrNotDataFile) {
			d.log.Warn("skipping live file outside the data layout", "path", entry.Path.String())
			continue
		}
		if err != nil {
			return err
		}

		md, err := parquetfile.DecodeMetadata(entry.Metadata)
		if err != nil {
			return fmt.Errorf("decode metadata of %s: %w", entry.Path, err)
		}

		p := d.partitions[pk]
		if p == nil {
			p = newPartition(pk)
			d.partitions[pk] = p
		}
		addr := chunk.Addr{PartitionKey: pk, TableName: table, ID: id}
		p.chunks[chunkKey{table, id}] = chunk.NewPersisted(addr, chunk.File{Path: entry.Path, Metadata: md})
		if id >= p.nextID {
			p.nextID = id + 1
		}
	}
	return nil
}

// Name returns the database name.
func (d *Db) Name() string { return d.cfg.Name }

// Catalog returns the preserved catalog.
func (d *Db) Catalog() *catalog.PreservedCatalog { return d.catalog }

// Engine returns the lifecycle engine.
func (d *Db) Engine() *lifecycle.Engine { return d.engine }

// RunLifecycle runs the lifecycle engine until ctx is cancelled.
func (d *Db) RunLifecycle(ctx context.Context) error {
	return d.engine.Run(ctx)
}

// GetRules returns the current lifecycle rules.
func (d *Db) GetRules() lifecycle.Rules {
	return *d.rules.Load()
}

// UpdateRules validates and installs new rules. They apply to the next
// write and the next scan.
func (d *Db) UpdateRules(r lifecycle.Rules) error {
	if err := r.Validate(); err != nil {
		return err
	}
	d.rules.Store(&r)
	d.log.Info("lifecycle rules updated",
		"buffer_size_soft", r.BufferSizeSoft,
		"buffer_size_hard", r.BufferSizeHard,
		"persist", r.Persist,
		"immutable", r.Immutable,
	)
	d.engine.Trigger()
	return nil
}

// ListPartitions returns every partition key in order.
func (d *Db) ListPartitions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.partitions))
	for k := range d.partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ListChunks returns a summary of every chunk ordered by address.
func (d *Db) ListChunks() []chunk.Summary {
	chunks := d.snapshot()
	out := make([]chunk.Summary, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Compare(out[j].Addr) < 0 })
	return out
}

// GetChunk returns one chunk's summary.
func (d *Db) GetChunk(partitionKey, table string, id uint32) (chunk.Summary, error) {
	c, err := d.lookup(chunk.Addr{PartitionKey: partitionKey, TableName: table, ID: id})
	if err != nil {
		return chunk.Summary{}, err
	}
	return c.Summary(), nil
}

// NewChunk rolls the partition's open chunk for table over so the next write
// starts a fresh one. The previous open chunk is closed if it holds data.
func (d *Db) NewChunk(ctx context.Context, partitionKey, table string) (chunk.Addr, error) {
	if d.closed.Load() {
		return chunk.Addr{}, ErrClosed
	}

	d.mu.Lock()
	p := d.partitions[partitionKey]
	if p == nil {
		p = newPartition(partitionKey)
		d.partitions[partitionKey] = p
	}
	prev := p.open[table]
	c := d.createChunkLocked(p, table)
	d.mu.Unlock()

	if prev != nil {
		err := d.closeChunk(ctx, prev.Addr())
		if err != nil && !errors.Is(err, chunk.ErrEmptyChunk) && !errors.Is(err, chunk.ErrInvalidTransition) {
			return c.Addr(), fmt.Errorf("close previous chunk %s: %w", prev.Addr(), err)
		}
	}
	return c.Addr(), nil
}

// createChunkLocked starts a new open chunk and makes it the write target.
// The caller holds d.mu.
func (d *Db) createChunkLocked(p *partition, table string) *chunk.Chunk {
	addr := chunk.Addr{PartitionKey: p.key, TableName: table, ID: p.nextID}
	p.nextID++
	c := chunk.New(addr)
	p.chunks[chunkKey{table, addr.ID}] = c
	p.open[table] = c
	return c
}

// lookup finds a chunk by address.
func (d *Db) lookup(addr chunk.Addr) (*chunk.Chunk, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if p := d.partitions[addr.PartitionKey]; p != nil {
		if c := p.chunks[chunkKey{addr.TableName, addr.ID}]; c != nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, addr)
}

// snapshot returns every chunk without holding the lock afterwards.
func (d *Db) snapshot() []*chunk.Chunk {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*chunk.Chunk
	for _, p := range d.partitions {
		for _, c := range p.chunks {
			out = append(out, c)
		}
	}
	return out
}

// remove forgets a dropped chunk.
func (d *Db) remove(addr chunk.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.partitions[addr.PartitionKey]
	if p == nil {
		return
	}
	key := chunkKey{addr.TableName, addr.ID}
	c := p.chunks[key]
	delete(p.chunks, key)
	if c != nil && p.open[addr.TableName] == c {
		delete(p.open, addr.TableName)
	}
}

// Close stops accepting work, waits for running transitions and operations,
// and releases the catalog.
func (d *Db) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.engine.Wait()
	d.ops.wait()
	d.catalog.Close()
	d.log.Info("database closed")
	return nil
}
