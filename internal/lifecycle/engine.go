package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/chunk"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/metrics"
)

// Target is the database the engine drives. Each transition method claims
// the chunk's action slot itself and returns chunk.ErrActionInProgress when
// it is taken.
type Target interface {
	Chunks() []chunk.Summary
	Rules() Rules

	CloseChunk(ctx context.Context, addr chunk.Addr) error
	CompactChunk(ctx context.Context, addr chunk.Addr) error
	PersistChunk(ctx context.Context, addr chunk.Addr) error
	UnloadChunk(ctx context.Context, addr chunk.Addr) error
	DropChunk(ctx context.Context, addr chunk.Addr) error
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Database string
	// MaxConcurrent bounds asynchronous transitions. Defaults to 4.
	MaxConcurrent int
	Now           func() time.Time
}

// Engine is the periodic lifecycle worker for one database.
type Engine struct {
	target Target
	cfg    EngineConfig
	log    *slog.Logger
	labels metrics.Labels

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight map[chunk.Addr]chunk.Action
}

// NewEngine creates an engine. Call Run to start scanning.
func NewEngine(target Target, cfg EngineConfig) *Engine {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		target:   target,
		cfg:      cfg,
		log:      logging.Component("lifecycle").With("database", cfg.Database),
		labels:   metrics.Labels{Database: cfg.Database},
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inFlight: make(map[chunk.Addr]chunk.Action),
	}
}

// Run scans until ctx is cancelled, then waits for in-flight transitions.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("lifecycle engine started", "max_concurrent", e.cfg.MaxConcurrent)
	defer e.log.Info("lifecycle engine stopped")

	for {
		e.Scan(ctx)

		timer := time.NewTimer(e.target.Rules().WorkerBackoff())
		select {
		case <-ctx.Done():
			timer.Stop()
			e.Wait()
			return nil
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Trigger requests a scan without waiting for the backoff interval.
func (e *Engine) Trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until every asynchronous transition has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Scan evaluates the rules once and starts the resulting transitions. Close
// runs inline; the rest run asynchronously on a context that outlives ctx so
// that cancellation never interrupts a transition. Cancellation stops the
// scan between chunks.
func (e *Engine) Scan(ctx context.Context) Plan {
	start := time.Now()
	m := metrics.Get()

	summaries := e.target.Chunks()
	plan := Evaluate(e.target.Rules(), e.cfg.Now(), e.skipInFlight(summaries))
	e.recordBuffers(summaries)

	if plan.OverHardLimit {
		e.log.Warn("buffered bytes over hard limit", "buffered_bytes", plan.BufferedBytes)
	}

	for _, d := range plan.Decisions {
		if ctx.Err() != nil {
			break
		}
		if d.Action == chunk.ActionClosing {
			e.execute(ctx, d)
			continue
		}

		acquired := false
		select {
		case e.sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if !acquired {
			break
		}
		if !e.claim(d) {
			<-e.sem
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			defer e.release(d.Addr)
			e.execute(context.WithoutCancel(ctx), d)
		}()
	}

	m.ObserveScanDuration(e.labels, time.Since(start).Seconds())
	return plan
}

// skipInFlight marks chunks with a running engine transition as busy so
// Evaluate leaves them alone even before the target claims their slot.
func (e *Engine) skipInFlight(summaries []chunk.Summary) []chunk.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inFlight) == 0 {
		return summaries
	}
	out := make([]chunk.Summary, len(summaries))
	for i, s := range summaries {
		if a, ok := e.inFlight[s.Addr]; ok && s.Action == chunk.ActionNone {
			s.Action = a
		}
		out[i] = s
	}
	return out
}

func (e *Engine) claim(d Decision) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[d.Addr]; ok {
		return false
	}
	e.inFlight[d.Addr] = d.Action
	metrics.Get().AddInFlight(e.labels, 1)
	return true
}

func (e *Engine) release(addr chunk.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, addr)
	metrics.Get().AddInFlight(e.labels, -1)
}

func (e *Engine) execute(ctx context.Context, d Decision) {
	log := logging.ChunkLogger(d.Addr.PartitionKey, d.Addr.TableName, d.Addr.ID).
		With("action", d.Action.String(), "reason", string(d.Reason))

	var err error
	switch d.Action {
	case chunk.ActionClosing:
		err = e.target.CloseChunk(ctx, d.Addr)
	case chunk.ActionCompacting:
		err = e.target.CompactChunk(ctx, d.Addr)
	case chunk.ActionPersisting:
		err = e.target.PersistChunk(ctx, d.Addr)
	case chunk.ActionUnloading:
		err = e.target.UnloadChunk(ctx, d.Addr)
	case chunk.ActionDropping:
		err = e.target.DropChunk(ctx, d.Addr)
	default:
		return
	}

	outcome := "ok"
	switch {
	case err == nil:
		log.Debug("lifecycle transition complete")
	case errors.Is(err, chunk.ErrActionInProgress), errors.Is(err, chunk.ErrDropped):
		outcome = "skipped"
		log.Debug("lifecycle transition skipped", "error", err)
	default:
		outcome = "error"
		log.Warn("lifecycle transition failed", "error", err)
	}
	metrics.Get().IncTransitions(metrics.Labels{
		Database: e.cfg.Database,
		Action:   d.Action.String(),
		Outcome:  outcome,
	})
}

func (e *Engine) recordBuffers(summaries []chunk.Summary) {
	m := metrics.Get()
	if m == nil {
		return
	}
	bytes := map[chunk.Tier]uint64{}
	counts := map[chunk.Tier]int{}
	for _, s := range summaries {
		bytes[s.Tier] += s.EstimatedBytes
		counts[s.Tier]++
	}
	for t := chunk.TierOpenMutable; t <= chunk.TierObjectStoreOnly; t++ {
		l := metrics.Labels{Database: e.cfg.Database, Tier: t.String()}
		m.SetBufferedBytes(l, float64(bytes[t]))
		m.SetChunks(l, float64(counts[t]))
	}
}
