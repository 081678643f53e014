package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/chunk"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
)

// maxFinishedOperations is how many completed operations Operations reports.
const maxFinishedOperations = 100

// Operation is a handle on an asynchronous management action.
type Operation struct {
	ID      uint64
	Kind    string
	Addr    chunk.Addr
	Started time.Time

	done chan struct{}

	mu       sync.Mutex
	finished time.Time
	err      error
}

// OperationStatus is a snapshot of an Operation.
type OperationStatus struct {
	ID       uint64
	Kind     string
	Addr     chunk.Addr
	Started  time.Time
	Finished time.Time
	Done     bool
	Error    string
}

// Done is closed when the operation finishes.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation finishes or ctx is done. It returns the
// operation's error, or ctx.Err() if ctx ended first.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status snapshots the operation.
func (o *Operation) Status() OperationStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := OperationStatus{
		ID:       o.ID,
		Kind:     o.Kind,
		Addr:     o.Addr,
		Started:  o.Started,
		Finished: o.finished,
	}
	select {
	case <-o.done:
		s.Done = true
	default:
	}
	if o.err != nil {
		s.Error = o.err.Error()
	}
	return s
}

func (o *Operation) finish(at time.Time, err error) {
	o.mu.Lock()
	o.finished = at
	o.err = err
	o.mu.Unlock()
	close(o.done)
}

// operations tracks running and recently finished operations.
type operations struct {
	mu     sync.Mutex
	nextID uint64
	list   []*Operation
	wg     sync.WaitGroup
}

func newOperations() *operations {
	return &operations{nextID: 1}
}

// start runs fn in the background on a context that is never cancelled.
func (r *operations) start(kind string, addr chunk.Addr, now func() time.Time, fn func(ctx context.Context) error) *Operation {
	r.mu.Lock()
	op := &Operation{
		ID:      r.nextID,
		Kind:    kind,
		Addr:    addr,
		Started: now(),
		done:    make(chan struct{}),
	}
	r.nextID++
	r.list = append(r.list, op)
	r.pruneLocked()
	r.mu.Unlock()

	log := logging.OperationLogger(op.ID, kind).With("chunk", addr.String())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := fn(context.Background())
		if err != nil {
			log.Warn("operation failed", "error", err)
		} else {
			log.Debug("operation complete")
		}
		op.finish(now(), err)
	}()
	return op
}

// pruneLocked keeps every running operation and the newest finished ones.
func (r *operations) pruneLocked() {
	finished := 0
	for i := len(r.list) - 1; i >= 0; i-- {
		select {
		case <-r.list[i].done:
			finished++
			if finished > maxFinishedOperations {
				r.list = append(r.list[:i], r.list[i+1:]...)
			}
		default:
		}
	}
}

func (r *operations) statuses() []OperationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OperationStatus, 0, len(r.list))
	for _, op := range r.list {
		out = append(out, op.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *operations) wait() {
	r.wg.Wait()
}
