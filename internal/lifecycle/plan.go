package lifecycle

import (
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/chunk"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// Reason explains why a decision was made.
type Reason string

const (
	ReasonSizeThreshold Reason = "size_threshold"
	ReasonLinger        Reason = "linger"
	ReasonCompact       Reason = "compact"
	ReasonPersist       Reason = "persist"
	ReasonUnload        Reason = "unload"
	ReasonBufferSoft    Reason = "buffer_soft_limit"
)

// Decision is one transition the engine should run.
type Decision struct {
	Addr   chunk.Addr
	Action chunk.Action
	Reason Reason
}

// Plan is the outcome of evaluating the rules once.
type Plan struct {
	Decisions []Decision

	// BufferedBytes is the in-memory total across mutable and read-buffer tiers.
	BufferedBytes uint64
	OverSoftLimit bool
	// OverHardLimit is informational; writes are rejected by the write path.
	OverHardLimit bool
}

// Decision returns the planned decision for addr.
func (p Plan) Decision(addr chunk.Addr) (Decision, bool) {
	for _, d := range p.Decisions {
		if d.Addr == addr {
			return d, true
		}
	}
	return Decision{}, false
}

// Evaluate applies rules to a snapshot of chunk summaries. It is pure: the
// same inputs always give the same plan. Chunks with an action in flight are
// skipped and at most one decision is made per chunk.
func Evaluate(rules Rules, now time.Time, chunks []chunk.Summary) Plan {
	sorted := make([]chunk.Summary, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr.Compare(sorted[j].Addr) < 0 })

	var plan Plan
	for _, c := range sorted {
		if c.Tier.Buffered() {
			plan.BufferedBytes += c.EstimatedBytes
		}
	}

	decided := make(map[chunk.Addr]int)
	add := func(d Decision) {
		decided[d.Addr] = len(plan.Decisions)
		plan.Decisions = append(plan.Decisions, d)
	}

	// released counts bytes the planned transitions free once they finish.
	var released uint64
	for _, c := range sorted {
		if c.Action != chunk.ActionNone {
			continue
		}
		switch c.Tier {
		case chunk.TierOpenMutable:
			if reason, ok := shouldClose(rules, now, c); ok {
				add(Decision{Addr: c.Addr, Action: chunk.ActionClosing, Reason: reason})
			}
		case chunk.TierClosedMutable:
			add(Decision{Addr: c.Addr, Action: chunk.ActionCompacting, Reason: ReasonCompact})
		case chunk.TierReadBuffer:
			if rules.Persist {
				add(Decision{Addr: c.Addr, Action: chunk.ActionPersisting, Reason: ReasonPersist})
				released += c.EstimatedBytes
			}
		case chunk.TierReadBufferAndObjectStore:
			add(Decision{Addr: c.Addr, Action: chunk.ActionUnloading, Reason: ReasonUnload})
			released += c.EstimatedBytes
		}
	}

	plan.OverHardLimit = rules.BufferSizeHard > 0 && plan.BufferedBytes > rules.BufferSizeHard
	if rules.BufferSizeSoft == 0 || plan.BufferedBytes <= rules.BufferSizeSoft {
		return plan
	}
	plan.OverSoftLimit = true

	projected := plan.BufferedBytes - min(released, plan.BufferedBytes)
	if !rules.DropNonPersisted || projected <= rules.BufferSizeSoft {
		return plan
	}

	candidates := Candidates(rules.SortOrder, sorted)
	for _, c := range candidates {
		if projected <= rules.BufferSizeSoft {
			break
		}
		if c.Action != chunk.ActionNone {
			continue
		}
		if c.Tier != chunk.TierClosedMutable && c.Tier != chunk.TierReadBuffer {
			continue
		}
		if i, ok := decided[c.Addr]; ok {
			if plan.Decisions[i].Action == chunk.ActionPersisting {
				continue
			}
			plan.Decisions[i] = Decision{Addr: c.Addr, Action: chunk.ActionDropping, Reason: ReasonBufferSoft}
		} else {
			add(Decision{Addr: c.Addr, Action: chunk.ActionDropping, Reason: ReasonBufferSoft})
		}
		projected -= min(c.EstimatedBytes, projected)
	}
	return plan
}

func shouldClose(rules Rules, now time.Time, c chunk.Summary) (Reason, bool) {
	if rules.MutableSizeThreshold > 0 && c.EstimatedBytes > rules.MutableSizeThreshold {
		return ReasonSizeThreshold, true
	}
	if c.RowCount == 0 || c.TimeOfLastWrite.IsZero() {
		return "", false
	}
	linger, ok := rules.MutableLinger()
	if !ok || now.Sub(c.TimeOfLastWrite) < linger {
		return "", false
	}
	if minAge, ok := rules.MutableMinimumAge(); ok && now.Sub(c.TimeOfFirstWrite) < minAge {
		return "", false
	}
	return ReasonLinger, true
}

// Candidates returns chunks in eviction order: the configured key in the
// configured direction, then time of first write, then address.
func Candidates(order SortOrder, chunks []chunk.Summary) []chunk.Summary {
	out := make([]chunk.Summary, len(chunks))
	copy(out, chunks)

	desc := false
	if o, err := parseOrder(order.Order); err == nil {
		desc = o == OrderDescending
	}
	key := sortKey(order.Sort)

	sort.SliceStable(out, func(i, j int) bool {
		if c := key(out[i], out[j], desc); c != 0 {
			return c < 0
		}
		if c := out[i].TimeOfFirstWrite.Compare(out[j].TimeOfFirstWrite); c != 0 {
			return c < 0
		}
		return out[i].Addr.Compare(out[j].Addr) < 0
	})
	return out
}

type compareFunc func(a, b chunk.Summary, desc bool) int

func directed(c int, desc bool) int {
	if desc {
		return -c
	}
	return c
}

func sortKey(s Sort) compareFunc {
	switch s.Kind {
	case SortLastWriteTime:
		return func(a, b chunk.Summary, desc bool) int {
			return directed(a.TimeOfLastWrite.Compare(b.TimeOfLastWrite), desc)
		}
	case SortColumn:
		typ, err := s.columnType()
		if err != nil {
			typ = tables.ColumnField
		}
		agg, err := s.aggregate()
		if err != nil {
			agg = tables.AggregateMin
		}
		return func(a, b chunk.Summary, desc bool) int {
			ca, okA := tables.FindColumn(a.Columns, s.Column, typ)
			cb, okB := tables.FindColumn(b.Columns, s.Column, typ)
			// Chunks without the column come first in either direction.
			switch {
			case !okA && !okB:
				return 0
			case !okA:
				return -1
			case !okB:
				return 1
			}
			return directed(ca.Aggregate(agg).Compare(cb.Aggregate(agg)), desc)
		}
	default:
		return func(a, b chunk.Summary, desc bool) int {
			return directed(a.TimeOfFirstWrite.Compare(b.TimeOfFirstWrite), desc)
		}
	}
}
