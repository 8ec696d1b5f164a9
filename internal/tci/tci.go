// Package tci implements the TX Context Scheduler of spec.md §4.4: a
// table of transmit-context entries, partitioned into W worker slots and
// H=1 handler slots, allocated to tasks under the rules that keep a
// provider's message-order guarantees meaningful (binding).
package tci

import (
	"sync"
	"sync/atomic"

	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/task"
)

// Entry is one transmit-context table slot (spec.md §3 TCI).
type Entry struct {
	TxCtx fabric.TxContext

	index int

	allocated atomic.Bool
	bound     atomic.Bool

	txnsOut  atomic.Int64
	txnsSent atomic.Int64
}

// Bound reports whether this entry is permanently bound to one caller.
func (e *Entry) Bound() bool { return e.bound.Load() }

// Index is this entry's position in the table.
func (e *Entry) Index() int { return e.index }

// Table is the full TCI table: entries [0,W) are worker contexts,
// entries [W,W+H) — H=1 here — are reserved for the AM handler.
type Table struct {
	entries []*Entry
	numWork int
}

// NewTable wraps txCtxs (as produced by package epfabric) into a Table
// with numWorker worker slots; len(txCtxs)-numWorker must equal the
// number of AM handlers (1).
func NewTable(txCtxs []fabric.TxContext, numWorker int) *Table {
	entries := make([]*Entry, len(txCtxs))
	for i, tx := range txCtxs {
		entries[i] = &Entry{TxCtx: tx, index: i}
	}
	return &Table{entries: entries, numWork: numWorker}
}

// cache is the per-task "last TCI used" record stashed in
// task.Private.TCICache.
type cache struct {
	mu      sync.Mutex
	lastIdx int
	last    *Entry
}

func cacheFor(priv *task.Private) *cache {
	if c, ok := priv.TCICache.(*cache); ok {
		return c
	}
	c := &cache{lastIdx: -1}
	priv.TCICache = c
	return c
}

// Alloc implements tci_alloc(): prefer the calling task's thread-local
// (here: per-task) cached entry if it is bound or freely reacquirable;
// otherwise scan the worker slice starting after the last index this
// task used. fixedThread/fixedBindingEnabled/isHandler control whether
// a freshly acquired entry gets bound.
func (t *Table) Alloc(priv *task.Private, fixedThread, fixedBindingEnabled, isHandler bool) (*Entry, error) {
	c := cacheFor(priv)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil {
		if c.last.bound.Load() {
			return c.last, nil
		}
		if c.last.allocated.CompareAndSwap(false, true) {
			return c.last, nil
		}
	}

	start := c.lastIdx + 1
	for i := 0; i < t.numWork; i++ {
		idx := (start + i) % t.numWork
		e := t.entries[idx]
		if e.bound.Load() {
			continue
		}
		if e.allocated.CompareAndSwap(false, true) {
			if (fixedThread && fixedBindingEnabled) || isHandler {
				e.bound.Store(true)
			}
			c.last, c.lastIdx = e, idx
			return e, nil
		}
	}

	if t.allWorkersBound() {
		return nil, rterr.New(rterr.BadState, "tci: every worker transmit context is permanently bound; no slot can ever free up")
	}
	return nil, rterr.New(rterr.Transient, "tci: no free transmit context available right now")
}

func (t *Table) allWorkersBound() bool {
	for _, e := range t.entries[:t.numWork] {
		if !e.bound.Load() {
			return false
		}
	}
	return true
}

// AllocForHandler always returns and binds the single reserved handler
// slot, tciTab[W] (tci_alloc_for_handler()).
func (t *Table) AllocForHandler() *Entry {
	e := t.entries[t.numWork]
	e.allocated.Store(true)
	e.bound.Store(true)
	return e
}

// Free clears e's allocated flag iff it is not bound (tci_free()).
func (t *Table) Free(e *Entry) {
	if !e.bound.Load() {
		e.allocated.Store(false)
	}
}

// RecordSubmit increments the outstanding/sent transaction counters used
// for diagnostics (internal/rtstats).
func (e *Entry) RecordSubmit() {
	e.txnsOut.Add(1)
	e.txnsSent.Add(1)
}

// Outstanding returns the entry's live transaction count.
func (e *Entry) Outstanding() int64 { return e.txnsOut.Load() }

// RecordComplete decrements the outstanding counter.
func (e *Entry) RecordComplete() { e.txnsOut.Add(-1) }
