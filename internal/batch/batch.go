// Package batch implements Task-Local Batching of spec.md §4.9: three
// per-task buffers (non-fetching AMO, GET, PUT) that coalesce unordered
// RMA/AMO requests into a single vectorised submission, grounded on the
// teacher's microbatch package's coalescing shape but adapted to a
// synchronous, task-driven flush instead of a background timer — the
// spec's flush points are explicit task-fence calls, not elapsed time.
package batch

import (
	"context"

	"github.com/fabriccomm/corert/internal/ordering"
	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/internal/tci"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/task"
)

// MaxChained bounds the number of pending operations per buffer
// (spec.md §4.9: "up to MAX_CHAINED = 64 pending operations").
const MaxChained = 64

// MaxUnorderedTransSize bounds a PUT buffer's total inline staging area
// (spec.md §4.9: "an inline data area of size ≤ MAX_UNORDERED_TRANS_SZ = 1024").
const MaxUnorderedTransSize = 1024

// Kind discriminates the three buffer types, and indexes
// task.Private.Batches.
type Kind int

const (
	KindAMO Kind = iota
	KindGet
	KindPut
)

// Direct is the "issue directly" fallback package rma/amo already
// implement, used whenever a buffered candidate is oversized or its
// remote key cannot be resolved (spec.md §4.9 routing rule (a)/(b)).
type Direct interface {
	DirectPut(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error
	DirectGet(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error
	DirectAMO(ctx context.Context, priv *task.Private, req fabric.AtomicRequest, node int, raddr uint64) error
}

type amoOp struct {
	node   int
	key    fabric.RemoteKey
	offset uint64
	req    fabric.AtomicRequest
}

type getOp struct {
	node   int
	key    fabric.RemoteKey
	offset uint64
	local  []byte
}

type putOp struct {
	node   int
	key    fabric.RemoteKey
	offset uint64
	data   []byte // slice of buffer.inline
}

// buffer is one task-local batch buffer. Only the fields relevant to its
// Kind are ever populated; a task never mixes kinds in one buffer since
// Engine keys task.Private.Batches by Kind.
type buffer struct {
	kind Kind

	amo []amoOp
	get []getOp
	put []putOp

	inline     [MaxUnorderedTransSize]byte
	inlineUsed int

	nodes map[int]bool // nodes touched by buffered PUTs, for flush_all
}

func newBuffer(kind Kind) *buffer {
	return &buffer{kind: kind, nodes: make(map[int]bool)}
}

func bufferFor(priv *task.Private, kind Kind) *buffer {
	if b, ok := priv.Batches[kind].(*buffer); ok {
		return b
	}
	b := newBuffer(kind)
	priv.Batches[kind] = b
	return b
}

func (b *buffer) len() int {
	switch b.kind {
	case KindAMO:
		return len(b.amo)
	case KindGet:
		return len(b.get)
	default:
		return len(b.put)
	}
}

// Engine implements task_local_buff_flush/task_local_buff_end against
// one node's TCI table, memory registration table, and ordering layer.
type Engine struct {
	table      *registry.Table
	tciTab     *tci.Table
	ord        *ordering.Layer
	resolve    ordering.AddressResolver
	tasking    task.Tasking
	fixedBound bool
	direct     Direct
}

// NewEngine constructs an Engine. direct is the rma/amo direct-issue
// path, wired after those engines exist (mirroring rma/amo's own
// SetFallback two-phase construction).
func NewEngine(table *registry.Table, tciTab *tci.Table, ord *ordering.Layer, resolve ordering.AddressResolver, tasking task.Tasking, fixedBindingEnabled bool, direct Direct) *Engine {
	return &Engine{
		table: table, tciTab: tciTab, ord: ord,
		resolve: resolve, tasking: tasking, fixedBound: fixedBindingEnabled,
		direct: direct,
	}
}

// PutUnordered implements spec.md §4.9's routed-PUT entry point:
// buffered if raddr resolves and the payload fits the inline staging
// area, otherwise issued directly.
func (e *Engine) PutUnordered(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	b := bufferFor(priv, KindPut)
	key, offset, ok := e.table.GetRemoteKey(node, raddr, uint64(len(local)))
	if !ok || len(local) > MaxUnorderedTransSize || b.inlineUsed+len(local) > MaxUnorderedTransSize || b.len() >= MaxChained {
		if err := e.direct.DirectPut(ctx, priv, local, node, raddr); err != nil {
			return err
		}
		return nil
	}
	dst := b.inline[b.inlineUsed : b.inlineUsed+len(local)]
	copy(dst, local)
	b.put = append(b.put, putOp{node: node, key: key, offset: offset, data: dst})
	b.inlineUsed += len(local)
	b.nodes[node] = true
	if b.len() >= MaxChained {
		return e.Flush(ctx, priv, KindPut)
	}
	return nil
}

// GetUnordered implements the routed-GET entry point. local is retained
// by reference: the provider writes the result directly into it when
// the batch is flushed, so callers must not read local before the
// buffer's next flush point.
func (e *Engine) GetUnordered(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	b := bufferFor(priv, KindGet)
	key, offset, ok := e.table.GetRemoteKey(node, raddr, uint64(len(local)))
	if !ok || b.len() >= MaxChained {
		return e.direct.DirectGet(ctx, priv, local, node, raddr)
	}
	b.get = append(b.get, getOp{node: node, key: key, offset: offset, local: local})
	if b.len() >= MaxChained {
		return e.Flush(ctx, priv, KindGet)
	}
	return nil
}

// AMOUnordered implements the routed non-fetching-AMO entry point
// (spec.md §4.9: "non-fetching AMO" is the only AMO buffer type).
func (e *Engine) AMOUnordered(ctx context.Context, priv *task.Private, req fabric.AtomicRequest, node int, raddr uint64) error {
	if req.Fetch {
		return rterr.New(rterr.BadState, "batch: fetching AMOs cannot be buffered")
	}
	b := bufferFor(priv, KindAMO)
	key, offset, ok := e.table.GetRemoteKey(node, raddr, uint64(req.Datatype.Size()))
	if !ok || b.len() >= MaxChained {
		return e.direct.DirectAMO(ctx, priv, req, node, raddr)
	}
	b.amo = append(b.amo, amoOp{node: node, key: key, offset: offset, req: req})
	if b.len() >= MaxChained {
		return e.Flush(ctx, priv, KindAMO)
	}
	return nil
}

// Flush implements task_local_buff_flush(kind): issues every pending
// operation in the kind's buffer as one vectorised submission on a
// single acquired TCI, chaining all but the last with OpOptions.More,
// then draining. A PUT flush additionally records every touched node in
// priv's ordering bitmap and runs flush_all to restore the MCM
// invariant (spec.md §4.9).
func (e *Engine) Flush(ctx context.Context, priv *task.Private, kind Kind) error {
	b := bufferFor(priv, kind)
	if b.len() == 0 {
		return nil
	}

	entry, err := e.tciTab.Alloc(priv, e.tasking.IsFixedThread(ctx), e.fixedBound, false)
	if err != nil {
		return err
	}
	defer e.tciTab.Free(entry)

	n := b.len()
	switch kind {
	case KindAMO:
		for i, op := range b.amo {
			more := i < len(b.amo)-1
			if _, err := entry.TxCtx.Atomic(ctx, e.resolve(op.node), op.key, op.offset, op.req, nil, fabric.OpOptions{More: more}); err != nil {
				return rterr.Wrap(rterr.BadState, "batch: AMO flush submission failed", err)
			}
			entry.RecordSubmit()
		}
		b.amo = nil

	case KindGet:
		for i, op := range b.get {
			more := i < len(b.get)-1
			if _, err := entry.TxCtx.Get(ctx, op.local, e.resolve(op.node), op.key, op.offset, fabric.OpOptions{More: more}); err != nil {
				return rterr.Wrap(rterr.BadState, "batch: GET flush submission failed", err)
			}
			entry.RecordSubmit()
		}
		b.get = nil

	case KindPut:
		for i, op := range b.put {
			more := i < len(b.put)-1
			if _, err := entry.TxCtx.Put(ctx, op.data, e.resolve(op.node), op.key, op.offset, fabric.OpOptions{More: more}); err != nil {
				return rterr.Wrap(rterr.BadState, "batch: PUT flush submission failed", err)
			}
			entry.RecordSubmit()
		}
		b.put = nil
		b.inlineUsed = 0
	}

	if err := entry.TxCtx.Drain(ctx); err != nil {
		return rterr.Wrap(rterr.BadState, "batch: flush drain failed", err)
	}
	for i := 0; i < n; i++ {
		entry.RecordComplete()
	}

	if kind == KindPut {
		for node := range b.nodes {
			e.ord.RecordInjectedPut(priv, node)
			delete(b.nodes, node)
		}
		if err := e.ord.FlushAll(ctx, priv, entry, e.resolve, e.tasking.Yield); err != nil {
			return rterr.Wrap(rterr.BadState, "batch: post-PUT-batch flush_all failed", err)
		}
	}
	return nil
}

// End implements task_local_buff_end(kind): flush, then free the buffer
// (spec.md §4.9 testable property 5: "at task end the per-task batch
// buffer for t is empty and freed").
func (e *Engine) End(ctx context.Context, priv *task.Private, kind Kind) error {
	if err := e.Flush(ctx, priv, kind); err != nil {
		return err
	}
	priv.Batches[kind] = nil
	return nil
}

// FlushAll flushes all three buffer kinds, for use at task-fence points
// that are not kind-specific.
func (e *Engine) FlushAll(ctx context.Context, priv *task.Private) error {
	for _, k := range [...]Kind{KindAMO, KindGet, KindPut} {
		if err := e.Flush(ctx, priv, k); err != nil {
			return err
		}
	}
	return nil
}

// EndAll ends all three buffer kinds, for use at task termination.
func (e *Engine) EndAll(ctx context.Context, priv *task.Private) error {
	for _, k := range [...]Kind{KindAMO, KindGet, KindPut} {
		if err := e.End(ctx, priv, k); err != nil {
			return err
		}
	}
	return nil
}
