// Package corert is the top-level wiring for the communication runtime
// of spec.md: the equivalent of chpl_comm_init. Init selects a fabric
// provider, registers memory, builds the endpoint/context fabric, and
// wires the ordering, RMA, AMO, active-message, batching and barrier
// layers into one Runtime handle; every exported method on Runtime is a
// thin, task-private-aware entry point over those layers.
package corert

import (
	"context"
	"fmt"
	"sync"

	"github.com/fabriccomm/corert/internal/am"
	"github.com/fabriccomm/corert/internal/amo"
	"github.com/fabriccomm/corert/internal/barrier"
	"github.com/fabriccomm/corert/internal/batch"
	"github.com/fabriccomm/corert/internal/epfabric"
	"github.com/fabriccomm/corert/internal/ordering"
	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/rma"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/internal/rtconfig"
	"github.com/fabriccomm/corert/internal/rtlog"
	"github.com/fabriccomm/corert/internal/rtstats"
	"github.com/fabriccomm/corert/internal/selector"
	"github.com/fabriccomm/corert/internal/tci"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/oob"
	"github.com/fabriccomm/corert/pkg/task"
)

// ghostBase is the fixed offset, identical on every node, reserved for
// package ordering's ghost word (spec.md §3). barHeapReserve follows it,
// holding package barrier's bar_info block.
const ghostBase = 0
const barHeapReserve = 4 + barrier.FanOut + 1

// heapMemory is the runtime's own registered application heap: a single
// Go byte slice, addressed from 0, backing both the reserved ordering
// and barrier regions above and every ordinary PUT/GET/AMO target an
// application registers beyond heapReserve (spec.md §1's "registered
// heap" host collaborator, here made concrete rather than external,
// per spec.md §3 SUPPLEMENTED FEATURES: a worked default implementation
// keeps the whole stack runnable standalone).
type heapMemory struct {
	mu  sync.Mutex
	buf []byte
}

func newHeapMemory(size uint64) *heapMemory {
	return &heapMemory{buf: make([]byte, size)}
}

func (h *heapMemory) Access(raddr, size uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if raddr+size > uint64(len(h.buf)) {
		return nil, fmt.Errorf("corert: heap access [%d,%d) out of range (heap size %d)", raddr, raddr+size, len(h.buf))
	}
	return h.buf[raddr : raddr+size], nil
}

// HeapReserve is the number of bytes at the bottom of every node's heap
// reserved by the runtime itself (the ordering ghost word and the
// barrier bar_info block). Applications registering their own heap
// layout must place their own allocations at or above this offset.
const HeapReserve = barHeapReserve

// directAdapter implements batch.Direct over the already-constructed
// rma/amo engines, resolving the signature gap between batch's
// node-addressed Direct calls and amo.Engine.DoAMO's extra LocalMemory
// parameter (amo only touches it on the node==self fast path).
type directAdapter struct {
	rmaEng *rma.Engine
	amoEng *amo.Engine
	local  amo.LocalMemory
}

func (d *directAdapter) DirectPut(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	return d.rmaEng.Put(ctx, priv, local, node, raddr)
}

func (d *directAdapter) DirectGet(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	return d.rmaEng.Get(ctx, priv, local, node, raddr)
}

func (d *directAdapter) DirectAMO(ctx context.Context, priv *task.Private, req fabric.AtomicRequest, node int, raddr uint64) error {
	return d.amoEng.DoAMO(ctx, priv, d.local, req, node, raddr, nil)
}

// Runtime is one node's fully wired communication layer.
type Runtime struct {
	self, n int
	cfg     rtconfig.Config
	log     *rtlog.Logger
	stats   rtstats.Counters

	provider fabric.Provider
	fab      *epfabric.Fabric
	table    *registry.Table
	ord      *ordering.Layer
	tciTab   *tci.Table

	rmaEng   *rma.Engine
	amoEng   *amo.Engine
	handler  *am.Handler
	batchEng *batch.Engine
	tree     *barrier.Tree
	coord    *barrier.Coordinator

	heap    *heapMemory
	tasking task.Tasking
	oobCh   oob.Channel

	handlerCancel context.CancelFunc
}

// Init performs the full startup sequence of spec.md: provider
// selection, memory registration, endpoint/context fabric
// construction, ordering/RMA/AMO/AM/batch/barrier wiring, then starts
// the AM handler loop. heapSize is the total size of this node's
// registered application heap, including HeapReserve bytes of runtime
// overhead (spec.md §4.10's bar_info block and §4.5's ghost word).
func Init(ctx context.Context, universe fabric.Universe, oobCh oob.Channel, heapSize uint64, tasking task.Tasking, log *rtlog.Logger) (*Runtime, error) {
	if log == nil {
		log = rtlog.Discard()
	}
	if heapSize <= HeapReserve {
		return nil, rterr.New(rterr.BadState, fmt.Sprintf("corert: heapSize must exceed the runtime-reserved %d bytes", HeapReserve))
	}

	if err := oobCh.Init(ctx); err != nil {
		return nil, rterr.Wrap(rterr.BadState, "corert: out-of-band channel init failed", err)
	}

	cfg, err := rtconfig.Load()
	if err != nil {
		return nil, err
	}

	sel, err := selector.Select(universe, cfg)
	if err != nil {
		return nil, err
	}

	self, n := oobCh.Rank(), oobCh.Size()

	sizing := epfabric.Sizing{
		ProviderMax:     sel.Provider.Info().MaxTxCtx,
		UserConcurrency: cfg.Concurrency,
		MaxParallelism:  tasking.MaxParallelism(),
		FixedThreads:    tasking.FixedNumThreads(),
	}
	fab, err := epfabric.Build(ctx, sel.Provider, oobCh, sizing)
	if err != nil {
		return nil, err
	}

	table := registry.NewTable(self, n, log)
	if err := table.Register(ctx, sel.Provider, oobCh, &registry.Heap{Base: 0, Size: heapSize}); err != nil {
		return nil, err
	}

	ord := ordering.New(sel.HaveDeliveryComplete, table, ghostBase)
	tciTab := tci.NewTable(fab.TxCtxs, fab.NumWorkerCtxs)
	resolveRMA := func(node int) fabric.AVAddr { return fab.RxRMAAddr(node) }

	rmaEng := rma.NewEngine(self, sel.Provider.Info().MaxMsgSize, sel.Provider.Info().InjectSize, table, ord, tciTab, resolveRMA, tasking, fab.FixedBindingEnabled)
	amoEng := amo.NewEngine(self, sel.Provider, table, ord, tciTab, resolveRMA, tasking, fab.FixedBindingEnabled)

	heap := newHeapMemory(heapSize)
	handler := am.NewHandler(self, n, fab, table, tciTab, ord, rmaEng, amoEng, heap, tasking, heapSize, log)

	direct := &directAdapter{rmaEng: rmaEng, amoEng: amoEng, local: heap}
	batchEng := batch.NewEngine(table, tciTab, ord, resolveRMA, tasking, fab.FixedBindingEnabled, direct)

	tree, err := barrier.NewTree(ctx, self, n, ghostBase+4, rmaEng, oobCh, tasking)
	if err != nil {
		return nil, err
	}
	coord := barrier.NewCoordinator(self, handler, oobCh)

	handlerCtx, cancel := context.WithCancel(context.Background())
	go handler.Run(handlerCtx)

	r := &Runtime{
		self: self, n: n, cfg: cfg, log: log,
		provider: sel.Provider, fab: fab, table: table, ord: ord, tciTab: tciTab,
		rmaEng: rmaEng, amoEng: amoEng, handler: handler, batchEng: batchEng,
		tree: tree, coord: coord,
		heap: heap, tasking: tasking, oobCh: oobCh,
		handlerCancel: cancel,
	}
	return r, nil
}

// Rank returns this node's id.
func (r *Runtime) Rank() int { return r.self }

// Size returns the job size.
func (r *Runtime) Size() int { return r.n }

// Stats returns a point-in-time snapshot of this node's counters
// (spec.md §3 SUPPLEMENTED FEATURES).
func (r *Runtime) Stats() rtstats.Snapshot { return r.stats.Snapshot() }

// Put issues an ordered, directly-dispatched RMA PUT (spec.md §4.6).
func (r *Runtime) Put(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	r.stats.RecordPutIssued()
	err := r.rmaEng.Put(ctx, priv, local, node, raddr)
	if err == nil {
		r.stats.RecordPutCompleted()
	}
	return err
}

// Get issues a directly-dispatched RMA GET (spec.md §4.6).
func (r *Runtime) Get(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	r.stats.RecordGetIssued()
	return r.rmaEng.Get(ctx, priv, local, node, raddr)
}

// AMO issues a directly-dispatched remote atomic memory operation
// (spec.md §4.7).
func (r *Runtime) AMO(ctx context.Context, priv *task.Private, req fabric.AtomicRequest, node int, raddr uint64, result []byte) error {
	err := r.amoEng.DoAMO(ctx, priv, r.heap, req, node, raddr, result)
	if err == nil {
		r.stats.RecordAMONative()
	} else {
		r.stats.RecordAMOFallback()
	}
	return err
}

// PutUnordered buffers an unordered PUT for later task_local_buff_flush
// (spec.md §4.9).
func (r *Runtime) PutUnordered(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	return r.batchEng.PutUnordered(ctx, priv, local, node, raddr)
}

// GetUnordered buffers an unordered GET for later flush (spec.md §4.9).
func (r *Runtime) GetUnordered(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	return r.batchEng.GetUnordered(ctx, priv, local, node, raddr)
}

// AMOUnordered buffers a non-fetching AMO for later flush (spec.md §4.9).
func (r *Runtime) AMOUnordered(ctx context.Context, priv *task.Private, req fabric.AtomicRequest, node int, raddr uint64) error {
	return r.batchEng.AMOUnordered(ctx, priv, req, node, raddr)
}

// FlushTaskBuffers flushes all three task-local batch buffers without
// freeing them (spec.md §4.9's task_local_buff_flush at every kind).
func (r *Runtime) FlushTaskBuffers(ctx context.Context, priv *task.Private) error {
	return r.batchEng.FlushAll(ctx, priv)
}

// EndTaskBuffers flushes and frees all three task-local batch buffers,
// for use at task termination (spec.md §4.9's task_local_buff_end).
func (r *Runtime) EndTaskBuffers(ctx context.Context, priv *task.Private) error {
	return r.batchEng.EndAll(ctx, priv)
}

// ExecOn runs fid on node with arg, blocking for completion iff
// blocking is true (spec.md §4.8).
func (r *Runtime) ExecOn(ctx context.Context, priv *task.Private, node int, fid uint64, arg []byte, blocking bool) error {
	return r.handler.ExecOn(ctx, priv, node, fid, arg, blocking)
}

// RegisterBody registers fn under a fresh function id for ExecOn
// targeting, returning that id (spec.md §4.8).
func (r *Runtime) RegisterBody(fn am.Body) uint64 { return r.handler.RegisterBody(fn) }

// Barrier runs the split-phase tree barrier (spec.md §4.10).
func (r *Runtime) Barrier(ctx context.Context, priv *task.Private) error {
	return r.tree.Barrier(ctx, priv)
}

// OOBBarrier runs the out-of-band fallback barrier, required before any
// AM handler is alive or when called from the initializing thread
// (spec.md §4.10).
func (r *Runtime) OOBBarrier(ctx context.Context) error {
	return r.tree.OOBBarrier(ctx)
}

// Finalize runs the shutdown sequence (spec.md §4.10): node 0
// broadcasts opShutdown, every node rendezvouses at the OOB barrier,
// then every node tears down its AM handler and out-of-band channel.
func (r *Runtime) Finalize(ctx context.Context) error {
	if err := r.coord.Shutdown(ctx); err != nil {
		return err
	}
	r.handlerCancel()
	if err := r.oobCh.Fini(ctx); err != nil {
		return rterr.Wrap(rterr.BadState, "corert: out-of-band channel teardown failed", err)
	}
	return r.provider.Close()
}
