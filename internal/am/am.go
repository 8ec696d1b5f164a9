// Package am implements the Active Message Protocol of spec.md §4.8:
// the initiator send sequence, the opcode dispatch table, the
// alternating multi-receive landing zones, and the node-0 liveness
// probe. It also implements package rma's and package amo's AM-mediated
// fallback interfaces, since both need to round-trip through the same
// handler this package owns.
package am

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabriccomm/corert/internal/amo"
	"github.com/fabriccomm/corert/internal/epfabric"
	"github.com/fabriccomm/corert/internal/ordering"
	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/rma"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/internal/rtlog"
	"github.com/fabriccomm/corert/internal/tci"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/task"
)

// Opcode is the AM request discriminant of spec.md §4.8.
type Opcode byte

const (
	OpExecOn Opcode = iota
	OpExecOnLarge
	OpGetFallback       // PUT's AM-mediated fallback: "Get" in spec.md's opcode list
	OpPutFallback       // GET's AM-mediated fallback: "Put" in spec.md's opcode list
	OpPutFallbackReply  // carries the bytes read by OpPutFallback's handler back to the initiator
	OpAMOFallback       // software-emulated AMO (native atomic unsupported)
	OpFree              // releases an ExecOnLarge initiator-side heap copy
	OpNop               // liveness probe / pure completion round trip
	OpShutdown
)

// MaxExecOnInline bounds an ExecOn request's inline bundle payload
// (spec.md §4.8: "ExecOn uses an inline payload up to MAX_EXECON_INLINE").
const MaxExecOnInline = 2048

const maxFallbackInline = 4096

// maxLargeSlot bounds one ExecOnLarge bounce-copy slot.
const maxLargeSlot = 1 << 16

// request is the wire-format AM header, packed identically on every
// node (spec.md §6: "all nodes must have identical layout"). Variable
// fields are length-prefixed; fixed fields come first so the opcode,
// source node and done address never shift position.
type request struct {
	Opcode      Opcode
	Src         int32
	DoneAddr    uint64 // 0 == fire-and-forget
	P0, P1, P2  uint64
	Flag        bool
	CorrelationID uint64
	Payload     []byte
}

func encodeRequest(r request) []byte {
	buf := make([]byte, 0, 64+len(r.Payload))
	buf = append(buf, byte(r.Opcode))
	var tmp [8]byte
	putI32 := func(v int32) {
		binary.LittleEndian.PutUint32(tmp[:4], uint32(v))
		buf = append(buf, tmp[:4]...)
	}
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	putI32(r.Src)
	putU64(r.DoneAddr)
	putU64(r.P0)
	putU64(r.P1)
	putU64(r.P2)
	putU64(r.CorrelationID)
	if r.Flag {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	putU64(uint64(len(r.Payload)))
	buf = append(buf, r.Payload...)
	return buf
}

func decodeRequest(buf []byte) (request, error) {
	var r request
	const fixed = 1 + 4 + 8*5 + 1 + 8
	if len(buf) < fixed {
		return r, fmt.Errorf("am: truncated request header (%d bytes)", len(buf))
	}
	off := 0
	r.Opcode = Opcode(buf[off])
	off++
	r.Src = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	r.DoneAddr = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.P0 = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.P1 = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.P2 = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.CorrelationID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.Flag = buf[off] != 0
	off++
	plen := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	if uint64(len(buf)-off) < plen {
		return r, fmt.Errorf("am: truncated request payload")
	}
	r.Payload = buf[off : off+int(plen)]
	return r, nil
}

// atomicReqP0P1P2 packs an AtomicRequest's fixed fields into the
// generic P0..P2 + Payload slots (Op/Datatype/Fetch in P0, the operands
// concatenated in Payload).
func packAtomicRequest(req fabric.AtomicRequest) (p0 uint64, payload []byte) {
	fetch := uint64(0)
	if req.Fetch {
		fetch = 1
	}
	p0 = uint64(req.Op) | uint64(req.Datatype)<<8 | fetch<<16
	payload = append(payload, byte(len(req.Operand1)))
	payload = append(payload, req.Operand1...)
	payload = append(payload, byte(len(req.Operand2)))
	payload = append(payload, req.Operand2...)
	return p0, payload
}

func unpackAtomicRequest(p0 uint64, payload []byte) (fabric.AtomicRequest, error) {
	req := fabric.AtomicRequest{
		Op:       fabric.AtomicOp(p0 & 0xff),
		Datatype: fabric.Datatype((p0 >> 8) & 0xff),
		Fetch:    (p0>>16)&1 != 0,
	}
	if len(payload) < 1 {
		return req, fmt.Errorf("am: truncated atomic operand1 length")
	}
	n1 := int(payload[0])
	if len(payload) < 1+n1+1 {
		return req, fmt.Errorf("am: truncated atomic operands")
	}
	req.Operand1 = payload[1 : 1+n1]
	rest := payload[1+n1:]
	n2 := int(rest[0])
	if len(rest) < 1+n2 {
		return req, fmt.Errorf("am: truncated atomic operand2")
	}
	if n2 > 0 {
		req.Operand2 = rest[1 : 1+n2]
	}
	return req, nil
}

// LocalMemory is the out-of-scope host collaborator (spec.md §1's
// "memory allocation primitives") that lets this node's handler turn an
// abstract raddr into bytes it can read/write directly, for requests
// that land on addresses this node owns but that are not necessarily
// covered by the RMA memory registration table (e.g. task-local stack
// variables).
type LocalMemory = amo.LocalMemory

// Body is one ExecOn/ExecOnLarge handler body, analogous to the
// language runtime's ftable_call dispatch (external collaborator,
// spec.md §1); Handler never interprets bundle bytes itself.
type Body func(ctx context.Context, arg []byte)

const numMultiRecvBuffers = 2
const multiRecvBufSize = 1 << 20

// Handler is one node's AM engine: the handler loop, the initiator send
// path, and the fallback dispatch targets for package rma/amo.
type Handler struct {
	self int
	n    int

	fab      *epfabric.Fabric
	table    *registry.Table
	tciTab   *tci.Table
	ord      *ordering.Layer
	rmaEng   *rma.Engine
	amoEng   *amo.Engine
	local    LocalMemory
	tasking  task.Tasking
	log      *rtlog.Logger

	bodies   map[uint64]Body
	nextFid  atomic.Uint64

	pendingReplies sync.Map // correlationID uint64 -> chan []byte
	nextCorr       atomic.Uint64

	largeArena *addrPool // ExecOnLarge bounce-copy slots, in this node's registered heap

	done   *doneSlots
	exitCh chan struct{}
	exited chan struct{}
}

// NewHandler wires a Handler. heapSize is the size of the heap this
// node registered with package registry; the top doneArenaBytes of it
// is reserved for am_done slots (spec.md §4.8's am_done byte, adapted —
// see DESIGN.md — to travel through the same registered-memory RMA path
// as every other completion signal, rather than a raw pointer).
func NewHandler(self, n int, fab *epfabric.Fabric, table *registry.Table, tciTab *tci.Table, ord *ordering.Layer, rmaEng *rma.Engine, amoEng *amo.Engine, local LocalMemory, tasking task.Tasking, heapSize uint64, log *rtlog.Logger) *Handler {
	if log == nil {
		log = rtlog.Discard()
	}
	const (
		doneArenaBytes  = 256
		largeArenaSlots = 16
	)
	largeArenaBytes := uint64(largeArenaSlots) * maxLargeSlot
	h := &Handler{
		self: self, n: n, fab: fab, table: table, tciTab: tciTab, ord: ord,
		rmaEng: rmaEng, amoEng: amoEng, local: local, tasking: tasking, log: log,
		bodies:     make(map[uint64]Body),
		done:       newDoneSlots(heapSize-doneArenaBytes, doneArenaBytes),
		largeArena: newAddrPool(heapSize-doneArenaBytes-largeArenaBytes, maxLargeSlot, largeArenaSlots),
		exitCh:     make(chan struct{}),
		exited:     make(chan struct{}),
	}
	rmaEng.SetFallback(h)
	amoEng.SetFallback(h)
	return h
}

// addrPool carves a fixed number of equally-sized slots out of a
// reserved range of this node's own registered heap, each identified by
// its base address. Used for the am_done byte pool and for the
// ExecOnLarge bounce-copy arena: both need addresses a remote peer can
// resolve through the ordinary memory registration table, so slots are
// real heap offsets rather than opaque handles.
type addrPool struct {
	mu   sync.Mutex
	free []uint64
}

func newAddrPool(base, slotSize uint64, n int) *addrPool {
	p := &addrPool{}
	for i := 0; i < n; i++ {
		p.free = append(p.free, base+uint64(i)*slotSize)
	}
	return p
}

func (p *addrPool) acquire() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, rterr.New(rterr.Transient, "am: address pool exhausted")
	}
	addr := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return addr, nil
}

func (p *addrPool) release(addr uint64) {
	p.mu.Lock()
	p.free = append(p.free, addr)
	p.mu.Unlock()
}

type doneSlots = addrPool

func newDoneSlots(base uint64, n int) *doneSlots { return newAddrPool(base, 1, n) }

// RegisterBody installs fn under a fresh function id, for use with
// ExecOn/ExecOnLarge (the tasking layer's ftable equivalent).
func (h *Handler) RegisterBody(fn Body) uint64 {
	fid := h.nextFid.Add(1)
	h.bodies[fid] = fn
	return fid
}

func (h *Handler) nodeAddr(node int) fabric.AVAddr { return h.fab.RxMsgAddr(node) }

// awaitDone implements the blocking spin of am_request_common step 5:
// since this node's own registered regions are not directly readable
// (the fabric SPI deliberately exposes no raw MR byte access), the
// local check is itself a same-node RMA GET rather than a bare memory
// read — functionally equivalent, at the cost of a TCI round trip per
// poll (see DESIGN.md).
func (h *Handler) awaitDone(ctx context.Context, priv *task.Private, doneAddr uint64) error {
	var buf [1]byte
	for {
		if err := h.rmaEng.Get(ctx, priv, buf[:], h.self, doneAddr); err != nil {
			return err
		}
		if buf[0] != 0 {
			return nil
		}
		h.tasking.Yield()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// signalDone performs the completion-side half: PUT a single 1 byte
// into the initiator's am_done slot (spec.md §4.8 request processing:
// "inject a one-byte PUT of 1 to the initiator's am_done").
func (h *Handler) signalDone(ctx context.Context, priv *task.Private, initiator int, doneAddr uint64) error {
	if doneAddr == 0 {
		return nil
	}
	return h.rmaEng.Put(ctx, priv, []byte{1}, initiator, doneAddr)
}

// sendCommon implements am_request_common's initiator steps 1-5 for a
// request whose opcode needs no reply payload, only a done signal.
//
// flushAll selects the visibility fence spec.md §4.8 requires per opcode
// class: ExecOn/ExecOnLarge and write-AMO must flush every node with a
// pending bitmap bit (the handler-side execution may itself read/write
// memory this task has PUT to any of those nodes), while the Get/Put
// fallback opcodes only need node's own bit flushed.
func (h *Handler) sendCommon(ctx context.Context, priv *task.Private, node int, r request, blocking, flushAll bool) error {
	entry, err := h.tciTab.Alloc(priv, h.tasking.IsFixedThread(ctx), h.fab.FixedBindingEnabled, false)
	if err != nil {
		return err
	}
	defer h.tciTab.Free(entry)

	resolve := func(n int) fabric.AVAddr { return h.fab.RxRMAAddr(n) }
	if flushAll {
		if err := h.ord.FlushAll(ctx, priv, entry, resolve, h.tasking.Yield); err != nil {
			return err
		}
	} else {
		if err := h.ord.FlushOne(ctx, priv, node, entry, resolve); err != nil {
			return err
		}
	}

	r.Src = int32(h.self)
	wire := encodeRequest(r)
	opts := fabric.OpOptions{Inject: !blocking && len(wire) <= maxFallbackInline}
	comp, err := entry.TxCtx.SendAM(ctx, h.nodeAddr(node), wire, opts)
	if err != nil {
		return rterr.Wrap(rterr.BadState, "am: send failed", err)
	}
	entry.RecordSubmit()
	if comp != nil {
		if err := comp.Wait(ctx); err != nil {
			return rterr.Wrap(rterr.BadState, "am: send completion wait failed", err)
		}
	}
	entry.RecordComplete()
	return nil
}

// ExecOn implements the ExecOn opcode's initiator side: send fid/arg
// inline, optionally block for completion.
func (h *Handler) ExecOn(ctx context.Context, priv *task.Private, node int, fid uint64, arg []byte, blocking bool) error {
	if len(arg) > MaxExecOnInline {
		return h.execOnLarge(ctx, priv, node, fid, arg, blocking)
	}
	var doneAddr uint64
	if blocking {
		addr, err := h.done.acquire()
		if err != nil {
			return err
		}
		defer h.done.release(addr)
		doneAddr = addr
	}
	r := request{Opcode: OpExecOn, DoneAddr: doneAddr, P0: fid, Payload: arg}
	if err := h.sendCommon(ctx, priv, node, r, blocking, true); err != nil {
		return err
	}
	if blocking {
		return h.awaitDone(ctx, priv, doneAddr)
	}
	return nil
}

// execOnLarge bounce-copies arg into a slot of this node's own
// registered heap (a self-directed PUT, so the copy is visible to a
// remote RMA GET the same way any other PUT would be) and sends an
// ExecOnLarge header naming that slot's address; the handler pulls the
// bytes via RMA GET as its first action (spec.md §9: the pull design,
// chosen because the handler does not know the payload size until the
// header arrives).
func (h *Handler) execOnLarge(ctx context.Context, priv *task.Private, node int, fid uint64, arg []byte, blocking bool) error {
	if len(arg) > maxLargeSlot {
		return rterr.New(rterr.Truncation, "am: ExecOnLarge payload exceeds the bounce-slot size")
	}
	addr, err := h.largeArena.acquire()
	if err != nil {
		return err
	}
	if err := h.rmaEng.Put(ctx, priv, arg, h.self, addr); err != nil {
		h.largeArena.release(addr)
		return err
	}
	if blocking {
		defer h.largeArena.release(addr)
	}
	// A non-blocking call's slot is released only when the handler's
	// OpFree message arrives (Run's OpFree case), since the remote GET
	// may not have happened yet when this call returns.

	var doneAddr uint64
	if blocking {
		da, err := h.done.acquire()
		if err != nil {
			return err
		}
		defer h.done.release(da)
		doneAddr = da
	}
	r := request{
		Opcode: OpExecOnLarge, DoneAddr: doneAddr,
		P0: fid, P1: addr, P2: uint64(len(arg)), Flag: !blocking,
	}
	if err := h.sendCommon(ctx, priv, node, r, blocking, true); err != nil {
		return err
	}
	if blocking {
		return h.awaitDone(ctx, priv, doneAddr)
	}
	return nil
}

// RequestGet implements rma.Fallback's PUT-side fallback: ask node to
// copy payload into its own memory at raddr (spec.md §4.6 step 3).
func (h *Handler) RequestGet(ctx context.Context, node int, local []byte, raddr uint64) error {
	if len(local) > maxFallbackInline {
		return rterr.New(rterr.Truncation, "am: fallback PUT payload exceeds the inline transfer limit")
	}
	priv := task.NewPrivate(h.n)
	addr, err := h.done.acquire()
	if err != nil {
		return err
	}
	defer h.done.release(addr)
	r := request{Opcode: OpGetFallback, DoneAddr: addr, P0: raddr, Payload: local}
	if err := h.sendCommon(ctx, priv, node, r, true, false); err != nil {
		return err
	}
	return h.awaitDone(ctx, priv, addr)
}

// RequestPut implements rma.Fallback's GET-side fallback: ask node to
// read size bytes at raddr and reply with them inline.
func (h *Handler) RequestPut(ctx context.Context, node int, local []byte, raddr uint64) error {
	priv := task.NewPrivate(h.n)
	corr := h.nextCorr.Add(1)
	replyCh := make(chan []byte, 1)
	h.pendingReplies.Store(corr, replyCh)
	defer h.pendingReplies.Delete(corr)

	r := request{Opcode: OpPutFallback, P0: raddr, P1: uint64(len(local)), CorrelationID: corr}
	if err := h.sendCommon(ctx, priv, node, r, false, false); err != nil {
		return err
	}
	select {
	case payload := <-replyCh:
		if len(payload) != len(local) {
			return rterr.New(rterr.Truncation, "am: fallback GET reply size mismatch")
		}
		copy(local, payload)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestAMO implements amo.Fallback: ask node to apply req at raddr
// via cpu_amo on its handler thread (spec.md §4.8 AMO opcode).
func (h *Handler) RequestAMO(ctx context.Context, node int, req fabric.AtomicRequest, raddr uint64, result []byte) error {
	priv := task.NewPrivate(h.n)
	addr, err := h.done.acquire()
	if err != nil {
		return err
	}
	defer h.done.release(addr)

	p0, payload := packAtomicRequest(req)
	r := request{Opcode: OpAMOFallback, DoneAddr: addr, P0: p0, P1: raddr, Payload: payload}
	if req.Fetch {
		corr := h.nextCorr.Add(1)
		replyCh := make(chan []byte, 1)
		h.pendingReplies.Store(corr, replyCh)
		defer h.pendingReplies.Delete(corr)
		r.CorrelationID = corr
	}
	if err := h.sendCommon(ctx, priv, node, r, true, true); err != nil {
		return err
	}
	if err := h.awaitDone(ctx, priv, addr); err != nil {
		return err
	}
	if req.Fetch {
		v, _ := h.pendingReplies.Load(r.CorrelationID)
		select {
		case payload := <-v.(chan []byte):
			copy(result, payload)
		default:
			return rterr.New(rterr.BadState, "am: fetching AMO fallback completed without a result reply")
		}
	}
	return nil
}

// Shutdown implements node 0's shutdown broadcast (spec.md §4.10): send
// opShutdown to every other node. Callers still run the OOB barrier and
// tear down handlers afterward.
func (h *Handler) Shutdown(ctx context.Context) error {
	priv := task.NewPrivate(h.n)
	for node := 0; node < h.n; node++ {
		if node == h.self {
			continue
		}
		if err := h.sendCommon(ctx, priv, node, request{Opcode: OpShutdown}, false, false); err != nil {
			return err
		}
	}
	return nil
}

// Nop sends a non-blocking liveness probe to node (spec.md §4.8
// Liveness probe).
func (h *Handler) Nop(ctx context.Context, priv *task.Private, node int) error {
	return h.sendCommon(ctx, priv, node, request{Opcode: OpNop}, false, false)
}

// ShutdownRequested reports whether an opShutdown has landed on this
// node's handler.
func (h *Handler) ShutdownRequested() <-chan struct{} { return h.exitCh }

// Stop signals the handler loop to exit after its current iteration.
func (h *Handler) Stop() {
	select {
	case <-h.exitCh:
	default:
		close(h.exitCh)
	}
}

// Wait blocks until the handler loop (Run) has returned.
func (h *Handler) Wait() { <-h.exited }

// Run is the AM handler loop (spec.md §4.8 am_handler). It alternates
// two multi-receive landing-zone buffers, reposting the other as soon
// as one drains, and dispatches every received request by opcode.
// Poll-set-backed providers deliver events on fab.AMRx.Events() as a Go
// channel, which a `select` already services exactly like a wait-set;
// providers without WaitSetable instead get explicit periodic
// PollCQ-driven progress on the handler's own transmit context (spec.md
// §9: "implementations should expose both").
func (h *Handler) Run(ctx context.Context) {
	defer close(h.exited)

	bufs := [numMultiRecvBuffers][]byte{make([]byte, multiRecvBufSize), make([]byte, multiRecvBufSize)}
	next := 0
	post := func() {
		if err := h.fab.AMRx.PostMultiRecv(bufs[next]); err != nil {
			h.log.Err().Log("am: failed to post multi-receive buffer")
		}
		next = (next + 1) % numMultiRecvBuffers
	}
	post()
	post()

	handlerEntry := h.tciTab.AllocForHandler()

	liveness := newLivenessProbe(h)
	ticker := time.NewTicker(liveness.interval())
	defer ticker.Stop()

	events := h.fab.AMRx.Events()
	for {
		select {
		case <-h.exitCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case fabric.EventRecv:
				h.dispatch(ctx, ev)
			case fabric.EventMultiRecvDrained:
				post()
			}
		case <-ticker.C:
			if h.self == 0 {
				liveness.tick(ctx)
				ticker.Reset(liveness.interval())
			}
			handlerEntry.TxCtx.Progress()
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, ev fabric.RxEvent) {
	r, err := decodeRequest(ev.Data)
	if err != nil {
		h.log.Err().Log("am: dropping malformed request")
		return
	}
	initiator := int(r.Src)
	priv := task.NewPrivate(h.n)

	switch r.Opcode {
	case OpExecOn:
		fn, ok := h.bodies[r.P0]
		if !ok {
			h.log.Err().Log("am: ExecOn referenced an unregistered body id")
			return
		}
		arg := append([]byte(nil), r.Payload...)
		h.tasking.CreateCommTask(ctx, func(taskCtx context.Context) {
			fn(taskCtx, arg)
			if r.DoneAddr != 0 {
				_ = h.signalDone(taskCtx, priv, initiator, r.DoneAddr)
			}
		})

	case OpExecOnLarge:
		fn, ok := h.bodies[r.P0]
		if !ok {
			h.log.Err().Log("am: ExecOnLarge referenced an unregistered body id")
			return
		}
		size := r.P2
		slotAddr, nonBlocking := r.P1, r.Flag
		h.tasking.CreateCommTask(ctx, func(taskCtx context.Context) {
			payload := make([]byte, size)
			if err := h.rmaEng.Get(taskCtx, priv, payload, initiator, slotAddr); err != nil {
				h.log.Err().Log("am: ExecOnLarge payload GET failed")
				return
			}
			if nonBlocking {
				_ = h.sendCommon(taskCtx, priv, initiator, request{Opcode: OpFree, P0: slotAddr}, false, false)
			}
			fn(taskCtx, payload)
			if r.DoneAddr != 0 {
				_ = h.signalDone(taskCtx, priv, initiator, r.DoneAddr)
			}
		})

	case OpGetFallback:
		h.tasking.CreateCommTask(ctx, func(taskCtx context.Context) {
			target, err := h.local.Access(r.P0, uint64(len(r.Payload)))
			if err == nil {
				copy(target, r.Payload)
			}
			if r.DoneAddr != 0 {
				_ = h.signalDone(taskCtx, priv, initiator, r.DoneAddr)
			}
		})

	case OpPutFallback:
		h.tasking.CreateCommTask(ctx, func(taskCtx context.Context) {
			data, err := h.local.Access(r.P0, r.P1)
			if err != nil {
				data = make([]byte, r.P1)
			}
			reply := request{Opcode: OpPutFallbackReply, CorrelationID: r.CorrelationID, Payload: data}
			_ = h.sendCommon(taskCtx, priv, initiator, reply, false, false)
		})

	case OpPutFallbackReply:
		if ch, ok := h.pendingReplies.Load(r.CorrelationID); ok {
			ch.(chan []byte) <- append([]byte(nil), r.Payload...)
		}

	case OpAMOFallback:
		h.tasking.CreateCommTask(ctx, func(taskCtx context.Context) {
			req, err := unpackAtomicRequest(r.P0, r.Payload)
			if err != nil {
				h.log.Err().Log("am: malformed AMO fallback request")
				return
			}
			target, err := h.local.Access(r.P1, uint64(req.Datatype.Size()))
			if err != nil {
				h.log.Err().Log("am: AMO fallback target not accessible")
				return
			}
			var result []byte
			if req.Fetch {
				result = make([]byte, req.Datatype.Size())
			}
			if err := amo.ApplyLocal(target, req, result); err != nil {
				h.log.Err().Log("am: AMO fallback application failed")
				return
			}
			if req.Fetch {
				reply := request{Opcode: OpPutFallbackReply, CorrelationID: r.CorrelationID, Payload: result}
				_ = h.sendCommon(taskCtx, priv, initiator, reply, false, false)
			}
			if r.DoneAddr != 0 {
				_ = h.signalDone(taskCtx, priv, initiator, r.DoneAddr)
			}
		})

	case OpFree:
		h.largeArena.release(r.P0)

	case OpNop:
		if r.DoneAddr != 0 {
			h.tasking.CreateCommTask(ctx, func(taskCtx context.Context) {
				_ = h.signalDone(taskCtx, priv, initiator, r.DoneAddr)
			})
		}

	case OpShutdown:
		h.Stop()

	default:
		h.log.Err().Log("am: unknown opcode in received request")
	}
}

// livenessProbe implements spec.md §4.8's adaptive node-0 liveness
// check: target a 10s cadence, recalibrated from the ratio of actual
// elapsed time to probes issued so far.
type livenessProbe struct {
	h        *Handler
	start    time.Time
	count    int
	nextNode int
}

func newLivenessProbe(h *Handler) *livenessProbe {
	return &livenessProbe{h: h, start: time.Now()}
}

const targetLivenessInterval = 10 * time.Second

func (l *livenessProbe) interval() time.Duration {
	if l.count == 0 {
		return targetLivenessInterval
	}
	elapsed := time.Now().Sub(l.start)
	actual := elapsed / time.Duration(l.count)
	if actual <= 0 {
		return targetLivenessInterval
	}
	// Recalibrate toward the target: if probes have been firing slower
	// than intended, shorten the next interval, and vice versa.
	return targetLivenessInterval * targetLivenessInterval / actual
}

func (l *livenessProbe) tick(ctx context.Context) {
	if l.h.n <= 1 {
		return
	}
	node := l.nextNode
	l.nextNode = (l.nextNode + 1) % l.h.n
	if node == l.h.self {
		node = l.nextNode
		l.nextNode = (l.nextNode + 1) % l.h.n
	}
	priv := task.NewPrivate(l.h.n)
	if err := l.h.Nop(ctx, priv, node); err != nil {
		l.h.log.Err().Log("am: liveness probe send failed")
	}
	l.count++
}
