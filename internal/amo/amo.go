// Package amo implements the AMO Engine of spec.md §4.7: single-node
// local dispatch (cpu_amo), a memoized is_atomic_valid probe table, and
// native remote AMO submission, including the sum-with-negated-operand
// encoding subtraction shares with addition.
package amo

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/fabriccomm/corert/internal/ordering"
	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/internal/tci"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/task"
)

// Engine is one node's AMO engine.
type Engine struct {
	self     int
	provider fabric.Provider
	table    *registry.Table
	ordering *ordering.Layer
	tciTab   *tci.Table
	resolve  func(node int) fabric.AVAddr
	tasking  task.Tasking
	fixedBnd bool

	mu     sync.RWMutex
	probed map[probeKey]bool

	fallback Fallback
}

type probeKey struct {
	dt fabric.Datatype
	op fabric.AtomicOp
}

// NewEngine constructs an Engine. ord is the same ordering.Layer shared
// with package rma: a write-AMO targeting a node with a pending unflushed
// PUT must force that PUT visible first (spec.md §4.5 invariant (iii)),
// the same way package batch wires ord.FlushAll after a PUT batch.
func NewEngine(self int, provider fabric.Provider, table *registry.Table, ord *ordering.Layer, tciTab *tci.Table, resolve func(node int) fabric.AVAddr, tasking task.Tasking, fixedBindingEnabled bool) *Engine {
	return &Engine{
		self: self, provider: provider, table: table, ordering: ord, tciTab: tciTab,
		resolve: resolve, tasking: tasking, fixedBnd: fixedBindingEnabled,
		probed: make(map[probeKey]bool),
	}
}

// isAtomicValid memoizes provider.ProbeAtomic, per spec.md §4.7: "probed
// once per (datatype, op) pair and cached for the life of the process".
func (e *Engine) isAtomicValid(dt fabric.Datatype, op fabric.AtomicOp) bool {
	k := probeKey{dt, op}
	e.mu.RLock()
	v, ok := e.probed[k]
	e.mu.RUnlock()
	if ok {
		return v
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.probed[k]; ok {
		return v
	}
	v = e.provider.ProbeAtomic(dt, op)
	e.probed[k] = v
	return v
}

// negateOperand flips the sign of a Sum operand in place, implementing
// subtraction as a negated-addition AMO (spec.md §4.7: "subtraction has
// no dedicated opcode; it is sum with the operand's sign flipped").
func negateOperand(dt fabric.Datatype, operand []byte) {
	switch dt {
	case fabric.DatatypeI32, fabric.DatatypeU32:
		v := int32(binary.LittleEndian.Uint32(operand))
		binary.LittleEndian.PutUint32(operand, uint32(-v))
	case fabric.DatatypeI64, fabric.DatatypeU64:
		v := int64(binary.LittleEndian.Uint64(operand))
		binary.LittleEndian.PutUint64(operand, uint64(-v))
	case fabric.DatatypeF32:
		v := math.Float32frombits(binary.LittleEndian.Uint32(operand))
		binary.LittleEndian.PutUint32(operand, math.Float32bits(-v))
	case fabric.DatatypeF64:
		v := math.Float64frombits(binary.LittleEndian.Uint64(operand))
		binary.LittleEndian.PutUint64(operand, math.Float64bits(-v))
	}
}

// cpuAMO applies req directly to local memory, used when node == self
// (spec.md §4.7: "a same-node AMO never touches the network; it is
// executed as an ordinary CPU read-modify-write"). result, if non-nil
// and req.Fetch, receives the prior value.
func cpuAMO(target []byte, req fabric.AtomicRequest, result []byte) error {
	if len(target) != req.Datatype.Size() {
		return rterr.New(rterr.BadState, "amo: target width does not match datatype size")
	}
	prior := append([]byte(nil), target...)

	switch req.Op {
	case fabric.AtomicRead:
		// no mutation
	case fabric.AtomicWrite:
		copy(target, req.Operand1)
	case fabric.AtomicCswap:
		if string(prior) == string(req.Operand2) {
			copy(target, req.Operand1)
		}
	case fabric.AtomicSum, fabric.AtomicBor, fabric.AtomicBand, fabric.AtomicBxor:
		applyArith(req.Datatype, req.Op, target, req.Operand1)
	default:
		return rterr.New(rterr.BadState, "amo: unsupported local atomic op")
	}

	if req.Fetch && result != nil {
		copy(result, prior)
	}
	return nil
}

func applyArith(dt fabric.Datatype, op fabric.AtomicOp, target, operand []byte) {
	if dt.IsFloat() {
		if dt == fabric.DatatypeF32 {
			a := math.Float32frombits(binary.LittleEndian.Uint32(target))
			b := math.Float32frombits(binary.LittleEndian.Uint32(operand))
			binary.LittleEndian.PutUint32(target, math.Float32bits(a+b))
		} else {
			a := math.Float64frombits(binary.LittleEndian.Uint64(target))
			b := math.Float64frombits(binary.LittleEndian.Uint64(operand))
			binary.LittleEndian.PutUint64(target, math.Float64bits(a+b))
		}
		return
	}
	if dt == fabric.DatatypeI32 || dt == fabric.DatatypeU32 {
		a := binary.LittleEndian.Uint32(target)
		b := binary.LittleEndian.Uint32(operand)
		binary.LittleEndian.PutUint32(target, arith32(op, a, b))
		return
	}
	a := binary.LittleEndian.Uint64(target)
	b := binary.LittleEndian.Uint64(operand)
	binary.LittleEndian.PutUint64(target, arith64(op, a, b))
}

func arith32(op fabric.AtomicOp, a, b uint32) uint32 {
	switch op {
	case fabric.AtomicSum:
		return a + b
	case fabric.AtomicBor:
		return a | b
	case fabric.AtomicBand:
		return a & b
	case fabric.AtomicBxor:
		return a ^ b
	default:
		return a
	}
}

func arith64(op fabric.AtomicOp, a, b uint64) uint64 {
	switch op {
	case fabric.AtomicSum:
		return a + b
	case fabric.AtomicBor:
		return a | b
	case fabric.AtomicBand:
		return a & b
	case fabric.AtomicBxor:
		return a ^ b
	default:
		return a
	}
}

// Fallback is the AM-mediated software-emulated AMO path used when
// isAtomicValid reports the provider cannot natively apply (datatype,
// op) on the wire (spec.md §4.8's AMO opcode: "execute cpu_amo on the
// handler thread"). Implemented by package am.
type Fallback interface {
	RequestAMO(ctx context.Context, node int, req fabric.AtomicRequest, raddr uint64, result []byte) error
}

// SetFallback wires the AM-mediated fallback after package am's handler
// exists, breaking the amo<->am construction-order cycle the same way
// package rma does.
func (e *Engine) SetFallback(f Fallback) { e.fallback = f }

// ApplyLocal exports cpuAMO for package am's handler, which must apply
// the identical read-modify-write when an AMO AM request lands.
func ApplyLocal(target []byte, req fabric.AtomicRequest, result []byte) error {
	return cpuAMO(target, req, result)
}

// LocalMemory exposes same-node raw atomic application. Used by DoAMO
// when node == self and by package am's handler when a remote AMO lands
// (the network path still requires the receiving node to apply the op
// somewhere; in simfabric this is the provider's own Atomic verb, which
// already applies it on the target region, so LocalMemory is only
// reached by DoAMO's same-node fast path).
type LocalMemory interface {
	Access(raddr uint64, size uint64) ([]byte, error)
}

// DoAMO implements spec.md §4.7's do_amo: local dispatch for node==self,
// otherwise a native network AMO if the provider supports it, otherwise
// returns an unsupported error (a software-emulated AMO path would
// require a non-atomic read-modify-write round trip and is out of scope
// here, as no example provider in the corpus lacks atomics on common
// datatypes).
func (e *Engine) DoAMO(ctx context.Context, priv *task.Private, local LocalMemory, req fabric.AtomicRequest, node int, raddr uint64, result []byte) error {
	if req.Datatype.IsFloat() && !req.Op.ValidForFloat() {
		return rterr.New(rterr.BadState, "amo: op not valid for float datatype")
	}
	if node == e.self {
		target, err := local.Access(raddr, uint64(req.Datatype.Size()))
		if err != nil {
			return rterr.Wrap(rterr.BadState, "amo: local access failed", err)
		}
		return cpuAMO(target, req, result)
	}

	if !e.isAtomicValid(req.Datatype, req.Op) {
		if e.fallback == nil {
			return rterr.New(rterr.BadState, "amo: provider does not natively support this (datatype, op) pair and no AM fallback is configured")
		}
		return e.fallback.RequestAMO(ctx, node, req, raddr, result)
	}

	key, offset, ok := e.table.GetRemoteKey(node, raddr, uint64(req.Datatype.Size()))
	if !ok {
		return rterr.New(rterr.BadState, "amo: no remote key for target address")
	}

	entry, err := e.tciTab.Alloc(priv, e.tasking.IsFixedThread(ctx), e.fixedBnd, false)
	if err != nil {
		return err
	}
	defer e.tciTab.Free(entry)

	// Every native AMO is a write from the target's perspective (even a
	// fetching Cswap/Sum may mutate); a prior unflushed PUT to node must
	// be forced visible first (spec.md §4.5 invariant (iii)).
	if e.ordering != nil {
		if err := e.ordering.FlushOne(ctx, priv, node, entry, e.resolve); err != nil {
			return err
		}
	}

	comp, err := entry.TxCtx.Atomic(ctx, e.resolve(node), key, offset, req, result, fabric.OpOptions{})
	if err != nil {
		return rterr.Wrap(rterr.BadState, "amo: atomic submission failed", err)
	}
	entry.RecordSubmit()
	if comp != nil {
		if err := comp.Wait(ctx); err != nil {
			return rterr.Wrap(rterr.BadState, "amo: atomic completion wait failed", err)
		}
	}
	entry.RecordComplete()
	return nil
}

// Sub is sum with req.Operand1 negated in place before submission,
// sharing do_amo's entire dispatch path with Sum (spec.md §4.7).
func (e *Engine) Sub(ctx context.Context, priv *task.Private, local LocalMemory, req fabric.AtomicRequest, node int, raddr uint64, result []byte) error {
	negateOperand(req.Datatype, req.Operand1)
	req.Op = fabric.AtomicSum
	return e.DoAMO(ctx, priv, local, req, node, raddr, result)
}

// BatchSubmit issues a vector of non-fetching AMOs against one node as
// one MORE-flagged burst, draining the TCI once at the end
// (spec.md §4.9's batched-AMO interaction with the AMO engine).
func (e *Engine) BatchSubmit(ctx context.Context, priv *task.Private, reqs []fabric.AtomicRequest, node int, raddrs []uint64) error {
	if len(reqs) != len(raddrs) {
		return rterr.New(rterr.BadState, "amo: batch request/address length mismatch")
	}
	if len(reqs) == 0 {
		return nil
	}
	entry, err := e.tciTab.Alloc(priv, e.tasking.IsFixedThread(ctx), e.fixedBnd, false)
	if err != nil {
		return err
	}
	defer e.tciTab.Free(entry)

	if e.ordering != nil {
		if err := e.ordering.FlushOne(ctx, priv, node, entry, e.resolve); err != nil {
			return err
		}
	}

	for i, req := range reqs {
		if req.Fetch {
			return rterr.New(rterr.BadState, "amo: fetching AMOs cannot be batched")
		}
		key, offset, ok := e.table.GetRemoteKey(node, raddrs[i], uint64(req.Datatype.Size()))
		if !ok {
			return rterr.New(rterr.BadState, "amo: no remote key for batched target address")
		}
		if _, err := entry.TxCtx.Atomic(ctx, e.resolve(node), key, offset, req, nil, fabric.OpOptions{More: true}); err != nil {
			return rterr.Wrap(rterr.BadState, "amo: batched atomic submission failed", err)
		}
		entry.RecordSubmit()
	}
	if err := entry.TxCtx.Drain(ctx); err != nil {
		return rterr.Wrap(rterr.BadState, "amo: batch drain failed", err)
	}
	for range reqs {
		entry.RecordComplete()
	}
	return nil
}
