// Package rma implements the RMA Engine of spec.md §4.6: PUT and GET,
// including chunking above the provider's max message size, the
// delivery-complete/inject completion-path decision, and the
// AM-mediated fallback for addresses with no known remote key.
package rma

import (
	"context"

	"github.com/fabriccomm/corert/internal/ordering"
	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/internal/tci"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/task"
)

// Fallback is the AM-mediated inverse-RMA path used when no node in the
// job has a remote key covering the target address (spec.md §4.6 step
// 3 / Get's analogous opPut fallback). Implemented by package am, which
// sends the corresponding opGet/opPut request and blocks for the
// initiator's am_done signal.
type Fallback interface {
	// RequestGet asks node to GET len(local) bytes from our local
	// buffer into node's raddr (PUT's fallback: the inverse RMA).
	RequestGet(ctx context.Context, node int, local []byte, raddr uint64) error
	// RequestPut asks node to PUT len(local) bytes from node's raddr
	// into our local buffer (GET's fallback).
	RequestPut(ctx context.Context, node int, local []byte, raddr uint64) error
}

// Engine is one node's RMA engine.
type Engine struct {
	self       int
	maxMsgSize int
	injectSize int
	table      *registry.Table
	ordering   *ordering.Layer
	tciTab     *tci.Table
	resolve    ordering.AddressResolver
	tasking    task.Tasking
	fixedBound bool
	fallback   Fallback
}

// NewEngine constructs an Engine. fixedBindingEnabled and resolve come
// from package epfabric's construction result.
func NewEngine(self, maxMsgSize, injectSize int, table *registry.Table, ord *ordering.Layer, tciTab *tci.Table, resolve ordering.AddressResolver, tasking task.Tasking, fixedBindingEnabled bool) *Engine {
	return &Engine{
		self: self, maxMsgSize: maxMsgSize, injectSize: injectSize,
		table: table, ordering: ord, tciTab: tciTab, resolve: resolve,
		tasking: tasking, fixedBound: fixedBindingEnabled,
	}
}

// SetFallback wires the AM-mediated fallback after package am's handler
// has been constructed (breaks the rma<->am construction-order cycle).
func (e *Engine) SetFallback(f Fallback) { e.fallback = f }

// Put implements spec.md §4.6's put(addr, node, raddr, size).
func (e *Engine) Put(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	if len(local) == 0 {
		return nil
	}
	if len(local) > e.maxMsgSize {
		for off := 0; off < len(local); off += e.maxMsgSize {
			end := off + e.maxMsgSize
			if end > len(local) {
				end = len(local)
			}
			if err := e.Put(ctx, priv, local[off:end], node, raddr+uint64(off)); err != nil {
				return err
			}
		}
		return nil
	}

	key, offset, ok := e.table.GetRemoteKey(node, raddr, uint64(len(local)))
	if !ok {
		if e.fallback == nil {
			return rterr.New(rterr.BadState, "rma: put target has no remote key and no AM fallback is configured")
		}
		return e.fallback.RequestGet(ctx, node, local, raddr)
	}

	entry, err := e.tciTab.Alloc(priv, e.tasking.IsFixedThread(ctx), e.fixedBound, false)
	if err != nil {
		return err
	}
	defer e.tciTab.Free(entry)

	blocking := e.ordering.HaveDeliveryComplete() || !entry.Bound() || len(local) > e.injectSize
	opts := fabric.OpOptions{Inject: !blocking}
	comp, err := entry.TxCtx.Put(ctx, local, e.resolve(node), key, offset, opts)
	if err != nil {
		return rterr.Wrap(rterr.BadState, "rma: put failed", err)
	}
	entry.RecordSubmit()
	if blocking {
		if comp != nil {
			if err := comp.Wait(ctx); err != nil {
				return rterr.Wrap(rterr.BadState, "rma: put completion wait failed", err)
			}
		}
	} else {
		e.ordering.RecordInjectedPut(priv, node)
	}
	entry.RecordComplete()
	return nil
}

// Get implements spec.md §4.6's get(addr, node, raddr, size).
func (e *Engine) Get(ctx context.Context, priv *task.Private, local []byte, node int, raddr uint64) error {
	if len(local) == 0 {
		return nil
	}
	if len(local) > e.maxMsgSize {
		for off := 0; off < len(local); off += e.maxMsgSize {
			end := off + e.maxMsgSize
			if end > len(local) {
				end = len(local)
			}
			if err := e.Get(ctx, priv, local[off:end], node, raddr+uint64(off)); err != nil {
				return err
			}
		}
		return nil
	}

	key, offset, ok := e.table.GetRemoteKey(node, raddr, uint64(len(local)))
	if !ok {
		if e.fallback == nil {
			return rterr.New(rterr.BadState, "rma: get target has no remote key and no AM fallback is configured")
		}
		if err := e.fallback.RequestPut(ctx, node, local, raddr); err != nil {
			return err
		}
		priv.PutBitmap.Clear(node)
		return nil
	}

	entry, err := e.tciTab.Alloc(priv, e.tasking.IsFixedThread(ctx), e.fixedBound, false)
	if err != nil {
		return err
	}
	defer e.tciTab.Free(entry)

	// A prior unflushed PUT to node must be forced visible before this
	// GET is issued: the TCI entry backing the dummy flush GET and the
	// TCI entry backing the real GET below are not guaranteed to be the
	// same one under contention (internal/tci.Table.Alloc's cache entry
	// is reacquired by whichever task asks next), so the real GET cannot
	// be relied on to subsume the flush itself (spec.md §4.5/§4.6).
	if err := e.ordering.FlushOne(ctx, priv, node, entry, e.resolve); err != nil {
		return err
	}

	comp, err := entry.TxCtx.Get(ctx, local, e.resolve(node), key, offset, fabric.OpOptions{})
	if err != nil {
		return rterr.Wrap(rterr.BadState, "rma: get failed", err)
	}
	entry.RecordSubmit()
	if comp != nil {
		if err := comp.Wait(ctx); err != nil {
			return rterr.Wrap(rterr.BadState, "rma: get completion wait failed", err)
		}
	}
	entry.RecordComplete()
	return nil
}
