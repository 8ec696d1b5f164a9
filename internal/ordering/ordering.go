// Package ordering implements the Ordering/Visibility Layer of
// spec.md §4.5 — the core of the memory consistency model (MCM). It
// localises provider heterogeneity (delivery-complete vs. message-order)
// behind flush_one/flush_all so package rma/amo/am can issue operations
// freely and call the flush functions only at the program points
// spec.md names.
package ordering

import (
	"context"

	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/internal/tci"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/task"
)

// ghostWordSize is the width of the per-node ordering ghost word
// (spec.md §3): "its contents are meaningless", a 32-bit GET target.
const ghostWordSize = 4

// AddressResolver maps a node id to its RMA rx address in the local
// address vector, as built by package epfabric.
type AddressResolver func(node int) fabric.AVAddr

// Layer is the ordering/visibility subsystem for one node.
type Layer struct {
	haveDeliveryComplete bool
	table                *registry.Table
	ghostBase            uint64
}

// New constructs a Layer. haveDeliveryComplete comes from provider
// selection (package selector); table is the already-exchanged memory
// registration table this node shares with every other node. ghostBase
// is the address, identical in meaning on every node, reused as the
// ordering ghost word — spec.md §3 requires only that the location be
// "registered in the local MR set, with a globally known address per
// node", which the already-replicated MR table satisfies without a
// second exchange round.
func New(haveDeliveryComplete bool, table *registry.Table, ghostBase uint64) *Layer {
	return &Layer{haveDeliveryComplete: haveDeliveryComplete, table: table, ghostBase: ghostBase}
}

// HaveDeliveryComplete reports whether this layer is in delivery-complete
// mode (no flushing ever required) or message-order mode.
func (l *Layer) HaveDeliveryComplete() bool { return l.haveDeliveryComplete }

// RecordInjectedPut records that an injected PUT targeting node has not
// yet had its completion forced into visibility, per spec.md §4.5. A
// no-op under delivery-complete, where completion already implies
// visibility.
func (l *Layer) RecordInjectedPut(priv *task.Private, node int) {
	if l.haveDeliveryComplete {
		return
	}
	priv.PutBitmap.SetBit(node)
}

// FlushOne issues a dummy one-byte GET from node's ordering ghost word on
// entry's bound transmit context, clearing node from priv's bitmap once
// the read-after-write ordering guarantee has forced preceding PUTs on
// that endpoint pair into visibility (spec.md §4.5 flush_one).
func (l *Layer) FlushOne(ctx context.Context, priv *task.Private, node int, entry *tci.Entry, resolve AddressResolver) error {
	if l.haveDeliveryComplete || !priv.PutBitmap.Test(node) {
		return nil
	}
	key, offset, ok := l.table.GetRemoteKey(node, l.ghostBase, ghostWordSize)
	if !ok {
		return rterr.New(rterr.BadState, "ordering: no registered remote key for node's ordering ghost word")
	}
	var dummy [ghostWordSize]byte
	comp, err := entry.TxCtx.Get(ctx, dummy[:], resolve(node), key, offset, fabric.OpOptions{})
	if err != nil {
		return rterr.Wrap(rterr.BadState, "ordering: flush_one dummy GET failed", err)
	}
	if comp != nil {
		if err := comp.Wait(ctx); err != nil {
			return rterr.Wrap(rterr.BadState, "ordering: flush_one dummy GET did not complete", err)
		}
	}
	priv.PutBitmap.Clear(node)
	return nil
}

// FlushAll iterates every set bit in priv's bitmap, flushing each in
// turn and invoking yield between iterations so a full CQ does not spin
// the calling task (spec.md §4.5 flush_all). On return the bitmap is
// empty (spec.md §8 invariant 8), unless an error aborts early.
func (l *Layer) FlushAll(ctx context.Context, priv *task.Private, entry *tci.Entry, resolve AddressResolver, yield func()) error {
	if l.haveDeliveryComplete {
		return nil
	}
	var firstErr error
	priv.PutBitmap.ForEachSet(func(node int) bool {
		key, offset, ok := l.table.GetRemoteKey(node, l.ghostBase, ghostWordSize)
		if !ok {
			firstErr = rterr.New(rterr.BadState, "ordering: no registered remote key for node's ordering ghost word")
			return false
		}
		var dummy [ghostWordSize]byte
		comp, err := entry.TxCtx.Get(ctx, dummy[:], resolve(node), key, offset, fabric.OpOptions{})
		if err == nil && comp != nil {
			err = comp.Wait(ctx)
		}
		if err != nil {
			firstErr = rterr.Wrap(rterr.BadState, "ordering: flush_all dummy GET failed", err)
			return false
		}
		if yield != nil {
			yield()
		}
		return true
	})
	return firstErr
}
