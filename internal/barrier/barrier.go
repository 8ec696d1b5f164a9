// Package barrier implements the Barrier and Shutdown subsystem of
// spec.md §4.10: a split-phase K-ary tree barrier keyed by node rank,
// plus the out-of-band fallback used before any AM handler is alive,
// plus shutdown propagation via a dedicated AM opcode.
package barrier

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/fabriccomm/corert/internal/am"
	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/rma"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/pkg/oob"
	"github.com/fabriccomm/corert/pkg/task"
)

// FanOut is the tree barrier's child count per node (spec.md §4.10:
// "Tree barrier with fan-out K=64").
const FanOut = 64

// slotWidth is the wire width of one child-notify or parent-release
// flag byte.
const slotWidth = 1

type nodeAddrs struct {
	childNotifyBase uint64 // FanOut contiguous flag bytes, one per potential child
	parentRelease   uint64 // one flag byte, directly after the child-notify array
}

// Tree is one node's view of the split-phase barrier: its position in
// the K-ary tree, its own bar_info block's addresses, and every other
// node's addresses as replicated by the one-shot all-gather at
// construction (spec.md §4.10: "A one-shot all-gather at init
// propagates the pointers").
type Tree struct {
	self, n int
	parent  int // -1 for the root
	children []int

	rmaEng *rma.Engine
	tasking task.Tasking
	oobCh   oob.Channel

	own   nodeAddrs
	peers []nodeAddrs
}

// NewTree reserves FanOut+1 bytes starting at base in this node's own
// registered heap for its bar_info block, computes this node's parent
// and children in the K-ary tree, and all-gathers every node's bar_info
// addresses over oobCh.
func NewTree(ctx context.Context, self, n int, base uint64, rmaEng *rma.Engine, oobCh oob.Channel, tasking task.Tasking) (*Tree, error) {
	t := &Tree{
		self: self, n: n, rmaEng: rmaEng, tasking: tasking, oobCh: oobCh,
		own: nodeAddrs{childNotifyBase: base, parentRelease: base + FanOut*slotWidth},
	}
	if self == 0 {
		t.parent = -1
	} else {
		t.parent = (self - 1) / FanOut
	}
	for c := self*FanOut + 1; c <= self*FanOut+FanOut && c < n; c++ {
		t.children = append(t.children, c)
	}

	wire := encodeAddrs(t.own)
	gathered, err := oobCh.AllGather(ctx, wire)
	if err != nil {
		return nil, rterr.Wrap(rterr.BadState, "barrier: bar_info address exchange failed", err)
	}
	t.peers = make([]nodeAddrs, n)
	for node, buf := range gathered {
		addrs, derr := decodeAddrs(buf)
		if derr != nil {
			return nil, rterr.Wrap(rterr.BadState, fmt.Sprintf("barrier: decoding node %d's bar_info addresses", node), derr)
		}
		t.peers[node] = addrs
	}
	return t, nil
}

func encodeAddrs(a nodeAddrs) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, a.childNotifyBase)
	binary.LittleEndian.PutUint64(buf[8:], a.parentRelease)
	return buf
}

func decodeAddrs(buf []byte) (nodeAddrs, error) {
	if len(buf) != 16 {
		return nodeAddrs{}, fmt.Errorf("barrier: malformed bar_info address wire payload (%d bytes)", len(buf))
	}
	return nodeAddrs{
		childNotifyBase: binary.LittleEndian.Uint64(buf),
		parentRelease:   binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

// childIndex returns this node's position among child's own children
// slice (i.e. which of child's K child-notify slots belongs to t.self).
func childIndex(parent, child int) int { return child - parent*FanOut - 1 }

// spin polls addr on this node's own bar_info block until it reads
// nonzero, yielding between polls (spec.md §4.10 phase 1/2: "yield
// between polls"). Since this node's own registered regions are not
// directly readable in this SPI (see package am's awaitDone), the poll
// is itself a same-node RMA GET.
func (t *Tree) spin(ctx context.Context, priv *task.Private, addr uint64) error {
	var buf [slotWidth]byte
	for {
		if err := t.rmaEng.Get(ctx, priv, buf[:], t.self, addr); err != nil {
			return err
		}
		if buf[0] != 0 {
			return nil
		}
		t.tasking.Yield()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Barrier implements the four-phase tree barrier of spec.md §4.10.
// Every node must call Barrier the same number of times in the same
// relative order; overlapping calls are not supported (the engine
// serialises barrier entry across tasks at a higher layer, e.g. one
// call per task-fence point).
func (t *Tree) Barrier(ctx context.Context, priv *task.Private) error {
	// Phase 1: wait for every live child's notify slot.
	for i, child := range t.children {
		addr := t.own.childNotifyBase + uint64(i)*slotWidth
		if err := t.spin(ctx, priv, addr); err != nil {
			return rterr.Wrap(rterr.BadState, fmt.Sprintf("barrier: waiting on child %d's notify", child), err)
		}
	}

	// Phase 2: non-root notifies its parent, then waits to be released.
	if t.parent >= 0 {
		idx := childIndex(t.parent, t.self)
		parentAddr := t.peers[t.parent].childNotifyBase + uint64(idx)*slotWidth
		if err := t.rmaEng.Put(ctx, priv, []byte{1}, t.parent, parentAddr); err != nil {
			return rterr.Wrap(rterr.BadState, "barrier: notifying parent failed", err)
		}
		if err := t.spin(ctx, priv, t.own.parentRelease); err != nil {
			return rterr.Wrap(rterr.BadState, "barrier: waiting on parent release", err)
		}
	}

	// Phase 3 (root) falls straight through to phase 4; phase 1 already
	// satisfied the root's wait-for-children condition.

	// Phase 4: zero this node's own bar_info block, then release every
	// live child.
	zero := make([]byte, FanOut*slotWidth+slotWidth)
	if err := t.rmaEng.Put(ctx, priv, zero, t.self, t.own.childNotifyBase); err != nil {
		return rterr.Wrap(rterr.BadState, "barrier: resetting own bar_info failed", err)
	}
	for _, child := range t.children {
		if err := t.rmaEng.Put(ctx, priv, []byte{1}, child, t.peers[child].parentRelease); err != nil {
			return rterr.Wrap(rterr.BadState, fmt.Sprintf("barrier: releasing child %d failed", child), err)
		}
	}
	return nil
}

// OOBBarrier uses the out-of-band channel instead of the split-phase
// tree barrier, required when called from the initializing thread or
// before any AM handler is alive (spec.md §4.10).
func (t *Tree) OOBBarrier(ctx context.Context) error {
	return t.oobCh.Barrier(ctx)
}

// Coordinator implements spec.md §4.10's shutdown sequence: node 0
// broadcasts opShutdown, then every node rendezvouses at the OOB
// barrier, then tears down its AM handler.
type Coordinator struct {
	self    int
	handler *am.Handler
	oobCh   oob.Channel
}

// NewCoordinator wires a Coordinator around handler, node 0's shutdown
// initiator and every node's shutdown-condition waiter.
func NewCoordinator(self int, handler *am.Handler, oobCh oob.Channel) *Coordinator {
	return &Coordinator{self: self, handler: handler, oobCh: oobCh}
}

// Shutdown runs the full sequence (spec.md §4.10): node 0 sends
// opShutdown to every other node; every other node blocks on its
// handler's shutdown condition; all nodes then rendezvous at the OOB
// barrier before tearing down their AM handler loop.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.self == 0 {
		if err := c.handler.Shutdown(ctx); err != nil {
			return rterr.Wrap(rterr.BadState, "barrier: shutdown broadcast failed", err)
		}
	} else {
		select {
		case <-c.handler.ShutdownRequested():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := c.oobCh.Barrier(ctx); err != nil {
		return rterr.Wrap(rterr.BadState, "barrier: shutdown OOB barrier failed", err)
	}
	c.handler.Stop()
	c.handler.Wait()
	return nil
}
