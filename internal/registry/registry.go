// Package registry implements the Memory Registration Table of
// spec.md §4.2: scalable-mode universe registration or basic-mode
// explicit heap registration, followed by an out-of-band all-gather
// that replicates every node's region set locally.
package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pbnjay/memory"

	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/internal/rtlog"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/oob"
)

// MaxMR is the per-node entry cap of spec.md §4.2.
const MaxMR = 10

const entryWireSize = 8 + 8 + 8 // base, size, key

// Entry is one registered memory region as replicated across nodes.
type Entry struct {
	Base uint64
	Size uint64
	Key  fabric.RemoteKey
}

// contains reports whether [addr, addr+size) lies within e.
func (e Entry) contains(addr, size uint64) bool {
	if size == 0 {
		return addr >= e.Base && addr <= e.Base+e.Size
	}
	end := addr + size
	return addr >= e.Base && end <= e.Base+e.Size && end > addr
}

// Heap requests basic-mode registration of one fixed virtual-address
// window; a nil *Heap passed to Register means scalable mode.
type Heap struct {
	Base uint64
	Size uint64
}

// Table is the per-process replica of every node's registered region
// set, indexed by node id.
type Table struct {
	self      int
	byNode    [][]Entry
	localDesc []fabric.LocalDesc
	log       *rtlog.Logger
}

// NewTable allocates an empty Table for a job of size n, for node self.
func NewTable(self, n int, log *rtlog.Logger) *Table {
	if log == nil {
		log = rtlog.Discard()
	}
	return &Table{self: self, byNode: make([][]Entry, n), log: log}
}

// Register installs heap's region (or the scalable universe region if
// heap is nil) on provider, then all-gathers every node's region set
// over oobCh so Table agrees with spec.md §4.2's replication invariant.
func (t *Table) Register(ctx context.Context, provider fabric.Provider, oobCh oob.Channel, heap *Heap) error {
	var mr fabric.MemoryRegion
	var err error
	var entries []Entry

	if heap == nil {
		mr, err = provider.RegisterUniverse()
		if err != nil {
			return rterr.Wrap(rterr.BadState, "registry: scalable-mode universe registration failed", err)
		}
		entries = []Entry{{Base: 0, Size: math.MaxUint64, Key: mr.RemoteKey()}}
	} else {
		if heap.Size > totalSystemMemory() {
			t.log.Warning().Log("registry: requested heap exceeds detected system memory; registration will likely fail under real hardware")
		}
		mr, err = provider.RegisterHeap(heap.Base, heap.Size)
		if err != nil {
			return rterr.Wrap(rterr.BadState, "registry: basic-mode heap registration failed", err)
		}
		entries = []Entry{{Base: heap.Base, Size: heap.Size, Key: mr.RemoteKey()}}
	}
	if len(entries) > MaxMR {
		return rterr.New(rterr.BadState, fmt.Sprintf("registry: %d entries exceeds MAX_MR=%d", len(entries), MaxMR))
	}

	t.localDesc = []fabric.LocalDesc{mr.LocalDesc()}

	wire := encode(entries)
	gathered, err := oobCh.AllGather(ctx, wire)
	if err != nil {
		return rterr.Wrap(rterr.BadState, "registry: out-of-band all-gather of region tables failed", err)
	}
	for node, buf := range gathered {
		decoded, derr := decode(buf)
		if derr != nil {
			return rterr.Wrap(rterr.BadState, fmt.Sprintf("registry: decoding node %d's region table", node), derr)
		}
		t.byNode[node] = decoded
	}
	t.log.Info().Log("registry: region table exchange complete")
	return nil
}

// GetLocalDesc returns the registered local descriptor covering
// [addr, addr+size), if any.
func (t *Table) GetLocalDesc(addr, size uint64) (fabric.LocalDesc, bool) {
	entries := t.byNode[t.self]
	for i, e := range entries {
		if e.contains(addr, size) {
			return t.localDesc[i], true
		}
	}
	return 0, false
}

// GetRemoteKey returns (key, offset) for [addr, addr+size) on node, if
// some registered region on node covers it.
func (t *Table) GetRemoteKey(node int, addr, size uint64) (fabric.RemoteKey, uint64, bool) {
	if node < 0 || node >= len(t.byNode) {
		return 0, 0, false
	}
	for _, e := range t.byNode[node] {
		if e.contains(addr, size) {
			return e.Key, addr - e.Base, true
		}
	}
	return 0, 0, false
}

func encode(entries []Entry) []byte {
	buf := make([]byte, 1+len(entries)*entryWireSize)
	buf[0] = byte(len(entries))
	off := 1
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], e.Base)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Size)
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(e.Key))
		off += entryWireSize
	}
	return buf
}

func decode(buf []byte) ([]Entry, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("registry: empty region table wire payload")
	}
	n := int(buf[0])
	want := 1 + n*entryWireSize
	if len(buf) != want {
		return nil, fmt.Errorf("registry: region table wire payload length %d, want %d for %d entries", len(buf), want, n)
	}
	entries := make([]Entry, n)
	off := 1
	for i := range entries {
		entries[i] = Entry{
			Base: binary.LittleEndian.Uint64(buf[off:]),
			Size: binary.LittleEndian.Uint64(buf[off+8:]),
			Key:  fabric.RemoteKey(binary.LittleEndian.Uint64(buf[off+16:])),
		}
		off += entryWireSize
	}
	return entries, nil
}

// totalSystemMemory reports the host's total RAM, used only to emit an
// early diagnostic for an obviously oversized basic-mode heap request.
func totalSystemMemory() uint64 {
	return memory.TotalMemory()
}
