// Package rtstats implements the read-only counters of spec.md §3
// SUPPLEMENTED FEATURES: a Counters block updated with plain
// sync/atomic ops by the engines that own each event, and a Snapshot
// method returning a point-in-time copy for diagnostics.
package rtstats

import "sync/atomic"

// Counters aggregates runtime activity across one node's engines. Every
// field is safe for concurrent increment from any goroutine; Snapshot
// is the only safe way to read them as a consistent-enough whole (no
// cross-field atomicity is implied or needed, mirroring how the AM
// handler's own nextFid/nextCorr counters are read).
type Counters struct {
	putsIssued      atomic.Uint64
	putsCompleted   atomic.Uint64
	getsIssued      atomic.Uint64
	dummyGetsIssued atomic.Uint64
	amoNative       atomic.Uint64
	amoFallback     atomic.Uint64
	amRequests      [amOpcodeCount]atomic.Uint64
	barrierRounds   atomic.Uint64
	barrierNanos    atomic.Uint64
}

// amOpcodeCount bounds the per-opcode AM request counter array. Kept in
// this package (rather than importing internal/am's opcode type) to
// avoid a dependency from the stats leaf package back into the AM
// engine; callers index by the small integer opcode value.
const amOpcodeCount = 16

// Snapshot is a point-in-time copy of Counters, safe to log or compare.
type Snapshot struct {
	PutsIssued      uint64
	PutsCompleted   uint64
	GetsIssued      uint64
	DummyGetsIssued uint64
	AMONative       uint64
	AMOFallback     uint64
	AMRequests      [amOpcodeCount]uint64
	BarrierRounds   uint64
	BarrierNanos    uint64
}

func (c *Counters) RecordPutIssued()      { c.putsIssued.Add(1) }
func (c *Counters) RecordPutCompleted()   { c.putsCompleted.Add(1) }
func (c *Counters) RecordGetIssued()      { c.getsIssued.Add(1) }
func (c *Counters) RecordDummyGetIssued() { c.dummyGetsIssued.Add(1) }
func (c *Counters) RecordAMONative()      { c.amoNative.Add(1) }
func (c *Counters) RecordAMOFallback()    { c.amoFallback.Add(1) }

// RecordAMRequest tallies one AM request by opcode. Opcodes outside the
// tracked range are silently dropped rather than panicking: a counter
// overrun must never take down a comm operation (spec.md §7: user-facing
// calls do not surface internal bookkeeping failures).
func (c *Counters) RecordAMRequest(opcode int) {
	if opcode >= 0 && opcode < amOpcodeCount {
		c.amRequests[opcode].Add(1)
	}
}

// RecordBarrierPhase tallies one completed barrier round and its
// duration.
func (c *Counters) RecordBarrierPhase(nanos int64) {
	c.barrierRounds.Add(1)
	c.barrierNanos.Add(uint64(nanos))
}

// Snapshot copies every counter into a Snapshot.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		PutsIssued:      c.putsIssued.Load(),
		PutsCompleted:   c.putsCompleted.Load(),
		GetsIssued:      c.getsIssued.Load(),
		DummyGetsIssued: c.dummyGetsIssued.Load(),
		AMONative:       c.amoNative.Load(),
		AMOFallback:     c.amoFallback.Load(),
		BarrierRounds:   c.barrierRounds.Load(),
		BarrierNanos:    c.barrierNanos.Load(),
	}
	for i := range c.amRequests {
		s.AMRequests[i] = c.amRequests[i].Load()
	}
	return s
}
