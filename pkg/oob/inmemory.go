package oob

import (
	"context"
	"fmt"
	"sync"
)

// Hub is a shared rendezvous point for an in-process Channel set, used by
// tests and by single-process multi-node demos (cmd/rtnode) to simulate
// the out-of-band bootstrap without any real network transport.
type Hub struct {
	mu   sync.Mutex
	size int

	barrierGen  int
	barrierSeen int
	barrierCh   chan struct{}

	gatherGen  int
	gather     [][]byte
	gatherSeen int
	gatherDone chan struct{}

	bcastGen  int
	bcastBuf  []byte
	bcastSeen int
	bcastDone chan struct{}
}

// NewHub allocates a Hub for a job of size n.
func NewHub(n int) *Hub {
	return &Hub{
		size:       n,
		gather:     make([][]byte, n),
		barrierCh:  make(chan struct{}),
		gatherDone: make(chan struct{}),
		bcastDone:  make(chan struct{}),
	}
}

// Channel returns the Channel view for rank r.
func (h *Hub) Channel(r int) Channel {
	if r < 0 || r >= h.size {
		panic(fmt.Sprintf("oob: rank %d out of range [0,%d)", r, h.size))
	}
	return &inmemChannel{hub: h, rank: r}
}

type inmemChannel struct {
	hub  *Hub
	rank int
}

func (c *inmemChannel) Init(ctx context.Context) error { return nil }

func (c *inmemChannel) Rank() int { return c.rank }
func (c *inmemChannel) Size() int { return c.hub.size }

func (c *inmemChannel) AllGather(ctx context.Context, in []byte) ([][]byte, error) {
	h := c.hub
	h.mu.Lock()
	gen := h.gatherGen
	h.gather[c.rank] = in
	h.gatherSeen++
	last := h.gatherSeen == h.size
	var done chan struct{}
	if last {
		h.gatherGen++
		h.gatherSeen = 0
		done = h.gatherDone
		h.gatherDone = make(chan struct{})
		result := make([][]byte, h.size)
		copy(result, h.gather)
		h.gather = make([][]byte, h.size)
		h.mu.Unlock()
		close(done)
		return result, nil
	}
	done = h.gatherDone
	h.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gatherGen != gen+1 {
		return nil, fmt.Errorf("oob: all_gather generation mismatch")
	}
	result := make([][]byte, h.size)
	copy(result, h.gather)
	return result, nil
}

// Broadcast rendezvous every rank (including root) at a barrier-like
// gate, then returns the root's buf to all of them. The root's own buf
// parameter is what gets distributed; non-root callers' buf arguments
// are ignored, matching the donor-language bootstrap's "buffer, size"
// call where only the root's contents matter.
func (c *inmemChannel) Broadcast(ctx context.Context, root int, buf []byte) ([]byte, error) {
	h := c.hub
	h.mu.Lock()
	gen := h.bcastGen
	if c.rank == root {
		h.bcastBuf = buf
	}
	h.bcastSeen++
	last := h.bcastSeen == h.size
	var done chan struct{}
	if last {
		h.bcastGen++
		h.bcastSeen = 0
		done = h.bcastDone
		h.bcastDone = make(chan struct{})
		result := h.bcastBuf
		h.mu.Unlock()
		close(done)
		return result, nil
	}
	done = h.bcastDone
	h.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bcastGen != gen+1 {
		return nil, fmt.Errorf("oob: broadcast generation mismatch")
	}
	return h.bcastBuf, nil
}

func (c *inmemChannel) Barrier(ctx context.Context) error {
	h := c.hub
	h.mu.Lock()
	h.barrierSeen++
	var done chan struct{}
	if h.barrierSeen == h.size {
		h.barrierGen++
		h.barrierSeen = 0
		done = h.barrierCh
		h.barrierCh = make(chan struct{})
		h.mu.Unlock()
		close(done)
		return nil
	}
	done = h.barrierCh
	h.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	return nil
}

func (c *inmemChannel) Fini(ctx context.Context) error { return nil }
