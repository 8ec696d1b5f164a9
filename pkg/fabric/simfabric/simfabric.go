// Package simfabric is the in-process reference implementation of the
// pkg/fabric SPI (spec.md §1's external fabric-transport collaborator).
// It has no hardware binding: every node lives in the same process and
// "remote" memory is an ordinary Go byte slice guarded by a mutex. It
// exists so every CORE component (selector, registry, epfabric, tci,
// ordering, rma, amo, am, batch, barrier) can be built and tested
// without real RDMA hardware.
//
// Completions are synchronous: Put/Get/Atomic apply immediately unless
// submitted with OpOptions.More, in which case they queue until the
// next Drain (spec.md §4.9's vectorised batch). This collapses the
// real asynchronous delivery-complete/message-order distinction down
// to "already true by construction" — package internal/ordering still
// issues the dummy-GET flush spec.md §4.5 mandates, and its behavior is
// exercised and asserted by call counting in tests, even though
// simfabric itself needs no flush to be correct.
package simfabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/fabriccomm/corert/pkg/fabric"
)

// Network is the shared switch every simulated node registers with.
// Tests and cmd/rtnode construct one Network and call NewProvider once
// per simulated rank.
type Network struct {
	mu     sync.Mutex
	byName map[string]*node
	byAddr []*node
}

// NewNetwork allocates an empty Network.
func NewNetwork() *Network {
	return &Network{byName: make(map[string]*node)}
}

type node struct {
	mu      sync.Mutex
	name    string
	addr    fabric.AVAddr
	regions map[fabric.RemoteKey]*region
	nextKey uint64
	nextDsc uint64
	amRx    *rxEndpoint
	rmaRx   *rxEndpoint
}

type region struct {
	data []byte
	base uint64
	key  fabric.RemoteKey
	desc fabric.LocalDesc
}

func (r *region) LocalDesc() fabric.LocalDesc  { return r.desc }
func (r *region) RemoteKey() fabric.RemoteKey  { return r.key }
func (r *region) Base() uint64                 { return r.base }
func (r *region) Size() uint64                 { return uint64(len(r.data)) }

// Option configures a Provider at construction.
type Option func(*Provider)

// WithUniverseSize sets the backing arena size for RegisterUniverse.
// Real scalable-mode registration covers the whole process address
// space; simfabric must pre-size an arena instead (default 1MiB).
func WithUniverseSize(n int) Option {
	return func(p *Provider) { p.universeSize = n }
}

// NewProvider registers a new simulated node named name on net and
// returns its Provider handle. name must be unique within net; it is
// the value passed to AddressVector.Insert by peers wishing to reach
// this node.
func (net *Network) NewProvider(name string, opts ...Option) (*Provider, error) {
	net.mu.Lock()
	if _, exists := net.byName[name]; exists {
		net.mu.Unlock()
		return nil, fmt.Errorf("simfabric: duplicate provider name %q", name)
	}
	nd := &node{name: name, regions: make(map[fabric.RemoteKey]*region)}
	nd.addr = fabric.AVAddr(len(net.byAddr))
	net.byAddr = append(net.byAddr, nd)
	net.byName[name] = nd
	net.mu.Unlock()

	p := &Provider{
		net:          net,
		nd:           nd,
		universeSize: 1 << 20,
	}
	for _, o := range opts {
		o(p)
	}
	p.info = fabric.Info{
		ProviderName:                "simfabric",
		Good:                        true,
		DeliveryCompleteCapable:     true,
		DeliveryCompleteTrustworthy: true,
		MessageOrderCapable:         true,
		MaxMsgSize:                  1 << 20,
		InjectSize:                  4096,
		MaxTxCtx:                    64,
		MaxEpCtx:                    64,
		WaitSetable:                 true,
	}
	return p, nil
}

// Provider is the simfabric implementation of fabric.Provider.
type Provider struct {
	net          *Network
	nd           *node
	info         fabric.Info
	universeSize int
}

func (p *Provider) Name() string      { return p.nd.name }
func (p *Provider) Info() fabric.Info { return p.info }

func (p *Provider) OpenAddressVector(capacity int) (fabric.AddressVector, error) {
	return &addressVector{net: p.net}, nil
}

func (p *Provider) OpenTxContexts(n int, av fabric.AddressVector) ([]fabric.TxContext, error) {
	out := make([]fabric.TxContext, n)
	for i := range out {
		out[i] = &txContext{net: p.net, src: p.nd}
	}
	return out, nil
}

func (p *Provider) OpenRxEndpoint(kind fabric.RxKind, av fabric.AddressVector) (fabric.RxEndpoint, error) {
	p.nd.mu.Lock()
	var rx **rxEndpoint
	var suffix string
	switch kind {
	case fabric.RxAM:
		rx, suffix = &p.nd.amRx, "#am"
	case fabric.RxRMA:
		rx, suffix = &p.nd.rmaRx, "#rma"
	default:
		p.nd.mu.Unlock()
		return nil, fmt.Errorf("simfabric: unknown rx kind %d", kind)
	}
	existing := *rx
	name := p.nd.name + suffix
	p.nd.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	// Register the synthetic per-kind name as an alias resolving to
	// this same node, so a peer's AddressVector.Insert(name) can find
	// it (spec.md §4.3's two-entries-per-node addressing).
	p.net.mu.Lock()
	p.net.byName[name] = p.nd
	p.net.mu.Unlock()

	ep := newRxEndpoint(name)
	p.nd.mu.Lock()
	*rx = ep
	p.nd.mu.Unlock()
	return ep, nil
}

func (p *Provider) RegisterUniverse() (fabric.MemoryRegion, error) {
	return p.RegisterHeap(0, uint64(p.universeSize))
}

func (p *Provider) RegisterHeap(base uint64, size uint64) (fabric.MemoryRegion, error) {
	p.nd.mu.Lock()
	defer p.nd.mu.Unlock()
	key := fabric.RemoteKey(p.nd.nextKey)
	p.nd.nextKey++
	desc := fabric.LocalDesc(p.nd.nextDsc)
	p.nd.nextDsc++
	r := &region{data: make([]byte, size), base: base, key: key, desc: desc}
	p.nd.regions[key] = r
	return r, nil
}

func (p *Provider) ProbeAtomic(dt fabric.Datatype, op fabric.AtomicOp) bool {
	if dt.IsFloat() {
		return op.ValidForFloat()
	}
	return true
}

func (p *Provider) Close() error { return nil }

type addressVector struct {
	net *Network
	mu  sync.Mutex
	n   int
}

func (a *addressVector) Insert(epName []byte) (fabric.AVAddr, error) {
	a.net.mu.Lock()
	nd, ok := a.net.byName[string(epName)]
	a.net.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("simfabric: unknown endpoint name %q", epName)
	}
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
	return nd.addr, nil
}

func (a *addressVector) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

type rxEndpoint struct {
	name   string
	mu     sync.Mutex
	buf    []byte
	off    int
	events chan fabric.RxEvent
	closed bool
}

func newRxEndpoint(name string) *rxEndpoint {
	return &rxEndpoint{name: name, events: make(chan fabric.RxEvent, 256)}
}

func (r *rxEndpoint) LocalName() []byte { return []byte(r.name) }

func (r *rxEndpoint) PostMultiRecv(buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("simfabric: rx endpoint closed")
	}
	r.buf = buf
	r.off = 0
	return nil
}

func (r *rxEndpoint) Events() <-chan fabric.RxEvent { return r.events }

func (r *rxEndpoint) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

// deliver emulates one AM landing in this endpoint's multi-recv buffer.
// It always surfaces the payload (the byte-accounting of a real landing
// zone is not modeled); once remaining capacity can no longer fit the
// next message it also emits EventMultiRecvDrained so callers exercise
// the repost-before-exhausted discipline spec.md §3/§4.8 requires.
func (r *rxEndpoint) deliver(payload []byte, src fabric.AVAddr) {
	r.mu.Lock()
	remaining := len(r.buf) - r.off
	drained := remaining < len(payload)
	if !drained {
		r.off += len(payload)
	}
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	cp := append([]byte(nil), payload...)
	r.events <- fabric.RxEvent{Kind: fabric.EventRecv, Data: cp, SourceAddr: src}
	if drained {
		r.events <- fabric.RxEvent{Kind: fabric.EventMultiRecvDrained}
	}
}

type completion struct {
	done chan struct{}
	err  error
}

func newCompletion() *completion { return &completion{done: make(chan struct{})} }

func (c *completion) finish(err error) {
	c.err = err
	close(c.done)
}

func (c *completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *completion) Done() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type pendingOp struct {
	apply func() error
	comp  *completion
}

// txContext is the simfabric TxContext: one simulated transmit context
// entry, shared across however many tci.Entry slots wrap it.
type txContext struct {
	net *Network
	src *node

	mu      sync.Mutex
	pending []pendingOp
}

func (t *txContext) resolveDest(addr fabric.AVAddr) (*node, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if int(addr) < 0 || int(addr) >= len(t.net.byAddr) {
		return nil, fmt.Errorf("simfabric: address %d not on this network", addr)
	}
	return t.net.byAddr[addr], nil
}

func (t *txContext) submit(apply func() error, opts fabric.OpOptions) (fabric.Completion, error) {
	if opts.More {
		c := newCompletion()
		t.mu.Lock()
		t.pending = append(t.pending, pendingOp{apply: apply, comp: c})
		t.mu.Unlock()
		return c, nil
	}
	err := apply()
	if opts.Inject {
		return nil, err
	}
	c := newCompletion()
	c.finish(err)
	return c, err
}

func (t *txContext) Put(ctx context.Context, local []byte, dest fabric.AVAddr, key fabric.RemoteKey, offset uint64, opts fabric.OpOptions) (fabric.Completion, error) {
	nd, err := t.resolveDest(dest)
	if err != nil {
		return nil, err
	}
	apply := func() error {
		nd.mu.Lock()
		defer nd.mu.Unlock()
		r, ok := nd.regions[key]
		if !ok {
			return fmt.Errorf("simfabric: unknown remote key %d on %s", key, nd.name)
		}
		if offset+uint64(len(local)) > uint64(len(r.data)) {
			return fmt.Errorf("simfabric: put out of bounds on %s", nd.name)
		}
		copy(r.data[offset:], local)
		return nil
	}
	return t.submit(apply, opts)
}

func (t *txContext) Get(ctx context.Context, local []byte, dest fabric.AVAddr, key fabric.RemoteKey, offset uint64, opts fabric.OpOptions) (fabric.Completion, error) {
	nd, err := t.resolveDest(dest)
	if err != nil {
		return nil, err
	}
	apply := func() error {
		nd.mu.Lock()
		defer nd.mu.Unlock()
		r, ok := nd.regions[key]
		if !ok {
			return fmt.Errorf("simfabric: unknown remote key %d on %s", key, nd.name)
		}
		if offset+uint64(len(local)) > uint64(len(r.data)) {
			return fmt.Errorf("simfabric: get out of bounds on %s", nd.name)
		}
		copy(local, r.data[offset:offset+uint64(len(local))])
		return nil
	}
	return t.submit(apply, opts)
}

func (t *txContext) SendAM(ctx context.Context, dest fabric.AVAddr, payload []byte, opts fabric.OpOptions) (fabric.Completion, error) {
	nd, err := t.resolveDest(dest)
	if err != nil {
		return nil, err
	}
	srcAddr := t.src.addr
	apply := func() error {
		nd.mu.Lock()
		rx := nd.amRx
		nd.mu.Unlock()
		if rx == nil {
			return fmt.Errorf("simfabric: %s has no AM rx endpoint open", nd.name)
		}
		rx.deliver(payload, srcAddr)
		return nil
	}
	return t.submit(apply, opts)
}

func (t *txContext) Atomic(ctx context.Context, dest fabric.AVAddr, key fabric.RemoteKey, offset uint64, req fabric.AtomicRequest, result []byte, opts fabric.OpOptions) (fabric.Completion, error) {
	nd, err := t.resolveDest(dest)
	if err != nil {
		return nil, err
	}
	apply := func() error {
		nd.mu.Lock()
		defer nd.mu.Unlock()
		r, ok := nd.regions[key]
		if !ok {
			return fmt.Errorf("simfabric: unknown remote key %d on %s", key, nd.name)
		}
		sz := req.Datatype.Size()
		if offset+uint64(sz) > uint64(len(r.data)) {
			return fmt.Errorf("simfabric: atomic out of bounds on %s", nd.name)
		}
		cur := r.data[offset : offset+uint64(sz)]
		prior := append([]byte(nil), cur...)
		next, err := applyAtomicOp(req, cur)
		if err != nil {
			return err
		}
		if req.Op != fabric.AtomicRead {
			copy(cur, next)
		}
		if req.Fetch && result != nil {
			copy(result, prior)
		}
		return nil
	}
	return t.submit(apply, opts)
}

func (t *txContext) Drain(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	var firstErr error
	for _, op := range pending {
		err := op.apply()
		op.comp.finish(err)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *txContext) Progress() {}

func (t *txContext) PollCQ(max int) []fabric.CQEvent { return nil }

func (t *txContext) Close() error { return nil }
