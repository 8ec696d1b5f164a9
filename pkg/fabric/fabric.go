// Package fabric declares the service-provider interface for the fabric
// transport library that spec.md §1 names as an external collaborator:
// reliable datagram endpoints, RMA verbs, remote atomics, memory
// registration, and event completion queues/counters.
//
// No concrete hardware binding is implemented here (out of scope per
// spec.md §1); package simfabric provides a reference in-process
// implementation sufficient to drive and test every CORE component
// (spec.md §2) without real RDMA hardware. A production build supplies
// a cgo binding to a real fabric implementing this same interface.
package fabric

import (
	"context"
	"errors"
	"time"
)

// Caps is a bitmask of requested/offered capabilities (spec.md §4.1).
type Caps uint32

const (
	CapMsg Caps = 1 << iota
	CapMultiRecv
	CapRMA
	CapAtomic
	CapLocalComm
	CapRemoteComm
)

// Has reports whether c contains every bit in want.
func (c Caps) Has(want Caps) bool { return c&want == want }

// OpFlags mirrors the provider op_flags bitmask of spec.md §4.1.
type OpFlags uint32

const (
	// FlagDeliveryComplete is set on a provider whose completion
	// semantics already imply the target has received the data
	// (spec.md §4.1, GLOSSARY: Delivery-complete).
	FlagDeliveryComplete OpFlags = 1 << iota
)

// Datatype is the atomic datatype set probed in spec.md §4.7.
type Datatype int

const (
	DatatypeI32 Datatype = iota
	DatatypeU32
	DatatypeI64
	DatatypeU64
	DatatypeF32
	DatatypeF64
)

func (d Datatype) String() string {
	return [...]string{"i32", "u32", "i64", "u64", "f32", "f64"}[d]
}

// Size returns the datatype's width in bytes.
func (d Datatype) Size() int {
	switch d {
	case DatatypeI32, DatatypeU32, DatatypeF32:
		return 4
	default:
		return 8
	}
}

// IsFloat reports whether d is a floating-point datatype.
func (d Datatype) IsFloat() bool { return d == DatatypeF32 || d == DatatypeF64 }

// AtomicOp is the atomic operation set of spec.md §4.7: sum/bor/band/bxor/
// write/read/cswap for integers, sum/write/read/cswap for floats.
type AtomicOp int

const (
	AtomicSum AtomicOp = iota
	AtomicBor
	AtomicBand
	AtomicBxor
	AtomicWrite
	AtomicRead
	AtomicCswap
)

func (op AtomicOp) String() string {
	return [...]string{"sum", "bor", "band", "bxor", "write", "read", "cswap"}[op]
}

// ValidForFloat reports whether op is in the float-eligible operation
// subset (spec.md §4.7: "sum/write/read/cswap for floats").
func (op AtomicOp) ValidForFloat() bool {
	switch op {
	case AtomicSum, AtomicWrite, AtomicRead, AtomicCswap:
		return true
	default:
		return false
	}
}

// Hints models the capability/endpoint/threading hints constructed by
// provider selection (spec.md §4.1 step 1).
type Hints struct {
	Caps                    Caps
	RequireDeliveryComplete bool
	RequireMessageOrder     bool
	PreferGoodProvider      bool
}

// Info describes one candidate provider instance, as returned by
// Universe.Query.
type Info struct {
	ProviderName string

	// Good reports whether this is a "preferred" (non-loopback,
	// non-TCP) provider, per spec.md §4.1 step 3.
	Good bool

	// DeliveryCompleteCapable reports whether the provider advertises
	// delivery-complete support.
	DeliveryCompleteCapable bool

	// DeliveryCompleteTrustworthy is false for utility-stacked providers
	// known to advertise delivery-complete without implementing it
	// correctly (spec.md §4.1 step 4).
	DeliveryCompleteTrustworthy bool

	// MessageOrderCapable reports RAW/WAW/SAW ordering on tx->rx
	// endpoint pairs (spec.md §4.1 step 2, GLOSSARY: Message-order).
	MessageOrderCapable bool

	MaxMsgSize  int
	InjectSize  int
	MaxTxCtx    int
	MaxEpCtx    int
	OpFlags     OpFlags
	WaitSetable bool // supports an efficient poll/wait set (spec.md §4.3)
}

// AVAddr is an opaque address-vector handle for one remote endpoint.
type AVAddr uint64

// RemoteKey identifies a registered remote memory region (spec.md §3).
type RemoteKey uint64

// LocalDesc identifies a registered local memory region.
type LocalDesc uint64

// MemoryRegion is a single registered region (spec.md §3).
type MemoryRegion interface {
	LocalDesc() LocalDesc
	RemoteKey() RemoteKey
	Base() uint64
	Size() uint64
}

// RxKind distinguishes the two RX endpoints of spec.md §4.3.
type RxKind int

const (
	RxAM RxKind = iota
	RxRMA
)

// RxEvent is a single event observed on an RX endpoint.
type RxEvent struct {
	Kind       RxEventKind
	Data       []byte // payload for FI_RECV; nil for FI_MULTI_RECV
	BufferTag  int    // which landing-zone buffer this event/drain refers to
	SourceAddr AVAddr
}

type RxEventKind int

const (
	// EventRecv is a completed receive (spec.md §4.8: FI_RECV).
	EventRecv RxEventKind = iota
	// EventMultiRecvDrained signals a landing-zone buffer is exhausted
	// and must be reposted (spec.md §4.8: FI_MULTI_RECV).
	EventMultiRecvDrained
)

// RxEndpoint is the multi-receive landing zone described in spec.md §3/§4.8.
type RxEndpoint interface {
	// LocalName returns the raw endpoint-name bytes a peer's
	// AddressVector.Insert can resolve back to this endpoint; this is
	// what gets exchanged over the out-of-band channel during
	// spec.md §4.3 construction.
	LocalName() []byte

	// PostMultiRecv posts buf as a new landing-zone buffer. The
	// invariant of spec.md §3 (at least one buffer posted at all
	// times) is the caller's (package am's) responsibility to uphold
	// across two alternating buffers.
	PostMultiRecv(buf []byte) error

	// Events delivers RxEvent values as they occur. Reading from this
	// channel is itself the "poll" operation for this endpoint; used
	// directly by the wait-set-capable handler loop (select), and
	// drained non-blockingly (via a default case) by the
	// explicit-polling fallback loop.
	Events() <-chan RxEvent

	Close() error
}

// Completion is returned by a non-injected TxContext operation; Wait
// blocks until the provider reports the operation complete according to
// its completion semantics (delivery-complete or message-order).
type Completion interface {
	Wait(ctx context.Context) error
	Done() bool
}

// OpOptions configures one TxContext submission.
type OpOptions struct {
	// Inject requests inject semantics: no completion is generated, the
	// call returns once the data is copied out of the caller's buffer
	// (spec.md §4.6 PUT step 2, §4.8 step 4).
	Inject bool

	// More flags this as part of a vectorised batch (spec.md §4.7, §4.9):
	// the provider should not expect a completion per call; the caller
	// will Drain the context afterward.
	More bool

	// CompletionCtx is opaque caller data returned verbatim on whichever
	// Completion.Wait / polled CQ entry corresponds to this op,
	// implementing the tagged context-pointer concept of spec.md §4.8 /
	// §9 via an explicit sum type rather than a pointer-tagging trick.
	CompletionCtx any
}

// AtomicRequest describes one remote AMO submission (spec.md §4.7).
type AtomicRequest struct {
	Op       AtomicOp
	Datatype Datatype
	Operand1 []byte // width must equal Datatype.Size()
	Operand2 []byte // comparator for Cswap; nil otherwise
	Fetch    bool   // whether a prior value must be returned
}

// TxContext is one transmit-context entry's fabric-level handle — the
// thing a tci.Entry wraps (spec.md §3 TCI, §4.4).
type TxContext interface {
	Put(ctx context.Context, local []byte, dest AVAddr, key RemoteKey, offset uint64, opts OpOptions) (Completion, error)
	Get(ctx context.Context, local []byte, dest AVAddr, key RemoteKey, offset uint64, opts OpOptions) (Completion, error)
	SendAM(ctx context.Context, dest AVAddr, payload []byte, opts OpOptions) (Completion, error)
	Atomic(ctx context.Context, dest AVAddr, key RemoteKey, offset uint64, req AtomicRequest, result []byte, opts OpOptions) (Completion, error)

	// Drain flushes any batched ("More") submissions as one vectorised
	// wire operation (spec.md §4.9).
	Drain(ctx context.Context) error

	// Progress drives provider internals without blocking; the TCI's
	// ensure_progress_fn (spec.md §3, §5).
	Progress()

	// PollCQ is the explicit-polling fallback for providers without a
	// wait-settable CQ (spec.md §4.8 Handler loop, §9).
	PollCQ(max int) []CQEvent

	Close() error
}

// CQEvent is one polled completion-queue entry.
type CQEvent struct {
	CompletionCtx any
	Err           error
}

// AddressVector resolves opaque endpoint names to AVAddr handles
// (spec.md §4.3).
type AddressVector interface {
	Insert(epName []byte) (AVAddr, error)
	Size() int
}

// PollSet is the optional poll/wait set of spec.md §4.3/§4.8.
type PollSet interface {
	// Wait blocks up to timeout for any constituent object to become
	// ready, returning the indices of ready constituents (empty on
	// timeout).
	Wait(timeout time.Duration) ([]int, error)
	Close() error
}

// Provider is a single selected provider instance (spec.md §4.1).
type Provider interface {
	Name() string
	Info() Info

	OpenAddressVector(capacity int) (AddressVector, error)

	// OpenTxContexts opens n transmit contexts against av. Whether this
	// is backed by one scalable endpoint or n independent endpoints is
	// an implementation detail of the provider (spec.md §4.3).
	OpenTxContexts(n int, av AddressVector) ([]TxContext, error)

	OpenRxEndpoint(kind RxKind, av AddressVector) (RxEndpoint, error)

	// RegisterUniverse installs the scalable-mode universe region,
	// key=0, base=0, covering all of address space (spec.md §4.2).
	RegisterUniverse() (MemoryRegion, error)

	// RegisterHeap registers an explicit basic-mode heap region.
	RegisterHeap(base uint64, size uint64) (MemoryRegion, error)

	// ProbeAtomic reports whether the provider natively implements op
	// on dt (spec.md §4.7's is_atomic_valid probe set).
	ProbeAtomic(dt Datatype, op AtomicOp) bool

	Close() error
}

// Universe is the fabric-wide entry point queried by provider selection
// (spec.md §4.1): it enumerates candidate provider instances matching
// Hints.
type Universe interface {
	Query(hints Hints) ([]Info, error)
	Open(info Info) (Provider, error)
}

// ErrUnsupported is returned by optional-capability methods (poll sets,
// counters) when the provider does not implement them.
var ErrUnsupported = errors.New("fabric: unsupported by this provider")
