// Package task declares the tasking-layer service-provider interface that
// spec.md §6 treats as an external collaborator (task creation, yielding,
// task-private storage), plus a default goroutine-pool implementation so
// the rest of the runtime is runnable standalone (spec.md §3 SUPPLEMENTED
// FEATURES).
//
// Go has no first-class notion of "the currently running task" separate
// from the goroutine, and no task-local storage primitive analogous to
// the donor language's task-private block. Rather than fake one with a
// goroutine-id-keyed global map (fragile, and goroutine ids are not a
// supported API), task-private state is threaded explicitly via
// context.Context, the idiomatic Go equivalent: every blocking entry
// point in this runtime accepts a ctx carrying a *Private, installed by
// Tasking.CreateCommTask / Tasking.StartMovedTask / Bind.
package task

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/fabriccomm/corert/internal/bitset"
)

// Private is the task-private block of spec.md §3: a pending-done
// pointer, a delayed-done flag, a task-ending flag, and a put_bitmap.
// AmDone is a single byte per spec.md §6's wire-format note; it is the
// target of a remote one-byte PUT (spec.md §4.8), so it is backed by a
// byte array suitable for memory registration rather than a bool.
type Private struct {
	mu sync.Mutex

	// AmDone is written 1 by a remote completion PUT; readers spin on it.
	AmDone [1]byte

	// AmDonePending holds the address of a delayed-done target installed
	// by a non-blocking-until-later AMO (spec.md §9, Delayed blocking AMs).
	amDonePending *[1]byte

	// TaskIsEnding gates the single-shot cleanup run at task end.
	taskIsEnding atomic.Bool

	// PutBitmap records nodes with unflushed PUTs (spec.md §4.5).
	PutBitmap *bitset.Set

	// Batches holds the three task-local batch buffers of spec.md §4.9,
	// addressed by batch.Kind; stored as `any` here to avoid an import
	// cycle with the generic package that defines the concrete buffer
	// type, and type-asserted by package batch itself.
	Batches [3]any

	// TCICache is package tci's "last TCI used by this thread" cache
	// (spec.md §4.4). Since Go has no stable thread identity to key a
	// cache by, and this runtime already threads task identity via
	// context instead of TLS, the cache is hung directly off the
	// task-private block rather than a goroutine-id map; stored as
	// `any` to avoid an import cycle with package tci.
	TCICache any
}

// NewPrivate allocates task-private state for a job size of n nodes.
func NewPrivate(n int) *Private {
	return &Private{PutBitmap: bitset.New(n)}
}

// SetDelayedDone installs done as the target of a not-yet-awaited
// completion, per spec.md §9 (Delayed blocking AMs).
func (p *Private) SetDelayedDone(done *[1]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.amDonePending = done
}

// TakeDelayedDone returns and clears the pending delayed-done target, if
// any.
func (p *Private) TakeDelayedDone() *[1]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.amDonePending
	p.amDonePending = nil
	return d
}

// IsEnding reports whether the task has begun winding down.
func (p *Private) IsEnding() bool { return p.taskIsEnding.Load() }

// MarkEnding flags the task as ending; returns false if already marked,
// so callers can run single-shot cleanup exactly once.
func (p *Private) MarkEnding() bool { return p.taskIsEnding.CompareAndSwap(false, true) }

type ctxKey struct{}

// WithPrivate returns a context carrying p as the active task-private
// block.
func WithPrivate(ctx context.Context, p *Private) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext retrieves the task-private block installed by WithPrivate,
// lazily creating one sized for n nodes if absent (spec.md §3: "created
// lazily on first use").
func FromContext(ctx context.Context, n int) (*Private, context.Context) {
	if p, ok := ctx.Value(ctxKey{}).(*Private); ok {
		return p, ctx
	}
	p := NewPrivate(n)
	return p, WithPrivate(ctx, p)
}

// Tasking is the service-provider interface spec.md §6 requires of the
// external tasking layer.
type Tasking interface {
	// CreateCommTask spawns fn as a new task running concurrently with
	// the caller, used by the AM handler to run ExecOn bodies
	// (spec.md §4.8).
	CreateCommTask(ctx context.Context, fn func(ctx context.Context))

	// StartMovedTask spawns fn with a relocated payload (a large ExecOn
	// whose bytes have already been GET'd onto this node), identified by
	// fid/sublocale/taskID for diagnostics.
	StartMovedTask(ctx context.Context, fid uint64, fn func(ctx context.Context, arg []byte), arg []byte, sublocale int, taskID uint64)

	// Yield relinquishes the processor, used in spin loops awaiting a
	// done flag, a child-notify byte, or a free TCI slot (spec.md §5).
	Yield()

	// IsFixedThread reports whether the calling thread is permanently
	// associated with a task for the lifetime of the process
	// (spec.md §4.4, §9).
	IsFixedThread(ctx context.Context) bool

	// FixedNumThreads returns the number of fixed threads, if the
	// tasking layer declares one; 0 means "not fixed-thread".
	FixedNumThreads() int

	// MaxParallelism returns the tasking layer's notion of maximum
	// useful parallelism (spec.md §4.3's max_parallelism cap).
	MaxParallelism() int
}

// Pool is the default Tasking implementation: a fixed set of worker
// goroutines (IsFixedThread() == true within them) plus unboundedly many
// floating goroutines spawned by CreateCommTask/StartMovedTask.
type Pool struct {
	fixed    int
	maxPar   int
	nextTask atomic.Uint64
}

// NewPool builds a Pool declaring `fixed` fixed worker threads. If fixed
// <= 0, the tasking layer is reported as not having a fixed thread count
// (IsFixedThread always false), matching the "else" branch of spec.md
// §4.3's init_ofiEpNumCtxs sizing rule.
func NewPool(fixed int) *Pool {
	maxPar := runtime.GOMAXPROCS(0)
	if fixed > maxPar {
		maxPar = fixed
	}
	return &Pool{fixed: fixed, maxPar: maxPar}
}

type fixedThreadKey struct{}

// BindFixed returns a context flagged as running on a fixed thread, for
// use by callers that pre-dedicate a goroutine to a worker role (the Go
// analogue of a pinned OS thread).
func BindFixed(ctx context.Context) context.Context {
	return context.WithValue(ctx, fixedThreadKey{}, true)
}

func (p *Pool) CreateCommTask(ctx context.Context, fn func(ctx context.Context)) {
	taskCtx := context.WithValue(ctx, fixedThreadKey{}, false)
	go func() {
		defer func() { recover() }() // an AM body panic must not take down the handler
		fn(taskCtx)
	}()
}

func (p *Pool) StartMovedTask(ctx context.Context, fid uint64, fn func(ctx context.Context, arg []byte), arg []byte, sublocale int, taskID uint64) {
	taskCtx := context.WithValue(ctx, fixedThreadKey{}, false)
	go func() {
		defer func() { recover() }()
		fn(taskCtx, arg)
	}()
}

func (p *Pool) Yield() { runtime.Gosched() }

func (p *Pool) IsFixedThread(ctx context.Context) bool {
	v, _ := ctx.Value(fixedThreadKey{}).(bool)
	return v
}

func (p *Pool) FixedNumThreads() int { return p.fixed }

func (p *Pool) MaxParallelism() int { return p.maxPar }

// NextTaskID vends monotonically increasing task identifiers for
// StartMovedTask diagnostics.
func (p *Pool) NextTaskID() uint64 { return p.nextTask.Add(1) }
