// Package oob declares the out-of-band bootstrap channel spec.md §6
// treats as an external collaborator, used once at startup for
// address/key exchange and once more during shutdown (spec.md §4.10).
package oob

import "context"

// Channel is the five-call out-of-band bootstrap interface of spec.md §6.
type Channel interface {
	// Init establishes the channel; must be called before any other method.
	Init(ctx context.Context) error

	// AllGather exchanges in across every node, returning one slice per
	// node ordered by rank (out[r] is the `in` value contributed by rank
	// r). Every node must call AllGather with a same-sized in, the
	// required precondition for the memory-registration-table exchange
	// of spec.md §4.2.
	AllGather(ctx context.Context, in []byte) ([][]byte, error)

	// Broadcast sends buf from root to every other node, returning the
	// root's buf unchanged on every node (including root).
	Broadcast(ctx context.Context, root int, buf []byte) ([]byte, error)

	// Barrier blocks until every node has called Barrier, used during
	// shutdown (spec.md §4.10) and whenever a real split-phase barrier
	// cannot yet be used (before any AM handler is alive, or from the
	// initializing thread).
	Barrier(ctx context.Context) error

	// Fini tears down the channel. Safe to call once, after which no
	// other method may be called.
	Fini(ctx context.Context) error

	// Rank returns this node's id in [0, Size()).
	Rank() int

	// Size returns the job size N.
	Size() int
}
