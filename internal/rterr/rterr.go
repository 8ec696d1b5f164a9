// Package rterr implements the error-kind taxonomy of spec.md §7.
//
// User-facing calls never return fabric errors (spec.md §7, Propagation):
// every Kind below is fatal from the caller's perspective, and the single
// choke point is Abort. Transient is the one kind that is retried
// internally rather than surfaced; it never reaches Abort.
package rterr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds of spec.md §7.
type Kind int

const (
	// NoProvider: provider selection yielded nothing (spec.md §4.1).
	NoProvider Kind = iota
	// Transient: fabric returned "again"; retried internally after a
	// progress call. Never reaches Abort directly.
	Transient
	// Truncation: a multi-receive buffer overflowed.
	Truncation
	// OpenFileLimit: the provider exhausted the process's open-file limit.
	OpenFileLimit
	// BadState: a violated invariant.
	BadState
)

func (k Kind) String() string {
	switch k {
	case NoProvider:
		return "NoProvider"
	case Transient:
		return "Transient"
	case Truncation:
		return "Truncation"
	case OpenFileLimit:
		return "OpenFileLimit"
	case BadState:
		return "BadState"
	default:
		return "Unknown"
	}
}

// FatalError wraps a Kind and the underlying cause. Every package that
// detects one of these conditions constructs a FatalError and funnels it
// through Abort (see Runtime.Abort), rather than returning it up the call
// stack to user code.
type FatalError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corert: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("corert: %s: %s", e.Kind, e.Msg)
}

func (e *FatalError) Unwrap() error { return e.Err }

// New constructs a FatalError of the given kind.
func New(kind Kind, msg string) *FatalError {
	return &FatalError{Kind: kind, Msg: msg}
}

// Wrap constructs a FatalError of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *FatalError {
	return &FatalError{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is a FatalError of the given kind, supporting
// errors.Is(err, rterr.NoProvider) via a sentinel comparator.
func Is(err error, kind Kind) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// OpenFileLimitDiagnostic builds the diagnostic message required by
// spec.md §7 / §8 scenario F: it must name N, numTxCtxs, and the system
// open-file limit.
func OpenFileLimitDiagnostic(n, numTxCtxs int, ulimit uint64) string {
	return fmt.Sprintf(
		"open file limit exhausted opening endpoints for %d nodes x %d tx contexts each "+
			"(ulimit -n = %d); lower COMM_CONCURRENCY or raise the open-file ulimit",
		n, numTxCtxs, ulimit,
	)
}
