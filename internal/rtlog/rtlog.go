// Package rtlog wires the runtime's structured logging, grounded on the
// teacher's logiface facade (github.com/joeycumines/logiface) using the
// stumpy JSON backend, exactly as logiface-stumpy/factory.go's L.New
// configures it and sql/export.Exporter.Logger threads the resulting
// *logiface.Logger[logiface.Event] through a component.
package rtlog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the type threaded through every runtime component.
type Logger = logiface.Logger[logiface.Event]

// New builds a Logger writing newline-delimited JSON to w at the given
// level. A nil w defaults to os.Stderr.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Discard returns a Logger that drops every event, used as the default
// when a component is constructed without an explicit Logger (mirroring
// the donor's nil-safe *Builder chain: every call site is safe even on
// a disabled logger).
func Discard() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}
