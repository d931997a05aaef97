// Package kfmt provides the kernel logging entry points. Output produced
// before a sink is attached is kept in a ring buffer and replayed once
// SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console and TTYs are initialized.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// formatFn renders a format string into w. The formatting engine is
	// provided by the platform; hosted builds use package fmt.
	formatFn = func(w io.Writer, format string, args ...interface{}) {
		fmt.Fprintf(w, format, args...)
	}
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current target for calls to Printf.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf formats its arguments and writes the result to the active output
// sink. Messages are expected to carry a "[module]" prefix, e.g.
//
//	kfmt.Printf("[pmm] segment %d: base=0x%x pages=%d\n", i, base, pages)
func Printf(format string, args ...interface{}) {
	Fprintf(GetOutputSink(), format, args...)
}

// Fprintf formats its arguments and writes the result to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	formatFn(w, format, args...)
}
