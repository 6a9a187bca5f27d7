// Package kfmt routes kernel diagnostics to the console. Output produced
// before a console device is attached is kept in a ring buffer and replayed
// once SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console driver is initialized.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
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
	return outputSink
}

// Printf formats according to a format specifier and writes to the console
// (or the early buffer if no console is attached yet).
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(sinkOrBuffer(w), format, args...)
}

func sinkOrBuffer(w io.Writer) io.Writer {
	if w == nil {
		return &earlyPrintBuffer
	}
	return w
}

// sinkWriter forwards writes to whatever the output sink is at the time of
// the write.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	return sinkOrBuffer(outputSink).Write(p)
}
