package gate

import (
	"gopherpi/kernel"
	"gopherpi/kernel/kfmt"
)

// Handler processes exceptions taken through the vector table.
type Handler interface {
	HandleException(info Info, esr uint32, tf *TrapFrame)
}

var (
	vector Handler

	errNoVector = &kernel.Error{Module: "gate", Message: "exception taken with no vector installed"}
)

// Init installs h as the target of every exception vector entry.
func Init(h Handler) {
	vector = h
}

// Installed returns the active exception handler or nil.
func Installed() Handler { return vector }

// Dispatch invokes the installed handler for an exception described by info
// and esr. It is called by the exception entry code with the registers of the
// interrupted context in tf.
func Dispatch(info Info, esr uint32, tf *TrapFrame) {
	if vector == nil {
		kfmt.Panic(errNoVector)
		return
	}
	vector.HandleException(info, esr, tf)
}
