// Package gate describes the state saved on exception entry and decodes the
// exception syndrome reported by the core.
package gate

import (
	"gopherpi/kernel/kfmt"
	"io"
)

const (
	// ReturnReg is the index of the general purpose register that carries
	// the syscall argument on entry and the result on exit (x0).
	ReturnReg = 0

	// ErrorReg is the index of the general purpose register used to report
	// syscall errors (x7). Zero means success.
	ErrorReg = 7
)

// TrapFrame contains a snapshot of the register values required to resume a
// user process. The layout mirrors the order in which the exception vector
// stubs push registers on the kernel stack.
type TrapFrame struct {
	// ELR is the exception link register: the address execution resumes
	// at after eret.
	ELR uint64

	// SPSR is the saved processor state restored by eret.
	SPSR uint64

	// SP is the user stack pointer (SP_EL0).
	SP uint64

	// TPIDR is the user thread-id register. The kernel stores the
	// process id in it.
	TPIDR uint64

	// TTBR0 holds the physical address of the user translation table
	// root.
	TTBR0 uint64

	// Q holds the 128-bit SIMD registers as (low, high) pairs.
	Q [32][2]uint64

	// X holds the general purpose registers x0 to x30.
	X [31]uint64
}

// Arg returns the syscall argument register.
func (tf *TrapFrame) Arg() uint64 { return tf.X[ReturnReg] }

// SetReturn stores a syscall result.
func (tf *TrapFrame) SetReturn(v uint64) { tf.X[ReturnReg] = v }

// Errno returns the syscall error register.
func (tf *TrapFrame) Errno() Errno { return Errno(tf.X[ErrorReg]) }

// SetErrno stores a syscall error code.
func (tf *TrapFrame) SetErrno(e Errno) { tf.X[ErrorReg] = uint64(e) }

// DumpTo outputs the register contents to w.
func (tf *TrapFrame) DumpTo(w io.Writer) {
	for i := 0; i < len(tf.X)-1; i += 2 {
		kfmt.Fprintf(w, "x%-2d = %016x x%-2d = %016x\n", i, tf.X[i], i+1, tf.X[i+1])
	}
	kfmt.Fprintf(w, "x30 = %016x\n", tf.X[30])
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "ELR = %016x SPSR  = %016x\n", tf.ELR, tf.SPSR)
	kfmt.Fprintf(w, "SP  = %016x TPIDR = %016x\n", tf.SP, tf.TPIDR)
	kfmt.Fprintf(w, "TTBR0 = %016x\n", tf.TTBR0)
}
