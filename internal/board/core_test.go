package board

import (
	"testing"

	"gopherpi/kernel/gate"
	"gopherpi/kernel/mem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exception struct {
	info gate.Info
	esr  uint32
	elr  uint64
}

// stopOnException records every exception and stops the board.
type stopOnException struct {
	b   *Board
	got []exception
}

func (h *stopOnException) HandleException(info gate.Info, esr uint32, tf *gate.TrapFrame) {
	h.got = append(h.got, exception{info, esr, tf.ELR})
	h.b.stop(StopHalted, nil)
}

const (
	testStackTop = uint64(0x7ff000)
	testHole     = uint64(0x600000)
)

// runProgram maps an assembled program with text at 0x100000, data at
// 0x200000 and one stack page at 0x300000, then executes it until the first
// exception.
func runProgram(t *testing.T, source string) (*Board, *gate.TrapFrame, exception) {
	prog, err := Assemble(source)
	require.NoError(t, err)

	b := New(Config{RAMSize: 4 * mem.Mb})
	w := newTableWalker(b.ram)

	copy(b.ram.Slice(0x100000, mem.Size(len(prog.Text))), prog.Text)
	for off := uint64(0); off < uint64(len(prog.Text)); off += 0x1000 {
		w.mapPage(TextBase+off, 0x100000+off, descAccessed|descAPUser|descAPRO)
	}
	copy(b.ram.Slice(0x200000, mem.Size(len(prog.Data))), prog.Data)
	for off := uint64(0); off < uint64(len(prog.Data)); off += 0x1000 {
		w.mapPage(prog.DataBase+off, 0x200000+off, userRW)
	}
	w.mapPage(testStackTop-0x1000, 0x300000, userRW)
	b.SwitchPDT(uintptr(w.root))

	h := &stopOnException{b: b}
	gate.Init(h)
	t.Cleanup(func() { gate.Init(nil) })

	tf := &gate.TrapFrame{ELR: prog.Entry, SP: testStackTop}
	for i := 0; !b.stopped; i++ {
		require.Less(t, i, 10000, "program did not trap")
		b.execute(tf)
	}

	require.Len(t, h.got, 1)
	return b, tf, h.got[0]
}

func TestExecuteArithmetic(t *testing.T) {
	_, tf, exc := runProgram(t, `
_start:
	mov x0, #0x123456789a     // movz + movk + movk
	movz x1, #5
	add x2, x1, #10
	sub x3, x2, #20           // wraps
	mov x4, sp
	sub sp, sp, #16
	mov x5, xzr
	svc #7
`)

	assert.Equal(t, gate.ClassSvc, gate.DecodeSyndrome(exc.esr).Class)
	assert.Equal(t, uint16(7), gate.DecodeSyndrome(exc.esr).Imm)
	assert.Equal(t, gate.Info{Source: gate.LowerAArch64, Kind: gate.Synchronous}, exc.info)

	assert.Equal(t, uint64(0x123456789a), tf.X[0])
	assert.Equal(t, uint64(15), tf.X[2])
	assert.Equal(t, ^uint64(4), tf.X[3])
	assert.Equal(t, testStackTop, tf.X[4])
	assert.Equal(t, testStackTop-16, tf.SP)
	assert.Zero(t, tf.X[5])

	// svc returns to the following instruction
	assert.Equal(t, TextBase+uint64(10*insnSize), tf.ELR)
}

func TestExecuteMemoryAndBranches(t *testing.T) {
	_, tf, _ := runProgram(t, `
.text
_start:
	adr x1, msg
	mov x0, #0
count:                         // x0 = strlen(msg)
	ldrb w2, [x1]
	cbz x2, done
	add x0, x0, #1
	add x1, x1, #1
	b count
done:
	adr x3, slot
	ldr x4, [x3]
	str x0, [x3, #8]
	ldr x5, [x3, #8]
	sub sp, sp, #8
	str x4, [sp]
	ldr x6, [sp]
	strb w0, [sp, #7]
	ldr x7, [sp]
	brk #1

.data
msg:	.asciz "hello"
	.align 3
slot:	.quad 0x1122334455667788
	.quad 0
`)

	assert.Equal(t, uint64(5), tf.X[0])
	assert.Equal(t, uint64(0x1122334455667788), tf.X[4])
	assert.Equal(t, uint64(5), tf.X[5])
	assert.Equal(t, tf.X[4], tf.X[6])
	assert.Equal(t, uint64(0x0522334455667788), tf.X[7])
}

func TestExecuteExceptions(t *testing.T) {
	t.Run("brk leaves elr at the instruction", func(t *testing.T) {
		_, tf, exc := runProgram(t, "nop\nbrk #3")
		syn := gate.DecodeSyndrome(exc.esr)
		assert.Equal(t, gate.ClassBrk, syn.Class)
		assert.Equal(t, uint16(3), syn.Imm)
		assert.Equal(t, TextBase+uint64(insnSize), tf.ELR)
	})

	t.Run("data abort on a missing page", func(t *testing.T) {
		b, tf, exc := runProgram(t, "mov x1, #0x600000\nstr x0, [x1, #16]")
		syn := gate.DecodeSyndrome(exc.esr)
		assert.Equal(t, gate.ClassDataAbort, syn.Class)
		assert.Equal(t, gate.FaultTranslation, syn.Fault)
		assert.True(t, syn.Write)
		assert.True(t, syn.LowerEL)
		assert.Equal(t, testHole+16, b.ReadFAR())

		// The faulting instruction is retried after the fault is handled
		assert.Equal(t, TextBase+uint64(insnSize), tf.ELR)
	})

	t.Run("write to text", func(t *testing.T) {
		b, _, exc := runProgram(t, "_start: adr x1, _start\nstr x0, [x1]")
		syn := gate.DecodeSyndrome(exc.esr)
		assert.Equal(t, gate.FaultPermission, syn.Fault)
		assert.Equal(t, uint8(3), syn.Level)
		assert.Equal(t, uint64(TextBase), b.ReadFAR())
	})

	t.Run("misaligned load", func(t *testing.T) {
		_, _, exc := runProgram(t, "mov x1, sp\nsub x1, x1, #4\nldr x0, [x1]")
		syn := gate.DecodeSyndrome(exc.esr)
		assert.Equal(t, gate.ClassDataAbort, syn.Class)
		assert.Equal(t, gate.FaultAlignment, syn.Fault)
	})

	t.Run("branch into data", func(t *testing.T) {
		b, tf, exc := runProgram(t, "b d\n.data\nd: .quad 0")
		syn := gate.DecodeSyndrome(exc.esr)
		assert.Equal(t, gate.ClassInstructionAbort, syn.Class)
		assert.Equal(t, gate.FaultPermission, syn.Fault)
		assert.Equal(t, uint64(TextBase+0x1000), b.ReadFAR())
		assert.Equal(t, b.ReadFAR(), tf.ELR)
	})

	t.Run("undefined instruction", func(t *testing.T) {
		_, tf, exc := runProgram(t, ".byte 0, 0, 0, 0")
		assert.Equal(t, gate.ClassUnknown, gate.DecodeSyndrome(exc.esr).Class)
		assert.Equal(t, uint64(TextBase), tf.ELR)
	})
}
