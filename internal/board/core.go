package board

import (
	"gopherpi/kernel/gate"
	"gopherpi/kernel/mem"
)

// execute runs the instruction at ELR, or raises the exception it causes.
func (b *Board) execute(tf *gate.TrapFrame) {
	pc := tf.ELR
	if pc%insnSize != 0 {
		b.abort(pc, gate.EncodeInstructionAbort(gate.FaultAlignment, 0), tf)
		return
	}

	pa, f := b.mmu.translate(pc, accessExec)
	if f != nil {
		b.abort(pc, gate.EncodeInstructionAbort(f.kind, f.level), tf)
		return
	}
	if !b.ram.Contains(pa, insnSize) {
		b.stop(StopBusError, busError(pa))
		return
	}

	insn := b.ram.Uint32(pa)
	b.insns++
	b.idle = 0
	b.advance(b.cfg.CycleTime)

	rd, rn := uint8(insn&31), uint8(insn>>5&31)
	switch {
	case insn == opNop:
		tf.ELR += insnSize
	case insn == opWfi:
		// Idle until the next timer interrupt
		tf.ELR += insnSize
		if b.armed && b.compare > b.clock {
			b.advance(b.compare - b.clock)
		}
	case insn&maskTrap == opSvc:
		// The preferred return address of svc is the next instruction
		tf.ELR += insnSize
		b.synchronous(gate.EncodeSvc(uint16(insn>>5)), tf)
	case insn&maskTrap == opBrk:
		b.synchronous(gate.EncodeBrk(uint16(insn>>5)), tf)
	case insn&maskMove == opMovz:
		setReg(tf, rd, uint64(insn>>5&0xffff)<<(16*(insn>>21&3)))
		tf.ELR += insnSize
	case insn&maskMove == opMovk:
		shift := 16 * (insn >> 21 & 3)
		setReg(tf, rd, reg(tf, rd)&^(0xffff<<shift)|uint64(insn>>5&0xffff)<<shift)
		tf.ELR += insnSize
	case insn&maskImm12 == opAdd:
		setRegOrSP(tf, rd, regOrSP(tf, rn)+uint64(insn>>10&0xfff))
		tf.ELR += insnSize
	case insn&maskImm12 == opSub:
		setRegOrSP(tf, rd, regOrSP(tf, rn)-uint64(insn>>10&0xfff))
		tf.ELR += insnSize
	case insn&maskImm12 == opLdr:
		b.access(tf, insn, 8, accessRead)
	case insn&maskImm12 == opStr:
		b.access(tf, insn, 8, accessWrite)
	case insn&maskImm12 == opLdrb:
		b.access(tf, insn, 1, accessRead)
	case insn&maskImm12 == opStrb:
		b.access(tf, insn, 1, accessWrite)
	case insn&maskBranch == opB:
		tf.ELR = uint64(int64(tf.ELR) + signExtend(insn&0x3ffffff, 26)*insnSize)
	case insn&maskCondition == opCbz, insn&maskCondition == opCbnz:
		if (reg(tf, rd) == 0) == (insn&maskCondition == opCbz) {
			tf.ELR = uint64(int64(tf.ELR) + signExtend(insn>>5&0x7ffff, 19)*insnSize)
		} else {
			tf.ELR += insnSize
		}
	case insn&maskAdr == opAdr:
		imm := (insn>>5&0x7ffff)<<2 | insn>>29&3
		setReg(tf, rd, uint64(int64(tf.ELR)+signExtend(imm, 21)))
		tf.ELR += insnSize
	default:
		// EC 0: unknown reason
		b.synchronous(0, tf)
	}
}

// access performs a load or store of size bytes at [rn + imm12*size].
func (b *Board) access(tf *gate.TrapFrame, insn uint32, size uint64, kind accessKind) {
	rt, rn := uint8(insn&31), uint8(insn>>5&31)
	va := regOrSP(tf, rn) + uint64(insn>>10&0xfff)*size
	write := kind == accessWrite

	if va%size != 0 {
		b.abort(va, gate.EncodeDataAbort(gate.FaultAlignment, 0, write), tf)
		return
	}

	pa, f := b.mmu.translate(va, kind)
	if f != nil {
		b.abort(va, gate.EncodeDataAbort(f.kind, f.level, write), tf)
		return
	}
	if !b.ram.Contains(pa, mem.Size(size)) {
		b.stop(StopBusError, busError(pa))
		return
	}

	switch {
	case size == 8 && write:
		b.ram.PutUint64(pa, reg(tf, rt))
	case size == 8:
		setReg(tf, rt, b.ram.Uint64(pa))
	case write:
		b.ram.Slice(pa, 1)[0] = byte(reg(tf, rt))
	default:
		setReg(tf, rt, uint64(b.ram.Slice(pa, 1)[0]))
	}
	tf.ELR += insnSize
}

// abort reports a fault at addr. ELR is left pointing at the faulting
// instruction so that it is retried once the kernel resolves the fault.
func (b *Board) abort(addr uint64, esr uint32, tf *gate.TrapFrame) {
	b.far = addr
	b.synchronous(esr, tf)
}

func (b *Board) synchronous(esr uint32, tf *gate.TrapFrame) {
	gate.Dispatch(gate.Info{Source: gate.LowerAArch64, Kind: gate.Synchronous}, esr, tf)
}

// reg reads a general purpose register; register 31 reads as zero.
func reg(tf *gate.TrapFrame, r uint8) uint64 {
	if r == regZR {
		return 0
	}
	return tf.X[r]
}

// setReg writes a general purpose register; writes to register 31 are
// discarded.
func setReg(tf *gate.TrapFrame, r uint8, v uint64) {
	if r != regZR {
		tf.X[r] = v
	}
}

// regOrSP reads a register where 31 encodes the stack pointer.
func regOrSP(tf *gate.TrapFrame, r uint8) uint64 {
	if r == regSP {
		return tf.SP
	}
	return tf.X[r]
}

func setRegOrSP(tf *gate.TrapFrame, r uint8, v uint64) {
	if r == regSP {
		tf.SP = v
		return
	}
	tf.X[r] = v
}
