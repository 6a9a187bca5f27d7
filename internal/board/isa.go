package board

// The board executes a small subset of the A64 instruction set: enough to
// move immediates around, address memory, branch and trap into the kernel.
// Every instruction is one 32-bit little-endian word.
const (
	insnSize = 4

	opNop  = 0xd503201f
	opWfi  = 0xd503207f
	opSvc  = 0xd4000001 // svc #imm16: imm in [20:5]
	opBrk  = 0xd4200000 // brk #imm16: imm in [20:5]
	opMovz = 0xd2800000 // movz xd, #imm16, lsl #(hw*16)
	opMovk = 0xf2800000 // movk xd, #imm16, lsl #(hw*16)
	opAdd  = 0x91000000 // add xd|sp, xn|sp, #imm12
	opSub  = 0xd1000000 // sub xd|sp, xn|sp, #imm12
	opLdr  = 0xf9400000 // ldr xt, [xn|sp, #imm12*8]
	opStr  = 0xf9000000 // str xt, [xn|sp, #imm12*8]
	opLdrb = 0x39400000 // ldrb wt, [xn|sp, #imm12]
	opStrb = 0x39000000 // strb wt, [xn|sp, #imm12]
	opB    = 0x14000000 // b imm26*4
	opCbz  = 0xb4000000 // cbz xt, imm19*4
	opCbnz = 0xb5000000 // cbnz xt, imm19*4
	opAdr  = 0x10000000 // adr xd, immhi:immlo

	maskTrap      = 0xffe0001f
	maskMove      = 0xff800000
	maskImm12     = 0xffc00000
	maskBranch    = 0xfc000000
	maskCondition = 0xff000000
	maskAdr       = 0x9f000000

	regZR = 31
	regSP = 31
)

func encodeTrap(op uint32, imm uint16) uint32 { return op | uint32(imm)<<5 }

func encodeMove(op uint32, rd uint8, imm uint16, hw uint8) uint32 {
	return op | uint32(hw&3)<<21 | uint32(imm)<<5 | uint32(rd&31)
}

func encodeImm12(op uint32, rd, rn uint8, imm uint16) uint32 {
	return op | uint32(imm&0xfff)<<10 | uint32(rn&31)<<5 | uint32(rd&31)
}

func encodeBranch(offset int32) uint32 {
	return opB | uint32(offset/insnSize)&0x3ffffff
}

func encodeCondBranch(op uint32, rt uint8, offset int32) uint32 {
	return op | (uint32(offset/insnSize)&0x7ffff)<<5 | uint32(rt&31)
}

func encodeAdr(rd uint8, offset int32) uint32 {
	imm := uint32(offset) & 0x1fffff
	return opAdr | (imm&3)<<29 | (imm>>2)<<5 | uint32(rd&31)
}

// signExtend interprets the low bits of v as a two's complement number.
func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}
