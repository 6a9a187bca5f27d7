package gate

import "fmt"

// ExceptionClass is the decoded ESR_EL1.EC field.
type ExceptionClass uint8

const (
	ClassUnknown ExceptionClass = iota
	ClassWfiWfe
	ClassSimdFp
	ClassIllegalExecutionState
	ClassSvc
	ClassHvc
	ClassSmc
	ClassMsrMrs
	ClassInstructionAbort
	ClassPCAlignmentFault
	ClassDataAbort
	ClassSpAlignmentFault
	ClassSError
	ClassBreakpoint
	ClassStep
	ClassWatchpoint
	ClassBrk
	ClassOther
)

var classNames = [...]string{
	"Unknown", "WfiWfe", "SimdFp", "IllegalExecutionState", "Svc", "Hvc",
	"Smc", "MsrMrs", "InstructionAbort", "PCAlignmentFault", "DataAbort",
	"SpAlignmentFault", "SError", "Breakpoint", "Step", "Watchpoint", "Brk",
	"Other",
}

func (c ExceptionClass) String() string { return classNames[c] }

// FaultKind is the decoded fault status code of an instruction or data abort.
type FaultKind uint8

const (
	FaultAddressSize FaultKind = iota
	FaultTranslation
	FaultAccessFlag
	FaultPermission
	FaultAlignment
	FaultTLBConflict
	FaultOther
)

var faultNames = [...]string{
	"AddressSize", "Translation", "AccessFlag", "Permission", "Alignment",
	"TLBConflict", "Other",
}

func (k FaultKind) String() string { return faultNames[k] }

// Raw exception class values (ESR_EL1 bits [31:26]).
const (
	ecUnknown            = 0b000000
	ecWfiWfe             = 0b000001
	ecSimdFp             = 0b000111
	ecIllegalExecution   = 0b001110
	ecSvc64              = 0b010101
	ecHvc64              = 0b010110
	ecSmc64              = 0b010111
	ecMsrMrs             = 0b011000
	ecInstrAbortLower    = 0b100000
	ecInstrAbortSame     = 0b100001
	ecPCAlignment        = 0b100010
	ecDataAbortLower     = 0b100100
	ecDataAbortSame      = 0b100101
	ecSpAlignment        = 0b100110
	ecSError             = 0b101111
	ecBreakpointLower    = 0b110000
	ecBreakpointSame     = 0b110001
	ecStepLower          = 0b110010
	ecStepSame           = 0b110011
	ecWatchpointLower    = 0b110100
	ecWatchpointSame     = 0b110101
	ecBrk64              = 0b111100
	esrClassShift        = 26
	esrIssMask           = (1 << 25) - 1
	esrInstructionLength = 1 << 25
	issWriteNotRead      = 1 << 6
	issFaultStatusMask   = 0b111111
)

// Syndrome is the decoded reason for a synchronous exception.
type Syndrome struct {
	Class ExceptionClass

	// Imm holds the immediate operand of svc and brk instructions.
	Imm uint16

	// Fault and Level describe instruction/data aborts. Level is the
	// translation table level at which the fault was detected.
	Fault FaultKind
	Level uint8

	// LowerEL is set for aborts taken from a lower exception level.
	LowerEL bool

	// Write is set for data aborts caused by a write.
	Write bool

	// Raw is the undecoded ESR_EL1 value.
	Raw uint32
}

// IsAbort returns true for instruction and data aborts.
func (s Syndrome) IsAbort() bool {
	return s.Class == ClassInstructionAbort || s.Class == ClassDataAbort
}

func (s Syndrome) String() string {
	switch {
	case s.Class == ClassSvc || s.Class == ClassBrk:
		return fmt.Sprintf("%s(%d)", s.Class, s.Imm)
	case s.IsAbort():
		return fmt.Sprintf("%s{%s, level %d}", s.Class, s.Fault, s.Level)
	default:
		return s.Class.String()
	}
}

// DecodeSyndrome decodes the value of ESR_EL1.
func DecodeSyndrome(esr uint32) Syndrome {
	s := Syndrome{Raw: esr}
	iss := esr & esrIssMask

	switch esr >> esrClassShift {
	case ecUnknown:
		s.Class = ClassUnknown
	case ecWfiWfe:
		s.Class = ClassWfiWfe
	case ecSimdFp:
		s.Class = ClassSimdFp
	case ecIllegalExecution:
		s.Class = ClassIllegalExecutionState
	case ecSvc64:
		s.Class, s.Imm = ClassSvc, uint16(iss)
	case ecHvc64:
		s.Class, s.Imm = ClassHvc, uint16(iss)
	case ecSmc64:
		s.Class, s.Imm = ClassSmc, uint16(iss)
	case ecMsrMrs:
		s.Class = ClassMsrMrs
	case ecInstrAbortLower, ecInstrAbortSame:
		s.Class = ClassInstructionAbort
		s.LowerEL = esr>>esrClassShift == ecInstrAbortLower
		s.Fault, s.Level = decodeFaultStatus(iss)
	case ecPCAlignment:
		s.Class = ClassPCAlignmentFault
	case ecDataAbortLower, ecDataAbortSame:
		s.Class = ClassDataAbort
		s.LowerEL = esr>>esrClassShift == ecDataAbortLower
		s.Write = iss&issWriteNotRead != 0
		s.Fault, s.Level = decodeFaultStatus(iss)
	case ecSpAlignment:
		s.Class = ClassSpAlignmentFault
	case ecSError:
		s.Class = ClassSError
	case ecBreakpointLower, ecBreakpointSame:
		s.Class = ClassBreakpoint
	case ecStepLower, ecStepSame:
		s.Class = ClassStep
	case ecWatchpointLower, ecWatchpointSame:
		s.Class = ClassWatchpoint
	case ecBrk64:
		s.Class, s.Imm = ClassBrk, uint16(iss)
	default:
		s.Class = ClassOther
	}

	return s
}

func decodeFaultStatus(iss uint32) (FaultKind, uint8) {
	status := iss & issFaultStatusMask
	level := uint8(status & 0b11)

	switch status >> 2 {
	case 0b0000:
		return FaultAddressSize, level
	case 0b0001:
		return FaultTranslation, level
	case 0b0010:
		return FaultAccessFlag, level
	case 0b0011:
		return FaultPermission, level
	}

	switch status {
	case 0b100001:
		return FaultAlignment, 0
	case 0b110000:
		return FaultTLBConflict, 0
	}

	return FaultOther, 0
}

// EncodeSvc returns the ESR_EL1 value reported for "svc #imm".
func EncodeSvc(imm uint16) uint32 {
	return ecSvc64<<esrClassShift | esrInstructionLength | uint32(imm)
}

// EncodeBrk returns the ESR_EL1 value reported for "brk #imm".
func EncodeBrk(imm uint16) uint32 {
	return ecBrk64<<esrClassShift | esrInstructionLength | uint32(imm)
}

// EncodeDataAbort returns the ESR_EL1 value reported for a data abort taken
// from EL0.
func EncodeDataAbort(kind FaultKind, level uint8, write bool) uint32 {
	esr := uint32(ecDataAbortLower<<esrClassShift|esrInstructionLength) | encodeFaultStatus(kind, level)
	if write {
		esr |= issWriteNotRead
	}
	return esr
}

// EncodeInstructionAbort returns the ESR_EL1 value reported for an
// instruction abort taken from EL0.
func EncodeInstructionAbort(kind FaultKind, level uint8) uint32 {
	return uint32(ecInstrAbortLower<<esrClassShift|esrInstructionLength) | encodeFaultStatus(kind, level)
}

func encodeFaultStatus(kind FaultKind, level uint8) uint32 {
	switch kind {
	case FaultAddressSize, FaultTranslation, FaultAccessFlag, FaultPermission:
		return uint32(kind)<<2 | uint32(level&0b11)
	case FaultAlignment:
		return 0b100001
	case FaultTLBConflict:
		return 0b110000
	}
	return 0b111111
}
