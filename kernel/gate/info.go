package gate

// Kind describes the type of an exception.
type Kind uint8

const (
	// Synchronous exceptions are raised by the executing instruction
	// (svc, brk, aborts).
	Synchronous Kind = iota

	// Irq is a regular interrupt request.
	Irq

	// Fiq is a fast interrupt request.
	Fiq

	// SError is an asynchronous system error.
	SError
)

var kindNames = [...]string{"Synchronous", "Irq", "Fiq", "SError"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// Source describes the exception level and stack in use when an exception
// was taken.
type Source uint8

const (
	// CurrentSpEl0 is the current exception level using SP_EL0.
	CurrentSpEl0 Source = iota

	// CurrentSpElx is the current exception level using SP_ELx.
	CurrentSpElx

	// LowerAArch64 is a lower exception level running in AArch64.
	LowerAArch64

	// LowerAArch32 is a lower exception level running in AArch32.
	LowerAArch32
)

var sourceNames = [...]string{"CurrentSpEl0", "CurrentSpElx", "LowerAArch64", "LowerAArch32"}

func (s Source) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return "Unknown"
}

// Info identifies which of the 16 exception vector entries was taken.
type Info struct {
	Source Source
	Kind   Kind
}

// vectorEntrySize is the size of each entry in the VBAR_EL1 table.
const vectorEntrySize = 0x80

// InfoFromVectorOffset returns the Info for the vector entry located at the
// supplied offset from VBAR_EL1.
func InfoFromVectorOffset(offset uint16) Info {
	index := offset / vectorEntrySize
	return Info{Source: Source((index / 4) & 3), Kind: Kind(index % 4)}
}

// VectorOffset returns the offset of the vector entry for i from VBAR_EL1.
func (i Info) VectorOffset() uint16 {
	return (uint16(i.Source)*4 + uint16(i.Kind)) * vectorEntrySize
}
