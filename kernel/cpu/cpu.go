// Package cpu exposes the privileged aarch64 operations used by the kernel.
// The operations are delegated to a Machine which either wraps the real
// instructions or, when running hosted, a simulated board.
package cpu

//go:generate mockgen -destination mock_cpu.go -package cpu gopherpi/kernel/cpu Machine

// Machine describes the privileged instructions and system registers the
// kernel relies on.
type Machine interface {
	// EnableInterrupts and DisableInterrupts clear/set the DAIF.I mask.
	EnableInterrupts()
	DisableInterrupts()

	// Halt stops instruction execution.
	Halt()

	// WaitForInterrupt suspends the core until an interrupt is pending
	// (wfi). The interrupt may still be masked when it returns.
	WaitForInterrupt()

	// FlushTLBEntry invalidates the TLB entry for a single virtual
	// address on this core (tlbi vaae1).
	FlushTLBEntry(virtAddr uintptr)

	// FlushTLB invalidates all TLB entries on this core (tlbi vmalle1).
	FlushTLB()

	// SwitchPDT loads TTBR0_EL1 with the physical address of a
	// translation table root.
	SwitchPDT(pdtPhysAddr uintptr)

	// ActivePDT returns the physical address held by TTBR0_EL1.
	ActivePDT() uintptr

	// ReadFAR returns the contents of FAR_EL1.
	ReadFAR() uint64

	// ReadMIDR returns the contents of MIDR_EL1.
	ReadMIDR() uint64
}

var (
	active Machine = nopMachine{}

	midrFn = ReadMIDR
)

// SetMachine installs the Machine that backs the package-level operations.
// Passing nil restores the default Machine which ignores all operations.
func SetMachine(m Machine) {
	if m == nil {
		m = nopMachine{}
	}
	active = m
}

// ActiveMachine returns the currently installed Machine.
func ActiveMachine() Machine { return active }

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { active.EnableInterrupts() }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { active.DisableInterrupts() }

// Halt stops instruction execution.
func Halt() { active.Halt() }

// WaitForInterrupt idles the core until the next interrupt.
func WaitForInterrupt() { active.WaitForInterrupt() }

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) { active.FlushTLBEntry(virtAddr) }

// FlushTLB flushes all TLB entries.
func FlushTLB() { active.FlushTLB() }

// SwitchPDT sets the root page table directory to point to the specified
// physical address.
func SwitchPDT(pdtPhysAddr uintptr) { active.SwitchPDT(pdtPhysAddr) }

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr { return active.ActivePDT() }

// ReadFAR returns the faulting virtual address of the last abort.
func ReadFAR() uint64 { return active.ReadFAR() }

// ReadMIDR returns the main id register of the core.
func ReadMIDR() uint64 { return active.ReadMIDR() }

// IsCortexA53 returns true if the code is running on an ARM Cortex-A53 core
// (the core used by the BCM2837).
func IsCortexA53() bool {
	midr := midrFn()
	return (midr>>24)&0xff == 0x41 && // implementer: ARM
		(midr>>4)&0xfff == 0xd03 // part number: Cortex-A53
}

type nopMachine struct{}

func (nopMachine) EnableInterrupts()     {}
func (nopMachine) DisableInterrupts()    {}
func (nopMachine) Halt()                 {}
func (nopMachine) WaitForInterrupt()     {}
func (nopMachine) FlushTLBEntry(uintptr) {}
func (nopMachine) FlushTLB()             {}
func (nopMachine) SwitchPDT(uintptr)     {}
func (nopMachine) ActivePDT() uintptr    { return 0 }
func (nopMachine) ReadFAR() uint64       { return 0 }
func (nopMachine) ReadMIDR() uint64      { return 0 }
