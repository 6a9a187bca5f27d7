// Package vmm manages aarch64 translation tables stored in physical RAM.
package vmm

import "gopherpi/kernel/cpu"

var (
	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// flushTLBFn and switchPDTFn are used by tests to override calls to
	// cpu.FlushTLB and cpu.SwitchPDT.
	flushTLBFn  = cpu.FlushTLB
	switchPDTFn = cpu.SwitchPDT
)
