package board

import (
	"gopherpi/kernel/gate"
	"gopherpi/kernel/mem"
)

// Stage 1 descriptor bits interpreted by the table walker.
const (
	descValid    = 1 << 0
	descTable    = 1 << 1
	descAPUser   = 1 << 6
	descAPRO     = 1 << 7
	descAccessed = 1 << 10
	descUXN      = 1 << 54
	descAddrMask = 0x0000fffffffff000

	vaBits      = 48
	pageOffMask = 0xfff
)

var levelShifts = [...]uint{39, 30, 21, 12}

// accessKind is the type of a user memory access.
type accessKind uint8

const (
	accessRead accessKind = iota
	accessWrite
	accessExec
)

// fault describes why a translation failed.
type fault struct {
	kind  gate.FaultKind
	level uint8
}

// mmu translates EL0 virtual addresses using the tables rooted at ttbr0.
type mmu struct {
	ram   *mem.RAM
	ttbr0 uint64
}

// translate walks the four table levels for va. A nil fault means pa is the
// physical address va maps to.
func (m *mmu) translate(va uint64, access accessKind) (pa uintptr, f *fault) {
	if va>>vaBits != 0 {
		return 0, &fault{kind: gate.FaultTranslation, level: 0}
	}

	table := m.ttbr0 & descAddrMask
	var desc uint64
	for level, shift := range levelShifts {
		addr := uintptr(table + ((va>>shift)&0x1ff)*8)
		if !m.ram.Contains(addr, 8) {
			return 0, &fault{kind: gate.FaultAddressSize, level: uint8(level)}
		}

		// Block descriptors are not used by the kernel; treat them as
		// missing
		desc = m.ram.Uint64(addr)
		if desc&descValid == 0 || desc&descTable == 0 {
			return 0, &fault{kind: gate.FaultTranslation, level: uint8(level)}
		}
		table = desc & descAddrMask
	}

	const leafLevel = uint8(len(levelShifts) - 1)
	switch {
	case desc&descAccessed == 0:
		return 0, &fault{kind: gate.FaultAccessFlag, level: leafLevel}
	case desc&descAPUser == 0:
		return 0, &fault{kind: gate.FaultPermission, level: leafLevel}
	case access == accessWrite && desc&descAPRO != 0:
		return 0, &fault{kind: gate.FaultPermission, level: leafLevel}
	case access == accessExec && desc&descUXN != 0:
		return 0, &fault{kind: gate.FaultPermission, level: leafLevel}
	}

	return uintptr(table | va&pageOffMask), nil
}
