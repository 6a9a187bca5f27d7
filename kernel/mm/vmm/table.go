package vmm

import (
	"gopherpi/kernel"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
)

var (
	// ErrNotFound is returned when a lookup reaches a missing table or an
	// invalid leaf entry.
	ErrNotFound = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	errBlockMapping   = &kernel.Error{Module: "vmm", Message: "block mappings are not supported"}
	errNonUserAddress = &kernel.Error{Module: "vmm", Message: "address is outside the user translation range"}
	errBadTableIndex  = &kernel.Error{Module: "vmm", Message: "translation table index out of range"}
)

// table is a view over a translation table page stored in physical RAM.
type table struct {
	ram   *mem.RAM
	frame mm.Frame
}

func (t table) entryAddr(index uint) uintptr {
	if index >= entriesPerTable {
		panic(errBadTableIndex)
	}
	return t.frame.Address() + uintptr(index<<mm.PointerShift)
}

func (t table) load(index uint) PageTableEntry {
	return PageTableEntry(t.ram.Uint64(t.entryAddr(index)))
}

func (t table) store(index uint, pte PageTableEntry) {
	t.ram.PutUint64(t.entryAddr(index), uint64(pte))
}

func (t table) clear() {
	t.ram.Memset(t.frame.Address(), 0, mem.Size(mm.PageSize))
}

// Slot refers to the leaf descriptor that translates a virtual address.
type Slot struct {
	ram  *mem.RAM
	addr uintptr
}

// Addr returns the physical address of the descriptor.
func (s Slot) Addr() uintptr { return s.addr }

// Load reads the descriptor.
func (s Slot) Load() PageTableEntry { return PageTableEntry(s.ram.Uint64(s.addr)) }

// Store overwrites the descriptor. Callers are responsible for flushing the
// TLB entry for the translated address.
func (s Slot) Store(pte PageTableEntry) { s.ram.PutUint64(s.addr, uint64(pte)) }

// tableIndex returns the index into the table at the given level for
// virtAddr.
func tableIndex(virtAddr uintptr, level uint8) uint {
	return uint(virtAddr>>pageLevelShifts[level]) & (entriesPerTable - 1)
}

// Walk descends the translation tables of space and returns the leaf slot
// for virtAddr. Missing intermediate tables are allocated from the address
// space allocator and cleared if create is true; otherwise ErrNotFound is
// returned as soon as a level is missing.
func Walk(space *AddressSpace, virtAddr uintptr, create bool) (Slot, *kernel.Error) {
	if virtAddr >= userAddrLimit {
		return Slot{}, errNonUserAddress
	}

	t := table{ram: space.ram, frame: space.root}
	for level := uint8(0); level < pageLevels-1; level++ {
		index := tableIndex(virtAddr, level)
		pte := t.load(index)

		switch {
		case !pte.IsValid():
			if !create {
				return Slot{}, ErrNotFound
			}

			frame, err := space.alloc.AllocFrame()
			if err != nil {
				return Slot{}, err
			}

			next := table{ram: space.ram, frame: frame}
			next.clear()
			pte = tableEntry(frame)
			t.store(index, pte)
		case !pte.HasFlags(FlagTable):
			return Slot{}, errBlockMapping
		}

		t = table{ram: space.ram, frame: pte.Frame()}
	}

	return Slot{ram: space.ram, addr: t.entryAddr(tableIndex(virtAddr, pageLevels-1))}, nil
}

// visitLeaves calls visitor for every valid leaf reachable from t in address
// order. It returns false if the visitor aborted the walk.
func visitLeaves(t table, level uint8, base uintptr, visitor LeafVisitor) bool {
	for index := uint(0); index < entriesPerTable; index++ {
		pte := t.load(index)
		if !pte.IsValid() {
			continue
		}

		virtAddr := base | uintptr(index)<<pageLevelShifts[level]
		if level == pageLevels-1 {
			if !visitor(virtAddr, pte) {
				return false
			}
			continue
		}

		if !pte.HasFlags(FlagTable) {
			continue
		}

		if !visitLeaves(table{ram: t.ram, frame: pte.Frame()}, level+1, virtAddr, visitor) {
			return false
		}
	}

	return true
}
