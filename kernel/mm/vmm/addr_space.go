package vmm

import (
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
)

// LeafVisitor is invoked by VisitLeaves for each mapped page. Returning
// false stops the walk.
type LeafVisitor func(virtAddr uintptr, pte PageTableEntry) bool

// AddressSpace is a translation table hierarchy rooted at a level 0 table.
// Intermediate tables and mapped frames are obtained from, and returned to,
// the address space allocator.
type AddressSpace struct {
	root  mm.Frame
	ram   *mem.RAM
	alloc mm.FrameAllocator
}

// NewAddressSpace clears root and returns an address space that uses it as
// its level 0 table.
func NewAddressSpace(ram *mem.RAM, root mm.Frame, alloc mm.FrameAllocator) *AddressSpace {
	space := &AddressSpace{root: root, ram: ram, alloc: alloc}
	table{ram: ram, frame: root}.clear()
	return space
}

// Root returns the frame holding the level 0 table.
func (space *AddressSpace) Root() mm.Frame { return space.root }

// RAM returns the physical memory backing the tables.
func (space *AddressSpace) RAM() *mem.RAM { return space.ram }

// Allocator returns the allocator used for tables and mapped frames.
func (space *AddressSpace) Allocator() mm.FrameAllocator { return space.alloc }

// Activate installs the address space in TTBR0 and invalidates all cached
// translations.
func (space *AddressSpace) Activate() {
	switchPDTFn(space.root.Address())
	flushTLBFn()
}

// VisitLeaves invokes visitor for every mapped page in ascending address
// order.
func (space *AddressSpace) VisitLeaves(visitor LeafVisitor) {
	visitLeaves(table{ram: space.ram, frame: space.root}, 0, 0, visitor)
}
