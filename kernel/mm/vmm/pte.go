package vmm

import "gopherpi/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a descriptor.
type PageTableEntryFlag uint64

// PageTableEntry is an aarch64 translation table descriptor.
type PageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(uintptr(uint64(pte) & ptePhysPageMask))
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint64(*pte) &^ ptePhysPageMask) | (uint64(frame.Address()) & ptePhysPageMask))
}

// IsValid returns true if the MMU may follow this entry.
func (pte PageTableEntry) IsValid() bool {
	return pte.HasFlags(FlagValid)
}

// Perm returns the permission and attribute bits of the entry.
func (pte PageTableEntry) Perm() PageTableEntryFlag {
	return PageTableEntryFlag(pte) & permMask
}

// Writable returns true if the access permissions allow writes.
func (pte PageTableEntry) Writable() bool {
	ap := PageTableEntryFlag(pte) & apMask
	return ap == APRWEL1 || ap == APRWAll
}

// UserAccessible returns true if EL0 may access the page.
func (pte PageTableEntry) UserAccessible() bool {
	ap := PageTableEntryFlag(pte) & apMask
	return ap == APRWAll || ap == APROAll
}

// leafEntry builds a page descriptor for frame with the given permissions.
func leafEntry(frame mm.Frame, perm PageTableEntryFlag) PageTableEntry {
	var pte PageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(FlagValid | FlagTable | FlagAccessed | ShareInner | (perm & permMask))
	return pte
}

// tableEntry builds a descriptor pointing to the next level table.
func tableEntry(frame mm.Frame) PageTableEntry {
	var pte PageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(FlagValid | FlagTable)
	return pte
}

// writablePerm converts read-only access permissions to their read/write
// equivalents and drops FlagCopyOnWrite.
func writablePerm(perm PageTableEntryFlag) PageTableEntryFlag {
	switch perm & apMask {
	case APROAll:
		perm = perm&^apMask | APRWAll
	case APROEL1:
		perm = perm&^apMask | APRWEL1
	}
	return perm &^ FlagCopyOnWrite
}
