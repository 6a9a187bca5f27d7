package vmm

const (
	// pageLevels indicates the number of translation table levels used
	// for a 48-bit address space with a 4K granule.
	pageLevels = 4

	// entriesPerTable is the number of descriptors in a translation
	// table. Each level decodes 9 virtual address bits.
	entriesPerTable = 1 << 9

	// ptePhysPageMask extracts the output address from a descriptor.
	// Bits 12-47 contain the physical address of the next table or page.
	ptePhysPageMask = uint64(0x0000fffffffff000)

	// userAddrLimit is the first address outside the range translated
	// through TTBR0.
	userAddrLimit = uintptr(1) << 48
)

// pageLevelShifts defines the shift required to access each table index
// of a virtual address.
var pageLevelShifts = [pageLevels]uint8{
	39,
	30,
	21,
	12,
}

const (
	// FlagValid is set for any descriptor that the MMU may follow.
	FlagValid PageTableEntryFlag = 1 << 0

	// FlagTable is set for table descriptors at levels 0-2 and for page
	// descriptors at level 3. A valid entry without it is a block.
	FlagTable PageTableEntryFlag = 1 << 1

	// AttrNormal and AttrDevice select MAIR slots 0 and 1.
	AttrNormal PageTableEntryFlag = 0 << 2
	AttrDevice PageTableEntryFlag = 1 << 2

	// Access permissions (AP[2:1]).
	APRWEL1 PageTableEntryFlag = 0 << 6
	APRWAll PageTableEntryFlag = 1 << 6
	APROEL1 PageTableEntryFlag = 2 << 6
	APROAll PageTableEntryFlag = 3 << 6

	// ShareInner marks the page as inner shareable.
	ShareInner PageTableEntryFlag = 3 << 8

	// FlagAccessed is the access flag. Accessing a page without it
	// raises an access flag fault.
	FlagAccessed PageTableEntryFlag = 1 << 10

	// FlagPXN and FlagUXN prevent execution at EL1 and EL0.
	FlagPXN PageTableEntryFlag = 1 << 53
	FlagUXN PageTableEntryFlag = 1 << 54

	// FlagCopyOnWrite is a software-defined bit. A write to a read-only
	// page with this bit set gets a private copy of the page.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 55

	apMask   = PageTableEntryFlag(3 << 6)
	attrMask = PageTableEntryFlag(7 << 2)

	// permMask covers the bits that Insert accepts from callers.
	permMask = apMask | FlagPXN | FlagUXN | FlagCopyOnWrite | attrMask
)

// Common permissions for user pages.
const (
	PermUserRW   = APRWAll | FlagPXN | FlagUXN
	PermUserRO   = APROAll | FlagPXN | FlagUXN
	PermUserRX   = APROAll | FlagPXN
	PermKernelRW = APRWEL1 | FlagPXN | FlagUXN
)
