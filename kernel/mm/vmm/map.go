package vmm

import (
	"gopherpi/kernel"
	"gopherpi/kernel/mm"
)

// Insert maps frame at the page containing virtAddr with the given
// permissions, creating any missing tables.
//
// The reference count of frame is incremented. If the slot already maps a
// different frame, that mapping is removed first and the old frame is freed
// once its count drops to zero. Re-inserting the frame that is already
// mapped leaves its count unchanged.
func Insert(space *AddressSpace, frame mm.Frame, virtAddr uintptr, perm PageTableEntryFlag) *kernel.Error {
	slot, err := Walk(space, virtAddr, true)
	if err != nil {
		return err
	}

	space.alloc.IncRef(frame)

	if old := slot.Load(); old.IsValid() {
		if old.Frame() == frame {
			space.alloc.DecRef(frame)
		} else if err = space.release(old.Frame()); err != nil {
			return err
		}
	}

	slot.Store(leafEntry(frame, perm))
	flushTLBEntryFn(mm.PageAlignDown(virtAddr))
	return nil
}

// Remove unmaps the page containing virtAddr. The mapped frame is returned
// to the allocator when no other mapping references it. ErrNotFound is
// returned if the page is not mapped.
func Remove(space *AddressSpace, virtAddr uintptr) *kernel.Error {
	slot, err := Walk(space, virtAddr, false)
	if err != nil {
		return err
	}

	pte := slot.Load()
	if !pte.IsValid() {
		return ErrNotFound
	}

	err = space.release(pte.Frame())
	slot.Store(0)
	flushTLBEntryFn(mm.PageAlignDown(virtAddr))
	return err
}

// Lookup returns the leaf entry for virtAddr or ErrNotFound.
func Lookup(space *AddressSpace, virtAddr uintptr) (PageTableEntry, *kernel.Error) {
	slot, err := Walk(space, virtAddr, false)
	if err != nil {
		return 0, err
	}

	pte := slot.Load()
	if !pte.IsValid() {
		return 0, ErrNotFound
	}
	return pte, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotFound if the virtual address does not correspond
// to a mapped physical address.
func Translate(space *AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := Lookup(space, virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}

// release drops a mapping reference to frame and frees it once unused.
func (space *AddressSpace) release(frame mm.Frame) *kernel.Error {
	if space.alloc.DecRef(frame) > 0 {
		return nil
	}
	return space.alloc.FreeFrames(frame, 1)
}
