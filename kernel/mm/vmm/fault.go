package vmm

import (
	"gopherpi/kernel"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
)

// ErrUnresolvedFault is returned by HandlePageFault when the faulting access
// is not permitted by an existing mapping.
var ErrUnresolvedFault = &kernel.Error{Module: "vmm", Message: "unresolved page fault"}

// HandlePageFault attempts to resolve a data or instruction abort at
// faultAddr in space.
//
// Unmapped pages are backed by a fresh zero-filled frame mapped read/write.
// Copy-on-write pages get a private copy of their contents; the reference to
// the shared frame is dropped. Access flag faults on valid pages set the
// flag. Any other fault on a valid page returns ErrUnresolvedFault.
func HandlePageFault(space *AddressSpace, faultAddr uintptr, kind gate.FaultKind, level uint8) *kernel.Error {
	var (
		page = mm.PageAlignDown(faultAddr)
		log  = kfmt.Log("vmm").WithFields(map[string]interface{}{
			"addr":  faultAddr,
			"kind":  kind,
			"level": level,
		})
	)

	slot, err := Walk(space, page, true)
	if err != nil {
		log.WithError(err).Warn("page fault: unable to reach leaf table")
		return err
	}

	old := slot.Load()
	switch {
	case old.IsValid() && old.HasFlags(FlagCopyOnWrite):
	case old.IsValid() && kind == gate.FaultAccessFlag && !old.HasFlags(FlagAccessed):
		old.SetFlags(FlagAccessed)
		slot.Store(old)
		flushTLBEntryFn(page)
		return nil
	case old.IsValid():
		log.WithField("perm", old.Perm()).Warn("page fault: access not permitted by mapping")
		return ErrUnresolvedFault
	}

	frame, err := space.alloc.AllocFrame()
	if err != nil {
		log.WithError(err).Warn("page fault: no frame available")
		return err
	}

	perm := PermUserRW
	if old.IsValid() {
		space.ram.Memcopy(old.Frame().Address(), frame.Address(), mem.Size(mm.PageSize))
		perm = writablePerm(old.Perm())
	} else {
		space.ram.Memset(frame.Address(), 0, mem.Size(mm.PageSize))
	}

	// Insert drops the reference to the shared frame
	if err = Insert(space, frame, page, perm); err != nil {
		_ = space.alloc.FreeFrames(frame, 1)
		return err
	}

	log.Debug("page fault resolved")
	return nil
}
