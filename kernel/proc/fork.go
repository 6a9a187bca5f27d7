package proc

import (
	"gopherpi/kernel"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
	"gopherpi/kernel/mm/vmm"
)

// Fork returns a copy of parent with its own address space. Every page
// mapped in the parent is copied into a frame of the child arena and mapped
// at the same address with the same permissions. The child trap frame is a
// copy of the parent one with x0 cleared.
//
// The child has no ID until it is added to the scheduler.
func Fork(parent *Process, m *Memory) (*Process, *kernel.Error) {
	child := New(parent.Name)
	child.Parent = parent.ID
	child.TrapFrame = parent.TrapFrame

	if err := child.allocateSpace(m); err != nil {
		return nil, err
	}

	var err *kernel.Error
	if parent.Space != nil {
		parent.Space.VisitLeaves(func(va uintptr, pte vmm.PageTableEntry) bool {
			var frame mm.Frame
			if frame, err = child.Allocator.AllocFrame(); err != nil {
				return false
			}

			m.RAM.Memcopy(pte.Frame().Address(), frame.Address(), mem.Size(mm.PageSize))
			err = vmm.Insert(child.Space, frame, va, pte.Perm())
			return err == nil
		})
	}

	if err != nil {
		_ = child.Release(m.Kernel)
		return nil, err
	}

	child.TrapFrame.SetReturn(0)
	child.TrapFrame.TTBR0 = uint64(child.Space.Root().Address())
	return child, nil
}
