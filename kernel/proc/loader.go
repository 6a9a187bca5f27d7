package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"gopherpi/kernel"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
	"gopherpi/kernel/mm/vmm"
)

// elfMagic is "\x7fELF" read as a little-endian word.
const elfMagic = 0x464C457F

// StackPages is the number of pages mapped below UserStackTop for the
// initial user stack.
const StackPages = 4

// UserStackTop is the initial user stack pointer. It may be overridden at
// boot.
var UserStackTop = uintptr(0x0000fffffffff000)

// Placement selects how the loader backs image pages with arena frames.
type Placement uint8

const (
	// FirstFit backs each page with the first free arena frame.
	FirstFit Placement = iota

	// Linear packs the image at the top of the arena so that consecutive
	// user pages use consecutive frames. Pages fall back to first fit if
	// their frame is taken.
	Linear
)

var (
	// ErrNoRoot is returned when the page table root or the private arena
	// cannot be allocated.
	ErrNoRoot = &kernel.Error{Module: "proc", Message: "unable to allocate address space"}

	// ErrInvalidImage is returned for images that are not valid ELF
	// executables.
	ErrInvalidImage = &kernel.Error{Module: "proc", Message: "invalid executable image"}

	// ErrSegmentAlloc is returned when the arena runs out of frames while
	// mapping image segments.
	ErrSegmentAlloc = &kernel.Error{Module: "proc", Message: "out of memory while loading segments"}

	// ErrStackAlloc is returned when the arena runs out of frames while
	// mapping the user stack.
	ErrStackAlloc = &kernel.Error{Module: "proc", Message: "out of memory while mapping the stack"}

	errZombieScheduled   = &kernel.Error{Module: "proc", Message: "readiness check on a zombie process"}
	errUnknownWaitReason = &kernel.Error{Module: "proc", Message: "unknown wait reason"}
)

// ErrorCode maps a Load error to the numeric code reported to callers.
func ErrorCode(err *kernel.Error) int {
	switch err {
	case nil:
		return 0
	case ErrNoRoot:
		return -1
	case ErrInvalidImage:
		return -2
	case ErrSegmentAlloc:
		return -3
	case ErrStackAlloc:
		return -4
	default:
		return -5
	}
}

// Load builds a fresh address space for p and populates it with the PT_LOAD
// segments of the ELF image, followed by StackPages stack pages below
// UserStackTop. On success the trap frame is set up to enter the image at
// EL0. On failure every frame obtained for p is returned to m.Kernel.
func (p *Process) Load(image []byte, m *Memory) *kernel.Error {
	if err := p.allocateSpace(m); err != nil {
		return err
	}

	if err := p.loadImage(image, m.Placement); err != nil {
		kfmt.Log("proc").WithField("name", p.Name).WithError(err).Warn("unable to load image")
		_ = p.Release(m.Kernel)
		return err
	}

	return nil
}

func (p *Process) loadImage(image []byte, placement Placement) *kernel.Error {
	if len(image) < 4 || binary.LittleEndian.Uint32(image) != elfMagic {
		return ErrInvalidImage
	}

	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return ErrInvalidImage
	}
	defer f.Close()

	l := &loader{space: p.Space, alloc: p.Allocator, placement: placement}
	l.computeLayout(f.Progs)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := l.loadSegment(prog); err != nil {
			return err
		}
	}

	for i := uintptr(1); i <= StackPages; i++ {
		if _, err := l.mapPage(UserStackTop-i*mm.PageSize, vmm.PermUserRW, false); err != nil {
			return ErrStackAlloc
		}
	}

	tf := &p.TrapFrame
	tf.ELR = f.Entry
	tf.SP = uint64(UserStackTop)
	tf.SPSR = spsrEL0t
	tf.TTBR0 = uint64(p.Space.Root().Address())
	return nil
}

// spsrEL0t returns to AArch64 EL0 using SP_EL0 with all exceptions unmasked.
const spsrEL0t = 0

type loader struct {
	space     *vmm.AddressSpace
	alloc     frameAllocator
	placement Placement

	// imageBase is the first page of the image and linearBase the arena
	// frame that backs it in Linear placement.
	imageBase  mm.Page
	linearBase mm.Frame
}

// frameAllocator is the subset of the arena allocator used by the loader.
type frameAllocator interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	AllocFramesAt(target mm.Frame, count uint32) (mm.Frame, *kernel.Error)
	Base() mm.Frame
	TotalFrames() uint32
}

func (l *loader) computeLayout(progs []*elf.Prog) {
	if l.placement != Linear {
		return
	}

	var lo, hi uintptr
	for _, prog := range progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		start := mm.PageAlignDown(uintptr(prog.Vaddr))
		end := mm.PageAlignUp(uintptr(prog.Vaddr + prog.Memsz))
		if hi == 0 || start < lo {
			lo = start
		}
		if end > hi {
			hi = end
		}
	}

	span := uint32((hi - lo) >> mm.PageShift)
	if span == 0 || span > l.alloc.TotalFrames() {
		l.placement = FirstFit
		return
	}

	l.imageBase = mm.PageFromAddress(lo)
	l.linearBase = l.alloc.Base() + mm.Frame(l.alloc.TotalFrames()-span)
}

// loadSegment maps every page covered by prog, copies the file contents and
// zero-fills the remainder up to the in-memory size.
func (l *loader) loadSegment(prog *elf.Prog) *kernel.Error {
	if prog.Filesz > prog.Memsz || prog.Vaddr+prog.Memsz < prog.Vaddr || uintptr(prog.Vaddr+prog.Memsz) > UserStackTop {
		return ErrInvalidImage
	}
	if prog.Memsz == 0 {
		return nil
	}

	var (
		perm  = segmentPerm(prog.Flags)
		start = mm.PageAlignDown(uintptr(prog.Vaddr))
		end   = mm.PageAlignUp(uintptr(prog.Vaddr + prog.Memsz))
	)

	for va := start; va < end; va += mm.PageSize {
		if _, err := l.mapPage(va, perm, true); err != nil {
			return ErrSegmentAlloc
		}
	}

	data := make([]byte, prog.Filesz)
	if _, err := io.ReadFull(prog.Open(), data); err != nil {
		return ErrInvalidImage
	}

	if err := vmm.CopyToUser(l.space, uintptr(prog.Vaddr), data); err != nil {
		return err
	}

	return l.zeroRange(uintptr(prog.Vaddr+prog.Filesz), uintptr(prog.Memsz-prog.Filesz))
}

// mapPage maps a zeroed frame at va. Pages already mapped by a previous
// segment are reused; their permissions become the union of both.
func (l *loader) mapPage(va uintptr, perm vmm.PageTableEntryFlag, image bool) (mm.Frame, *kernel.Error) {
	if pte, err := vmm.Lookup(l.space, va); err == nil {
		merged := mergePerm(pte.Perm(), perm)
		if merged != pte.Perm() {
			if err = vmm.Insert(l.space, pte.Frame(), va, merged); err != nil {
				return mm.InvalidFrame, err
			}
		}
		return pte.Frame(), nil
	}

	frame, err := l.allocFrame(va, image)
	if err != nil {
		return mm.InvalidFrame, err
	}

	l.space.RAM().Memset(frame.Address(), 0, mem.Size(mm.PageSize))
	if err = vmm.Insert(l.space, frame, va, perm); err != nil {
		return mm.InvalidFrame, err
	}
	return frame, nil
}

func (l *loader) allocFrame(va uintptr, image bool) (mm.Frame, *kernel.Error) {
	if image && l.placement == Linear {
		target := l.linearBase + mm.Frame(mm.PageFromAddress(va)-l.imageBase)
		if frame, err := l.alloc.AllocFramesAt(target, 1); err == nil {
			return frame, nil
		}
	}
	return l.alloc.AllocFrame()
}

func (l *loader) zeroRange(va, size uintptr) *kernel.Error {
	for size > 0 {
		n := mm.PageSize - vmm.PageOffset(va)
		if n > size {
			n = size
		}

		phys, err := vmm.Translate(l.space, va)
		if err != nil {
			return err
		}

		l.space.RAM().Memset(phys, 0, mem.Size(n))
		va, size = va+n, size-n
	}
	return nil
}

// segmentPerm converts ELF segment flags to user page permissions.
func segmentPerm(flags elf.ProgFlag) vmm.PageTableEntryFlag {
	switch {
	case flags&elf.PF_W != 0:
		return vmm.PermUserRW
	case flags&elf.PF_X != 0:
		return vmm.PermUserRX
	default:
		return vmm.PermUserRO
	}
}

// mergePerm returns permissions that grant every access granted by a or b.
func mergePerm(a, b vmm.PageTableEntryFlag) vmm.PageTableEntryFlag {
	writable := func(p vmm.PageTableEntryFlag) bool {
		return vmm.PageTableEntry(p).Writable()
	}
	switch {
	case a == b:
		return a
	case writable(a) || writable(b):
		perm := vmm.PermUserRW
		if a&vmm.FlagUXN == 0 || b&vmm.FlagUXN == 0 {
			perm &^= vmm.FlagUXN
		}
		return perm
	default:
		return vmm.PermUserRX
	}
}
