package pmm

import (
	"gopherpi/kernel"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mm"
	"gopherpi/kernel/sync"

	"github.com/google/btree"
)

// descriptorFlag describes the state of a frame descriptor.
type descriptorFlag uint8

const (
	// flagReserved marks frames that are not managed by the allocator
	// (holes in the memory map, the kernel image).
	flagReserved descriptorFlag = 1 << iota

	// flagProperty marks the head frame of a free run. Only head frames
	// carry a valid run length.
	flagProperty

	// flagAllocated marks frames handed out by the allocator.
	flagAllocated
)

// descriptor tracks the state of a single physical frame.
type descriptor struct {
	// refCount is the number of page table mappings referencing the frame.
	refCount int32

	flags descriptorFlag

	// property holds the length of the free run headed by this frame. It
	// is only meaningful if flagProperty is set.
	property uint32
}

// freeRun is the free-list entry for a run of contiguous free frames. Runs
// are ordered by their head frame.
type freeRun struct {
	head  mm.Frame
	count uint32
}

func (r freeRun) end() mm.Frame { return r.head + mm.Frame(r.count) }

func lessRun(a, b freeRun) bool { return a.head < b.head }

// Run describes a span of free frames. It is returned by Runs for
// inspection purposes.
type Run struct {
	Frame mm.Frame
	Count uint32
}

// freeListDegree is the degree of the btree holding the free runs.
const freeListDegree = 8

var (
	// ErrOutOfMemory is returned when no free run can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidFree is returned when freeing frames that this allocator
	// did not hand out.
	ErrInvalidFree = &kernel.Error{Module: "pmm", Message: "attempt to free frames not owned by the allocator"}

	errInvalidRegion  = &kernel.Error{Module: "pmm", Message: "allocator region must be page-aligned and non-empty"}
	errInvalidCount   = &kernel.Error{Module: "pmm", Message: "frame count must be greater than zero"}
	errForeignFrame   = &kernel.Error{Module: "pmm", Message: "frame is not managed by the allocator"}
	errNotInitialized = &kernel.Error{Module: "pmm", Message: "allocator is not initialized"}
)

// FirstFitAllocator manages a contiguous region of physical frames. Free
// frames are grouped into maximal runs kept in address order; allocations
// take the first run that is large enough and split it, frees merge the
// released span with its neighbors.
//
// All methods are safe for concurrent use.
type FirstFitAllocator struct {
	name  string
	mutex sync.Spinlock

	// base is the first frame of the administered region. Descriptor i
	// belongs to frame base+i.
	base        mm.Frame
	descriptors []descriptor

	freeRuns  *btree.BTreeG[freeRun]
	freeCount uint32
}

// NewFirstFitAllocator returns an allocator with no frames. Init must be
// called before frames can be allocated.
func NewFirstFitAllocator(name string) *FirstFitAllocator {
	return &FirstFitAllocator{
		name:     name,
		freeRuns: btree.NewG[freeRun](freeListDegree, lessRun),
	}
}

// Name returns the allocator name used in diagnostics.
func (alloc *FirstFitAllocator) Name() string { return alloc.name }

// Init administers frameCount frames starting at physical address physBase
// and marks all of them as a single free run. Any previous state is dropped.
func (alloc *FirstFitAllocator) Init(physBase uintptr, frameCount uint32) *kernel.Error {
	if physBase&(mm.PageSize-1) != 0 || frameCount == 0 {
		return errInvalidRegion
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	alloc.reset(mm.FrameFromAddress(physBase), frameCount)
	alloc.release(alloc.base, frameCount)
	return nil
}

// initReserved administers frameCount frames starting at base with every
// frame flagged as reserved. Frames become available via release.
func (alloc *FirstFitAllocator) initReserved(base mm.Frame, frameCount uint32) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	alloc.reset(base, frameCount)
}

func (alloc *FirstFitAllocator) reset(base mm.Frame, frameCount uint32) {
	alloc.base = base
	alloc.descriptors = make([]descriptor, frameCount)
	for i := range alloc.descriptors {
		alloc.descriptors[i].flags = flagReserved
	}
	alloc.freeRuns.Clear(false)
	alloc.freeCount = 0
}

// AllocFrame reserves a single frame.
func (alloc *FirstFitAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFrames(1)
}

// AllocFrames reserves count contiguous frames using a first-fit policy and
// returns the first one. ErrOutOfMemory is returned if no free run is large
// enough.
func (alloc *FirstFitAllocator) AllocFrames(count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errInvalidCount
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	var (
		run   freeRun
		found bool
	)
	alloc.freeRuns.Ascend(func(r freeRun) bool {
		if r.count >= count {
			run, found = r, true
			return false
		}
		return true
	})

	if !found {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	alloc.carve(run, run.head, count)
	return run.head, nil
}

// AllocFramesAt reserves the count frames starting at target. The frames
// must all belong to the same free run; the run is split into at most three
// pieces. ErrOutOfMemory is returned if any of the frames is not free.
func (alloc *FirstFitAllocator) AllocFramesAt(target mm.Frame, count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errInvalidCount
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.owns(target, count) {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	var (
		run   freeRun
		found bool
	)
	alloc.freeRuns.DescendLessOrEqual(freeRun{head: target}, func(r freeRun) bool {
		run, found = r, true
		return false
	})

	if !found || run.end() < target+mm.Frame(count) {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	alloc.carve(run, target, count)
	return target, nil
}

// carve removes [frame, frame+count) from run, re-inserting the pieces of the
// run before and after the allocated span. The caller must hold the mutex.
func (alloc *FirstFitAllocator) carve(run freeRun, frame mm.Frame, count uint32) {
	alloc.removeRun(run)

	if before := uint32(frame - run.head); before > 0 {
		alloc.insertRun(freeRun{head: run.head, count: before})
	}

	if after := uint32(run.end() - frame - mm.Frame(count)); after > 0 {
		alloc.insertRun(freeRun{head: frame + mm.Frame(count), count: after})
	}

	for f := frame; f < frame+mm.Frame(count); f++ {
		*alloc.descriptor(f) = descriptor{flags: flagAllocated}
	}
	alloc.freeCount -= count
}

// FreeFrames returns count frames starting at frame to the allocator and
// merges them with any adjacent free runs. All frames must have been
// allocated by this allocator; otherwise ErrInvalidFree is returned and no
// frame is released.
func (alloc *FirstFitAllocator) FreeFrames(frame mm.Frame, count uint32) *kernel.Error {
	if count == 0 {
		return errInvalidCount
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.owns(frame, count) {
		return ErrInvalidFree
	}

	for f := frame; f < frame+mm.Frame(count); f++ {
		if alloc.descriptor(f).flags&flagAllocated == 0 {
			return ErrInvalidFree
		}
	}

	alloc.release(frame, count)
	return nil
}

// release marks the frames in [frame, frame+count) as free and links
// them into the free list, coalescing with the run that starts right after
// the span and the run that ends right before it. The caller must hold the
// mutex and guarantee that the span is not already free.
func (alloc *FirstFitAllocator) release(frame mm.Frame, count uint32) {
	for f := frame; f < frame+mm.Frame(count); f++ {
		*alloc.descriptor(f) = descriptor{}
	}
	alloc.freeCount += count

	merged := freeRun{head: frame, count: count}

	// Pass 1: successor
	if next, ok := alloc.freeRuns.Get(freeRun{head: merged.end()}); ok {
		alloc.removeRun(next)
		merged.count += next.count
	}

	// Pass 2: predecessor
	if merged.head > alloc.base {
		var prev freeRun
		alloc.freeRuns.DescendLessOrEqual(freeRun{head: merged.head - 1}, func(r freeRun) bool {
			prev = r
			return false
		})
		if prev.count != 0 && prev.end() == merged.head {
			alloc.removeRun(prev)
			merged.head, merged.count = prev.head, prev.count+merged.count
		}
	}

	alloc.insertRun(merged)
}

// releaseRegion makes the frames in [frame, frame+count) that were flagged
// as reserved by initReserved available for allocation.
func (alloc *FirstFitAllocator) releaseRegion(frame mm.Frame, count uint32) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	start := -1
	for f := frame; f <= frame+mm.Frame(count); f++ {
		reserved := f < frame+mm.Frame(count) && alloc.descriptor(f).flags == flagReserved
		switch {
		case reserved && start < 0:
			start = int(f)
		case !reserved && start >= 0:
			alloc.release(mm.Frame(start), uint32(int(f)-start))
			start = -1
		}
	}
}

func (alloc *FirstFitAllocator) insertRun(run freeRun) {
	d := alloc.descriptor(run.head)
	d.flags |= flagProperty
	d.property = run.count
	alloc.freeRuns.ReplaceOrInsert(run)
}

func (alloc *FirstFitAllocator) removeRun(run freeRun) {
	d := alloc.descriptor(run.head)
	d.flags &^= flagProperty
	d.property = 0
	alloc.freeRuns.Delete(run)
}

// owns returns true if [frame, frame+count) lies within the administered
// region.
func (alloc *FirstFitAllocator) owns(frame mm.Frame, count uint32) bool {
	return frame >= alloc.base && uint64(frame-alloc.base)+uint64(count) <= uint64(len(alloc.descriptors))
}

func (alloc *FirstFitAllocator) descriptor(frame mm.Frame) *descriptor {
	if !alloc.owns(frame, 1) {
		if len(alloc.descriptors) == 0 {
			panic(errNotInitialized)
		}
		panic(errForeignFrame)
	}
	return &alloc.descriptors[frame-alloc.base]
}

// Contains returns true if frame lies within the region administered by this
// allocator.
func (alloc *FirstFitAllocator) Contains(frame mm.Frame) bool {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.owns(frame, 1)
}

// IncRef increments the reference count of an allocated frame and returns
// the new count.
func (alloc *FirstFitAllocator) IncRef(frame mm.Frame) int32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	d := alloc.descriptor(frame)
	d.refCount++
	return d.refCount
}

// DecRef decrements the reference count of an allocated frame and returns
// the new count.
func (alloc *FirstFitAllocator) DecRef(frame mm.Frame) int32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	d := alloc.descriptor(frame)
	d.refCount--
	if d.refCount < 0 {
		kfmt.Log("pmm").WithField("frame", frame).Warn("reference count underflow")
	}
	return d.refCount
}

// RefCount returns the reference count of a frame.
func (alloc *FirstFitAllocator) RefCount(frame mm.Frame) int32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.descriptor(frame).refCount
}

// IsAllocated returns true if the frame has been handed out by the
// allocator.
func (alloc *FirstFitAllocator) IsAllocated(frame mm.Frame) bool {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.owns(frame, 1) && alloc.descriptors[frame-alloc.base].flags&flagAllocated != 0
}

// Base returns the first frame administered by the allocator.
func (alloc *FirstFitAllocator) Base() mm.Frame {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.base
}

// TotalFrames returns the number of frames administered by the allocator,
// including reserved ones.
func (alloc *FirstFitAllocator) TotalFrames() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return uint32(len(alloc.descriptors))
}

// FreeCount returns the number of free frames.
func (alloc *FirstFitAllocator) FreeCount() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.freeCount
}

// Runs returns the free runs in address order.
func (alloc *FirstFitAllocator) Runs() []Run {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	runs := make([]Run, 0, alloc.freeRuns.Len())
	alloc.freeRuns.Ascend(func(r freeRun) bool {
		runs = append(runs, Run{Frame: r.head, Count: r.count})
		return true
	})
	return runs
}
