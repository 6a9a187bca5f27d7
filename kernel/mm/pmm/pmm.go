// Package pmm implements the physical frame allocators used by the kernel.
package pmm

import (
	"gopherpi/kernel"
	"gopherpi/kernel/hal/atags"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
	"unsafe"
)

var (
	// visitMemRegionsFn is mocked by tests.
	visitMemRegionsFn = atags.VisitMemRegions

	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "firmware reported no usable memory"}
)

// DescriptorTableSize returns the number of bytes needed to store the frame
// descriptors for frameCount frames. The table is placed immediately after
// the kernel image.
func DescriptorTableSize(frameCount uint32) uintptr {
	return uintptr(frameCount) * unsafe.Sizeof(descriptor{})
}

// Init sets up the kernel physical memory allocator. It visits the memory
// regions reported by the firmware exactly once and hands every usable frame
// to the returned allocator, except for the frames occupied by the kernel
// image and the frame descriptor table that follows it.
func Init(kernelStart, kernelEnd uintptr) (*FirstFitAllocator, *kernel.Error) {
	type region struct{ start, end mm.Frame }

	var (
		regions   []region
		totalSize mem.Size
		log       = kfmt.Log("pmm")
	)

	log.Info("system memory map:")
	visitMemRegionsFn(func(entry *atags.MemoryMapEntry) bool {
		log.Infof("  [0x%010x - 0x%010x], size: %10d", entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Length)

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		start := mm.FrameFromAddress(mm.PageAlignUp(uintptr(entry.PhysAddress)))
		end := mm.FrameFromAddress(uintptr(entry.PhysAddress + entry.Length))
		if end > start {
			regions = append(regions, region{start, end})
			totalSize += mem.Size(end-start) << mm.PageShift
		}
		return true
	})

	if len(regions) == 0 {
		return nil, errNoUsableMemory
	}

	first, last := regions[0].start, regions[0].end
	for _, r := range regions[1:] {
		if r.start < first {
			first = r.start
		}
		if r.end > last {
			last = r.end
		}
	}

	frameCount := uint32(last - first)
	reservedStart := mm.FrameFromAddress(kernelStart)
	reservedEnd := mm.FrameFromAddress(mm.PageAlignUp(kernelEnd + DescriptorTableSize(frameCount)))

	alloc := NewFirstFitAllocator("kernel")
	alloc.initReserved(first, frameCount)

	for _, r := range regions {
		// Add the parts of the region below and above the reserved span
		if lo, hi := r.start, minFrame(r.end, reservedStart); hi > lo {
			alloc.releaseRegion(lo, uint32(hi-lo))
		}
		if lo, hi := maxFrame(r.start, reservedEnd), r.end; hi > lo {
			alloc.releaseRegion(lo, uint32(hi-lo))
		}
	}

	log.Infof("available memory: %dKb", uint64(totalSize/mem.Kb))
	log.Infof("kernel loaded at 0x%x - 0x%x", kernelStart, kernelEnd)
	log.Infof("reserved for kernel and frame descriptors: %d pages", uint64(reservedEnd-reservedStart))
	log.Infof("free frames: %d", alloc.FreeCount())

	return alloc, nil
}

func minFrame(a, b mm.Frame) mm.Frame {
	if a < b {
		return a
	}
	return b
}

func maxFrame(a, b mm.Frame) mm.Frame {
	if a > b {
		return a
	}
	return b
}
