// Package atags parses the ARM boot tags (ATAGS) that the firmware places in
// memory before jumping to the kernel. The kernel uses them to discover the
// physical memory layout and the boot command line.
package atags

import (
	"gopherpi/kernel/mem"
	"strings"
)

type tagType uint32

const (
	tagNone    tagType = 0x00000000
	tagCore    tagType = 0x54410001
	tagMem     tagType = 0x54410002
	tagCmdLine tagType = 0x54410009

	// tagHeaderWords is the size of the (size, tag) header in 32-bit
	// words.
	tagHeaderWords = 2

	// maxTags guards against malformed tag lists that never reach
	// tagNone.
	maxTags = 256
)

var (
	ram       *mem.RAM
	infoData  uintptr
	cmdLineKV map[string]string
)

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region reported by the firmware. If the
// visitor returns false, VisitMemRegions stops.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a region of usable RAM.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64
}

// SetInfoPtr records the physical address of the first tag. The tags are
// read through the supplied RAM.
func SetInfoPtr(r *mem.RAM, ptr uintptr) {
	ram = r
	infoData = ptr
	cmdLineKV = nil
}

// VisitMemRegions invokes visitor for each ATAG_MEM entry.
func VisitMemRegions(visitor MemRegionVisitor) {
	visitTags(func(tag tagType, dataAddr uintptr, words uint32) bool {
		if tag != tagMem || words < 2 {
			return true
		}

		entry := MemoryMapEntry{
			Length:      uint64(ram.Uint32(dataAddr)),
			PhysAddress: uint64(ram.Uint32(dataAddr + 4)),
		}
		return visitor(&entry)
	})
}

// GetBootCmdLine returns the key/value pairs passed on the kernel command
// line. Flags without a value map to themselves.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)
	visitTags(func(tag tagType, dataAddr uintptr, words uint32) bool {
		if tag != tagCmdLine {
			return true
		}

		// The command line is a C-style NULL-terminated string
		raw := ram.Slice(dataAddr, mem.Size(words)*4)
		if end := strings.IndexByte(string(raw), 0); end >= 0 {
			raw = raw[:end]
		}

		for _, pair := range strings.Fields(string(raw)) {
			kv := strings.SplitN(pair, "=", 2)
			switch len(kv) {
			case 2: // foo=bar
				cmdLineKV[kv[0]] = kv[1]
			case 1: // nofoo
				cmdLineKV[kv[0]] = kv[0]
			}
		}
		return false
	})

	return cmdLineKV
}

// visitTags walks the tag list invoking fn with the address and size (in
// words) of each tag payload. The walk stops at ATAG_NONE, at the first
// malformed tag, or when fn returns false.
func visitTags(fn func(tag tagType, dataAddr uintptr, words uint32) bool) {
	if ram == nil {
		return
	}

	curPtr := infoData
	for i := 0; i < maxTags && ram.Contains(curPtr, tagHeaderWords*4); i++ {
		size, tag := ram.Uint32(curPtr), tagType(ram.Uint32(curPtr+4))
		if tag == tagNone || size < tagHeaderWords || !ram.Contains(curPtr, mem.Size(size)*4) {
			return
		}

		if !fn(tag, curPtr+tagHeaderWords*4, size-tagHeaderWords) {
			return
		}

		curPtr += uintptr(size) * 4
	}
}
