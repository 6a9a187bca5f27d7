package mem

import (
	"encoding/binary"
	"gopherpi/kernel"
)

var (
	// ErrOutOfRange is raised (via panic) when the kernel touches a
	// physical address that is not backed by RAM. Such an access always
	// indicates a kernel bug.
	ErrOutOfRange = &kernel.Error{Module: "mem", Message: "physical access outside of RAM"}
)

// RAM models the physical memory of the machine as seen through the kernel's
// linear mapping. Physical addresses handed out by the frame allocators index
// into a RAM instance. Every access is bounds-checked.
type RAM struct {
	base uintptr
	data []byte
}

// NewRAM returns a zero-filled RAM block of the given size whose first byte
// lives at physical address base.
func NewRAM(base uintptr, size Size) *RAM {
	return &RAM{base: base, data: make([]byte, size)}
}

// Base returns the physical address of the first byte of RAM.
func (r *RAM) Base() uintptr { return r.base }

// End returns the first physical address past the end of RAM.
func (r *RAM) End() uintptr { return r.base + uintptr(len(r.data)) }

// Size returns the RAM size in bytes.
func (r *RAM) Size() Size { return Size(len(r.data)) }

// Contains returns true if the region [addr, addr+size) is backed by RAM.
func (r *RAM) Contains(addr uintptr, size Size) bool {
	return addr >= r.base && addr <= r.End() && uint64(r.End()-addr) >= uint64(size)
}

// Slice returns a byte slice overlaying the physical region [addr, addr+size).
// Writes to the returned slice are visible through any other view of the
// same region.
func (r *RAM) Slice(addr uintptr, size Size) []byte {
	if !r.Contains(addr, size) {
		panic(ErrOutOfRange)
	}

	off := addr - r.base
	return r.data[off : off+uintptr(size) : off+uintptr(size)]
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte loop it performs log2(size) copy calls, which pays off as page
// addresses are always aligned.
func (r *RAM) Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := r.Slice(addr, size)
	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func (r *RAM) Memcopy(src, dst uintptr, size Size) {
	if size == 0 {
		return
	}

	copy(r.Slice(dst, size), r.Slice(src, size))
}

// Uint32 reads the little-endian 32-bit word at addr.
func (r *RAM) Uint32(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(r.Slice(addr, 4))
}

// PutUint32 stores v as a little-endian 32-bit word at addr.
func (r *RAM) PutUint32(addr uintptr, v uint32) {
	binary.LittleEndian.PutUint32(r.Slice(addr, 4), v)
}

// Uint64 reads the little-endian 64-bit word at addr.
func (r *RAM) Uint64(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(r.Slice(addr, 8))
}

// PutUint64 stores v as a little-endian 64-bit word at addr.
func (r *RAM) PutUint64(addr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(r.Slice(addr, 8), v)
}
