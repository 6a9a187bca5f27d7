package vmm

import (
	"bytes"

	"gopherpi/kernel"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
)

// ErrStringTooLong is returned by ReadUserString when no NUL terminator is
// found within the requested limit.
var ErrStringTooLong = &kernel.Error{Module: "vmm", Message: "user string exceeds maximum length"}

// CopyFromUser fills dst with the bytes mapped at virtAddr in space. The
// range may span multiple pages; ErrNotFound is returned if any of them is
// unmapped.
func CopyFromUser(space *AddressSpace, dst []byte, virtAddr uintptr) *kernel.Error {
	return copyUserRange(space, virtAddr, len(dst), func(phys uintptr, off, n int) {
		copy(dst[off:off+n], space.ram.Slice(phys, mem.Size(n)))
	})
}

// CopyToUser writes src to the pages mapped at virtAddr in space. Page
// permissions are not checked; the kernel may write to read-only pages.
func CopyToUser(space *AddressSpace, virtAddr uintptr, src []byte) *kernel.Error {
	return copyUserRange(space, virtAddr, len(src), func(phys uintptr, off, n int) {
		copy(space.ram.Slice(phys, mem.Size(n)), src[off:off+n])
	})
}

// ReadUserString reads a NUL-terminated string starting at virtAddr. At most
// maxLen bytes, excluding the terminator, are read.
func ReadUserString(space *AddressSpace, virtAddr uintptr, maxLen int) (string, *kernel.Error) {
	var buf []byte

	for len(buf) <= maxLen {
		chunk := int(mm.PageSize - PageOffset(virtAddr))
		if rem := maxLen + 1 - len(buf); chunk > rem {
			chunk = rem
		}

		phys, err := Translate(space, virtAddr)
		if err != nil {
			return "", err
		}

		data := space.ram.Slice(phys, mem.Size(chunk))
		if nul := bytes.IndexByte(data, 0); nul >= 0 {
			return string(append(buf, data[:nul]...)), nil
		}

		buf = append(buf, data...)
		virtAddr += uintptr(chunk)
	}

	return "", ErrStringTooLong
}

// copyUserRange translates [virtAddr, virtAddr+size) page by page and calls
// fn for each physically contiguous piece.
func copyUserRange(space *AddressSpace, virtAddr uintptr, size int, fn func(phys uintptr, off, n int)) *kernel.Error {
	for off := 0; off < size; {
		n := int(mm.PageSize - PageOffset(virtAddr))
		if n > size-off {
			n = size - off
		}

		phys, err := Translate(space, virtAddr)
		if err != nil {
			return err
		}

		fn(phys, off, n)
		off += n
		virtAddr += uintptr(n)
	}

	return nil
}
