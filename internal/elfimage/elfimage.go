// Package elfimage assembles minimal static aarch64 ELF executables. The
// simulated board uses it to package user program scripts and tests use it
// to build loader inputs.
package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"unsafe"
)

// Segment describes a PT_LOAD program header.
type Segment struct {
	Vaddr uint64
	Flags elf.ProgFlag

	// Data is the file-backed part of the segment.
	Data []byte

	// Memsz is the in-memory size. Values smaller than len(Data) are
	// raised to len(Data).
	Memsz uint64
}

// Image is an executable under construction.
type Image struct {
	Entry    uint64
	Segments []Segment

	// Notes are added as PT_NOTE headers and ignored by loaders.
	Notes [][]byte
}

// Bytes serializes the image.
func (img *Image) Bytes() []byte {
	var (
		hdrSize  = uint64(unsafe.Sizeof(elf.Header64{}))
		progSize = uint64(unsafe.Sizeof(elf.Prog64{}))
		phnum    = len(img.Segments) + len(img.Notes)
		offset   = hdrSize + progSize*uint64(phnum)
		progs    = make([]elf.Prog64, 0, phnum)
		payload  bytes.Buffer
	)

	for _, seg := range img.Segments {
		memsz := seg.Memsz
		if memsz < uint64(len(seg.Data)) {
			memsz = uint64(len(seg.Data))
		}

		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    offset + uint64(payload.Len()),
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memsz,
			Align:  0x1000,
		})
		payload.Write(seg.Data)
	}

	for _, note := range img.Notes {
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_NOTE),
			Off:    offset + uint64(payload.Len()),
			Filesz: uint64(len(note)),
			Align:  4,
		})
		payload.Write(note)
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Ehsize:    uint16(hdrSize),
		Phentsize: uint16(progSize),
		Phnum:     uint16(phnum),
	}
	if phnum > 0 {
		hdr.Phoff = hdrSize
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, &hdr)
	_ = binary.Write(&out, binary.LittleEndian, progs)
	out.Write(payload.Bytes())
	return out.Bytes()
}
