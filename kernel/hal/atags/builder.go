package atags

import "encoding/binary"

// Builder assembles a tag list the way the firmware lays it out. It is used
// by boot loaders and simulated boards to hand information to the kernel.
type Builder struct {
	words []uint32
}

// NewBuilder returns a Builder whose list starts with an ATAG_CORE entry.
func NewBuilder(pageSize uint32) *Builder {
	b := &Builder{}
	// flags, page size, root device
	b.add(tagCore, 1, pageSize, 0)
	return b
}

// AddMem appends an ATAG_MEM entry.
func (b *Builder) AddMem(start, size uint32) *Builder {
	b.add(tagMem, size, start)
	return b
}

// AddCmdLine appends an ATAG_CMDLINE entry.
func (b *Builder) AddCmdLine(cmdLine string) *Builder {
	raw := append([]byte(cmdLine), 0)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}

	payload := make([]uint32, len(raw)/4)
	for i := range payload {
		payload[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	b.add(tagCmdLine, payload...)
	return b
}

// Bytes returns the encoded tag list terminated by ATAG_NONE.
func (b *Builder) Bytes() []byte {
	words := append(append([]uint32(nil), b.words...), 0, uint32(tagNone))

	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func (b *Builder) add(tag tagType, payload ...uint32) {
	b.words = append(b.words, uint32(len(payload)+tagHeaderWords), uint32(tag))
	b.words = append(b.words, payload...)
}
