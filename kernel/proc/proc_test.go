package proc

import (
	"bytes"
	"debug/elf"
	"testing"
	"time"

	"gopherpi/internal/elfimage"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
	"gopherpi/kernel/mm/pmm"
	"gopherpi/kernel/mm/vmm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, frames, arenaPages uint32) (*Memory, *pmm.FirstFitAllocator) {
	t.Helper()

	kernelAlloc := pmm.NewFirstFitAllocator("kernel")
	require.Nil(t, kernelAlloc.Init(0, frames))

	return &Memory{
		RAM:        mem.NewRAM(0, mem.Size(frames)*mem.Size(mm.PageSize)),
		Kernel:     kernelAlloc,
		ArenaPages: arenaPages,
	}, kernelAlloc
}

func mappedPages(space *vmm.AddressSpace) map[uintptr]vmm.PageTableEntry {
	pages := make(map[uintptr]vmm.PageTableEntry)
	space.VisitLeaves(func(va uintptr, pte vmm.PageTableEntry) bool {
		pages[va] = pte
		return true
	})
	return pages
}

// twoSegmentImage returns an image with a 4100 byte text segment starting 4
// bytes into a page and an 8192 byte bss segment.
func twoSegmentImage() ([]byte, []byte) {
	text := bytes.Repeat([]byte{0xd5, 0x03, 0x20, 0x1f}, 1025)
	img := elfimage.Image{
		Entry: 0x10004,
		Segments: []elfimage.Segment{
			{Vaddr: 0x10004, Flags: elf.PF_R | elf.PF_X, Data: text},
			{Vaddr: 0x20000, Flags: elf.PF_R | elf.PF_W, Memsz: 8192},
		},
	}
	return img.Bytes(), text
}

func TestNew(t *testing.T) {
	p := New("")
	assert.Equal(t, DefaultName, p.Name)
	assert.Equal(t, Ready, p.State())
	assert.Equal(t, DefaultName, p.Allocator.Name())
	assert.Equal(t, gate.TrapFrame{}, p.TrapFrame)
	assert.Nil(t, p.Space)

	assert.Equal(t, "init", New("init").Name)
}

func TestIDAllocator(t *testing.T) {
	var (
		ids IDAllocator
		a   = New("a")
		b   = New("b")
	)

	assert.Equal(t, ID(1), ids.AssignID(a))
	assert.Equal(t, ID(2), ids.AssignID(b))
	assert.Equal(t, ID(2), b.ID)
	assert.Equal(t, uint64(2), b.TrapFrame.TPIDR)
}

func TestLoad(t *testing.T) {
	m, kernelAlloc := newTestMemory(t, 128, 32)
	image, text := twoSegmentImage()

	p := New("init")
	require.Nil(t, p.Load(image, m))

	pages := mappedPages(p.Space)
	assert.Len(t, pages, 8, "expected 2 text pages, 2 bss pages and 4 stack pages")
	for _, va := range []uintptr{0x10000, 0x11000, 0x20000, 0x21000} {
		assert.Contains(t, pages, va)
	}
	for i := uintptr(1); i <= StackPages; i++ {
		pte, ok := pages[UserStackTop-i*mm.PageSize]
		require.True(t, ok, "expected stack page %d to be mapped", i)
		assert.Equal(t, vmm.PermUserRW, pte.Perm())
	}
	assert.Equal(t, vmm.PermUserRX, pages[0x10000].Perm())
	assert.Equal(t, vmm.PermUserRW, pages[0x20000].Perm())

	tf := p.TrapFrame
	assert.Equal(t, uint64(UserStackTop), tf.SP)
	assert.Equal(t, uint64(0x10004), tf.ELR)
	assert.Equal(t, uint64(spsrEL0t), tf.SPSR)
	assert.Equal(t, uint64(p.Space.Root().Address()), tf.TTBR0)

	got := make([]byte, len(text)+4)
	require.Nil(t, vmm.CopyFromUser(p.Space, got, 0x10000))
	assert.Equal(t, []byte{0, 0, 0, 0}, got[:4], "expected page head before the segment to be zeroed")
	assert.Equal(t, text, got[4:])

	bss := make([]byte, 8192)
	require.Nil(t, vmm.CopyFromUser(p.Space, bss, 0x20000))
	assert.Equal(t, make([]byte, 8192), bss)

	// All frames come from the private arena
	arena, arenaPages := p.Arena()
	for va, pte := range pages {
		assert.True(t, pte.Frame() >= arena && pte.Frame() < arena+mm.Frame(arenaPages), "page 0x%x is backed by a frame outside the arena", va)
	}

	freeBefore := kernelAlloc.FreeCount()
	require.Nil(t, p.Release(m.Kernel))
	require.Nil(t, p.Release(m.Kernel))
	assert.Equal(t, freeBefore+arenaPages+1, kernelAlloc.FreeCount())
	assert.Equal(t, []pmm.Run{{Frame: 0, Count: 128}}, kernelAlloc.Runs())
}

func TestLoadErrors(t *testing.T) {
	onePage := (&elfimage.Image{
		Entry:    0x10000,
		Segments: []elfimage.Segment{{Vaddr: 0x10000, Flags: elf.PF_R | elf.PF_X, Data: []byte{1, 2, 3, 4}}},
	}).Bytes()

	badMagic := append([]byte{}, onePage...)
	badMagic[0] = 0

	truncated := onePage[:80]

	specs := []struct {
		descr      string
		frames     uint32
		arenaPages uint32
		image      []byte
		expErr     error
		expCode    int
	}{
		// 1 root frame but no room for the arena
		{"no arena", 4, 4, onePage, ErrNoRoot, -1},
		{"bad magic", 64, 16, badMagic, ErrInvalidImage, -2},
		{"truncated header", 64, 16, truncated, ErrInvalidImage, -2},
		// 3 tables use up the arena
		{"segment out of memory", 64, 3, onePage, ErrSegmentAlloc, -3},
		// 3 tables + 1 page leave no room for the stack tables
		{"stack out of memory", 64, 4, onePage, ErrStackAlloc, -4},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			m, kernelAlloc := newTestMemory(t, spec.frames, spec.arenaPages)

			err := New("test").Load(spec.image, m)
			if err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
			assert.Equal(t, spec.expCode, ErrorCode(err))
			assert.Equal(t, spec.frames, kernelAlloc.FreeCount(), "expected all frames to be returned to the kernel")
		})
	}

	assert.Equal(t, 0, ErrorCode(nil))
}

func TestLoadSharedPage(t *testing.T) {
	m, _ := newTestMemory(t, 128, 32)
	image := (&elfimage.Image{
		Entry: 0x10000,
		Segments: []elfimage.Segment{
			{Vaddr: 0x10000, Flags: elf.PF_R | elf.PF_X, Data: []byte("text")},
			{Vaddr: 0x10800, Flags: elf.PF_R | elf.PF_W, Data: []byte("data"), Memsz: 0x1000},
		},
	}).Bytes()

	p := New("shared")
	require.Nil(t, p.Load(image, m))

	pages := mappedPages(p.Space)
	assert.Len(t, pages, 2+StackPages)

	pte := pages[0x10000]
	assert.True(t, pte.Writable(), "expected shared page to be writable")
	assert.False(t, pte.HasFlags(vmm.FlagUXN), "expected shared page to stay executable")
	assert.Equal(t, int32(1), p.Allocator.RefCount(pte.Frame()))

	buf := make([]byte, 4)
	require.Nil(t, vmm.CopyFromUser(p.Space, buf, 0x10000))
	assert.Equal(t, "text", string(buf))
	require.Nil(t, vmm.CopyFromUser(p.Space, buf, 0x10800))
	assert.Equal(t, "data", string(buf))
}

func TestLoadLinearPlacement(t *testing.T) {
	m, _ := newTestMemory(t, 128, 32)
	m.Placement = Linear

	image := (&elfimage.Image{
		Entry:    0x40000,
		Segments: []elfimage.Segment{{Vaddr: 0x40000, Flags: elf.PF_R | elf.PF_W, Memsz: 3 * 0x1000}},
	}).Bytes()

	p := New("linear")
	require.Nil(t, p.Load(image, m))

	arena, arenaPages := p.Arena()
	top := arena + mm.Frame(arenaPages)
	pages := mappedPages(p.Space)
	for i := uintptr(0); i < 3; i++ {
		pte := pages[0x40000+i*mm.PageSize]
		assert.Equal(t, top-3+mm.Frame(i), pte.Frame(), "page %d", i)
	}
}

type fakeEnv struct {
	now      time.Duration
	statuses map[ID]Status
}

func (e fakeEnv) Now() time.Duration { return e.now }

func (e fakeEnv) Status(id ID) (Status, bool) {
	s, ok := e.statuses[id]
	return s, ok
}

func TestIsReady(t *testing.T) {
	env := fakeEnv{
		now: 250 * time.Millisecond,
		statuses: map[ID]Status{
			2: {State: Zombie, ExitCode: 42},
			3: {State: Running},
		},
	}

	specs := []struct {
		descr    string
		state    State
		expReady bool
		expX0    uint64
		expErrno gate.Errno
	}{
		{"ready", Ready, true, 0xff, 0xee},
		{"running", Running, false, 0xff, 0xee},
		{"sleep not expired", Waiting(Sleeping{Since: 100 * time.Millisecond, Until: 300 * time.Millisecond}), false, 0xff, 0xee},
		{"sleep expired", Waiting(Sleeping{Since: 100 * time.Millisecond, Until: 200 * time.Millisecond}), true, 150, gate.ErrOK},
		{"child exited", Waiting(WaitingChild{ID: 2}), true, 42, gate.ErrOK},
		{"child running", Waiting(WaitingChild{ID: 3}), false, 0xff, 0xee},
		{"child gone", Waiting(WaitingChild{ID: 9}), true, 0, gate.ErrSrch},
		{"exit pending", Waiting(WaitingExit{ID: 3}), false, 0xff, 0xee},
		{"exit done", Waiting(WaitingExit{ID: 2}), true, 0xff, 0xee},
		{"exit reaped", Waiting(WaitingExit{ID: 9}), true, 0xff, 0xee},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			p := New("test")
			p.SetState(spec.state)
			p.TrapFrame.X[0], p.TrapFrame.X[7] = 0xff, 0xee

			assert.Equal(t, spec.expReady, p.IsReady(env))
			assert.Equal(t, spec.expX0, p.TrapFrame.X[0])
			assert.Equal(t, spec.expErrno, p.TrapFrame.Errno())

			switch {
			case spec.expReady:
				assert.Equal(t, Ready, p.State())
			default:
				assert.Equal(t, spec.state, p.State(), "expected state to be kept")
			}
		})
	}

	t.Run("zombie", func(t *testing.T) {
		p := New("test")
		p.SetState(Zombie)
		assert.PanicsWithValue(t, errZombieScheduled, func() { p.IsReady(env) })
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "zombie", Zombie.String())
	assert.Equal(t, "waiting (waiting for child 4)", Waiting(WaitingChild{ID: 4}).String())
	assert.Equal(t, KindWaiting, Waiting(WaitingExit{ID: 1}).Kind())
	assert.Nil(t, Running.Reason())
}

func TestFork(t *testing.T) {
	m, kernelAlloc := newTestMemory(t, 256, 32)
	image, _ := twoSegmentImage()

	parent := New("parent")
	parent.ID = 7
	require.Nil(t, parent.Load(image, m))
	require.Nil(t, vmm.CopyToUser(parent.Space, 0x20010, []byte("parent data")))
	parent.TrapFrame.X[0] = 4
	parent.TrapFrame.X[1] = 0x1234

	child, err := Fork(parent, m)
	require.Nil(t, err)

	assert.Equal(t, ID(7), child.Parent)
	assert.Equal(t, "parent", child.Name)
	assert.Equal(t, uint64(0), child.TrapFrame.X[0])
	assert.Equal(t, uint64(0x1234), child.TrapFrame.X[1])
	assert.Equal(t, parent.TrapFrame.ELR, child.TrapFrame.ELR)
	assert.Equal(t, parent.TrapFrame.SP, child.TrapFrame.SP)
	assert.Equal(t, uint64(child.Space.Root().Address()), child.TrapFrame.TTBR0)
	assert.NotEqual(t, parent.TrapFrame.TTBR0, child.TrapFrame.TTBR0)

	parentPages, childPages := mappedPages(parent.Space), mappedPages(child.Space)
	require.Equal(t, len(parentPages), len(childPages))
	for va, ppte := range parentPages {
		cpte, ok := childPages[va]
		require.True(t, ok, "expected page 0x%x to be mapped in the child", va)
		assert.NotEqual(t, ppte.Frame(), cpte.Frame(), "expected distinct frames at 0x%x", va)
		assert.Equal(t, ppte.Perm(), cpte.Perm())
		assert.Equal(t,
			m.RAM.Slice(ppte.Frame().Address(), mem.Size(mm.PageSize)),
			m.RAM.Slice(cpte.Frame().Address(), mem.Size(mm.PageSize)),
			"expected identical content at 0x%x", va,
		)
	}

	// Writes after the fork are private
	require.Nil(t, vmm.CopyToUser(child.Space, 0x20010, []byte("child")))
	buf := make([]byte, 6)
	require.Nil(t, vmm.CopyFromUser(parent.Space, buf, 0x20010))
	assert.Equal(t, "parent", string(buf))

	t.Run("out of memory", func(t *testing.T) {
		free := kernelAlloc.FreeCount()
		small := *m
		small.ArenaPages = 4

		_, err := Fork(parent, &small)
		assert.Equal(t, pmm.ErrOutOfMemory, err)
		assert.Equal(t, free, kernelAlloc.FreeCount())
	})
}
