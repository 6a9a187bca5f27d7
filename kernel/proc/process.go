// Package proc implements user processes: their lifecycle state, address
// space and the ELF image loader.
package proc

import (
	"time"

	"gopherpi/kernel"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
	"gopherpi/kernel/mm/pmm"
	"gopherpi/kernel/mm/vmm"
)

// DefaultName is assigned to processes created without a name.
const DefaultName = "idle"

// FrameSource is the allocator processes obtain their page table root and
// private arena from.
type FrameSource interface {
	mm.FrameAllocator

	AllocFrames(count uint32) (mm.Frame, *kernel.Error)
}

// Memory describes where a process obtains its frames from.
type Memory struct {
	// RAM backs every frame handed out by Kernel.
	RAM *mem.RAM

	// Kernel is the kernel frame allocator.
	Kernel FrameSource

	// ArenaPages is the number of frames reserved for each process. Page
	// tables and user pages are allocated from the arena.
	ArenaPages uint32

	// Placement selects how image pages are laid out in the arena.
	Placement Placement
}

// Process is a user program together with its saved registers and address
// space.
type Process struct {
	ID     ID
	Parent ID
	Name   string

	// TrapFrame holds the registers restored when the process resumes.
	TrapFrame gate.TrapFrame

	// ExitCode is valid once the process is a zombie.
	ExitCode int64

	// Allocator manages the private arena of the process.
	Allocator *pmm.FirstFitAllocator

	// Space is nil until an image is loaded or the process is forked.
	Space *vmm.AddressSpace

	state State

	root       mm.Frame
	arena      mm.Frame
	arenaPages uint32
}

// New returns a ready process with a zeroed trap frame and an empty private
// allocator.
func New(name string) *Process {
	if name == "" {
		name = DefaultName
	}

	return &Process{
		Name:      name,
		Allocator: pmm.NewFirstFitAllocator(name),
		state:     Ready,
		root:      mm.InvalidFrame,
		arena:     mm.InvalidFrame,
	}
}

// State returns the current process state.
func (p *Process) State() State { return p.state }

// SetState updates the process state.
func (p *Process) SetState(s State) { p.state = s }

// IsZombie returns true if the process has exited.
func (p *Process) IsZombie() bool { return p.state.kind == KindZombie }

// IsReady reports whether the process can be scheduled. Waiting processes
// are checked against env; if their wait condition holds the wake-up side
// effects are applied to the trap frame and the process becomes ready.
//
// IsReady panics if called on a zombie.
func (p *Process) IsReady(env Env) bool {
	switch p.state.kind {
	case KindReady:
		return true
	case KindRunning:
		return false
	case KindZombie:
		panic(errZombieScheduled)
	}

	switch reason := p.state.reason.(type) {
	case Sleeping:
		now := env.Now()
		if now < reason.Until {
			return false
		}
		p.TrapFrame.SetReturn(uint64((now - reason.Since) / time.Millisecond))
		p.TrapFrame.SetErrno(gate.ErrOK)
	case WaitingChild:
		status, ok := env.Status(reason.ID)
		switch {
		case !ok:
			p.TrapFrame.SetReturn(0)
			p.TrapFrame.SetErrno(gate.ErrSrch)
		case status.State.kind == KindZombie:
			p.TrapFrame.SetReturn(uint64(status.ExitCode))
			p.TrapFrame.SetErrno(gate.ErrOK)
		default:
			return false
		}
	case WaitingExit:
		if status, ok := env.Status(reason.ID); ok && status.State.kind != KindZombie {
			return false
		}
	default:
		panic(errUnknownWaitReason)
	}

	p.state = Ready
	return true
}

// allocateSpace reserves the page table root and the private arena of the
// process from the kernel allocator.
func (p *Process) allocateSpace(m *Memory) *kernel.Error {
	root, err := m.Kernel.AllocFrame()
	if err != nil {
		return ErrNoRoot
	}

	arena, err := m.Kernel.AllocFrames(m.ArenaPages)
	if err != nil {
		_ = m.Kernel.FreeFrames(root, 1)
		return ErrNoRoot
	}

	if err = p.Allocator.Init(arena.Address(), m.ArenaPages); err != nil {
		_ = m.Kernel.FreeFrames(arena, m.ArenaPages)
		_ = m.Kernel.FreeFrames(root, 1)
		return ErrNoRoot
	}

	p.root, p.arena, p.arenaPages = root, arena, m.ArenaPages
	p.Space = vmm.NewAddressSpace(m.RAM, root, p.Allocator)
	p.TrapFrame.TTBR0 = uint64(root.Address())
	return nil
}

// Arena returns the first frame and the size of the private arena.
func (p *Process) Arena() (mm.Frame, uint32) { return p.arena, p.arenaPages }

// Release returns the private arena and the page table root to the kernel
// allocator. It is safe to call Release more than once.
func (p *Process) Release(kernelFrames FrameSource) *kernel.Error {
	var err *kernel.Error

	if p.arena.Valid() {
		err = kernelFrames.FreeFrames(p.arena, p.arenaPages)
		p.arena, p.arenaPages = mm.InvalidFrame, 0
	}

	if p.root.Valid() {
		if rootErr := kernelFrames.FreeFrames(p.root, 1); err == nil {
			err = rootErr
		}
		p.root = mm.InvalidFrame
	}

	p.Space = nil
	return err
}

// IDAllocator hands out process IDs in increasing order. It is not safe for
// concurrent use; the scheduler serializes access to it.
type IDAllocator struct {
	last ID
}

// AssignID stores the next ID in p and in its thread-id register.
func (a *IDAllocator) AssignID(p *Process) ID {
	a.last++
	p.ID = a.last
	p.TrapFrame.TPIDR = uint64(a.last)
	return a.last
}
