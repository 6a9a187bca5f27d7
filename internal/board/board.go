// Package board simulates a single-core Raspberry Pi 3 class machine on the
// host. It provides RAM, a CPU that executes a small A64 subset in user mode,
// the BCM2837 system timer and interrupt controller and a PL011 UART, and
// boots the kernel on top of them.
package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"gopherpi/kernel/cpu"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/hal/atags"
	"gopherpi/kernel/kmain"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
)

const (
	// ATAGSAddr is where the boot tags are placed.
	ATAGSAddr = 0x100

	// KernelBase and KernelSize delimit the memory reserved for the
	// kernel image. Everything below KernelBase belongs to the firmware.
	KernelBase = 0x80000
	KernelSize = 0x100000

	// DefaultRAMSize is used when Config.RAMSize is zero.
	DefaultRAMSize = 16 * mem.Mb

	// DefaultCycleTime is the simulated duration of one instruction.
	DefaultCycleTime = time.Microsecond

	// midrCortexA53 is the MIDR_EL1 value of a Cortex-A53 r0p4.
	midrCortexA53 = 0x410fd034

	// maxIdleCycles bounds how long the core may wait with nothing that
	// could wake it up.
	maxIdleCycles = 10_000_000
)

var (
	// ErrBootFailed is returned by Run if the kernel halted before
	// entering user mode.
	ErrBootFailed = errors.New("kernel halted during boot")

	// ErrIdle is returned by Run if every process is blocked and no timer
	// is armed.
	ErrIdle = errors.New("machine idle with no pending wake-up")

	// ErrBusError is returned by Run if the core accessed memory outside
	// RAM.
	ErrBusError = errors.New("bus error")

	// runMu serializes boards; the kernel keeps its state in package
	// variables.
	runMu sync.Mutex
)

// StopReason describes why a board stopped.
type StopReason uint8

const (
	// StopHalted means that the kernel halted the core.
	StopHalted StopReason = iota

	// StopTickLimit means that Config.MaxTicks timer ticks elapsed.
	StopTickLimit

	// StopCancelled means that the context passed to Run was cancelled.
	StopCancelled

	// StopIdle means that the core waited for an interrupt that could
	// never arrive.
	StopIdle

	// StopBusError means that an access fell outside RAM.
	StopBusError
)

var stopReasonNames = [...]string{"halted", "tick limit", "cancelled", "idle", "bus error"}

func (r StopReason) String() string {
	if int(r) < len(stopReasonNames) {
		return stopReasonNames[r]
	}
	return "unknown"
}

// Config describes the simulated machine.
type Config struct {
	// RAMSize is the amount of physical memory.
	RAMSize mem.Size

	// CmdLine is passed to the kernel through ATAG_CMDLINE.
	CmdLine string

	// Files holds the executables visible to the kernel.
	Files fs.FS

	// Console receives UART output.
	Console io.Writer

	// MaxTicks stops the board after that many timer ticks. Zero means
	// no limit.
	MaxTicks uint64

	// CycleTime is the simulated duration of one instruction.
	CycleTime time.Duration

	// Tracer is optional.
	Tracer kmain.Tracer
}

// Result summarizes a board run.
type Result struct {
	Reason       StopReason
	Ticks        uint64
	Instructions uint64
	Elapsed      time.Duration
	TLBFlushes   uint64
}

// powerOff unwinds the kernel stack when the board stops while the kernel
// waits for an interrupt.
type powerOff struct{}

// Board is a simulated machine. It implements cpu.Machine and
// hal.UserEntry.
type Board struct {
	cfg Config
	ram *mem.RAM
	mmu mmu
	ctx context.Context

	clock   time.Duration
	compare time.Duration
	armed   bool

	enabled uint64
	pending uint64

	far        uint64
	ticks      uint64
	insns      uint64
	idle       uint64
	tlbFlushes uint64

	entered bool
	stopped bool
	reason  StopReason
	err     error
}

// New returns a powered-off board.
func New(cfg Config) *Board {
	if cfg.RAMSize == 0 {
		cfg.RAMSize = DefaultRAMSize
	}
	if cfg.CycleTime == 0 {
		cfg.CycleTime = DefaultCycleTime
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}

	b := &Board{cfg: cfg, ram: mem.NewRAM(0, cfg.RAMSize)}
	b.mmu.ram = b.ram
	return b
}

// RAM returns the physical memory of the board.
func (b *Board) RAM() *mem.RAM { return b.ram }

// Now returns the simulated time since power on.
func (b *Board) Now() time.Duration { return b.clock }

// Ticks returns the number of timer ticks so far.
func (b *Board) Ticks() uint64 { return b.ticks }

// Run boots the kernel and returns once the board stops.
func (b *Board) Run(ctx context.Context) (res Result, err error) {
	runMu.Lock()
	defer runMu.Unlock()

	b.ctx = ctx
	tags := atags.NewBuilder(uint32(mm.PageSize)).
		AddMem(0, uint32(b.ram.Size())).
		AddCmdLine(b.cfg.CmdLine).
		Bytes()
	copy(b.ram.Slice(ATAGSAddr, mem.Size(len(tags))), tags)

	cpu.SetMachine(b)
	b.registerDrivers()
	defer b.detach()

	func() {
		defer b.recoverPowerOff()
		kmain.Kmain(kmain.BootEnv{
			RAM:         b.ram,
			InfoPtr:     ATAGSAddr,
			KernelStart: 0,
			KernelEnd:   KernelBase + KernelSize,
			Files:       b.cfg.Files,
			Tracer:      b.cfg.Tracer,
		})
	}()

	res = Result{
		Reason:       b.reason,
		Ticks:        b.ticks,
		Instructions: b.insns,
		Elapsed:      b.clock,
		TLBFlushes:   b.tlbFlushes,
	}

	switch {
	case b.err != nil:
		return res, b.err
	case !b.entered:
		return res, ErrBootFailed
	}
	return res, nil
}

func (b *Board) recoverPowerOff() {
	if r := recover(); r != nil {
		if _, ok := r.(powerOff); !ok {
			panic(r)
		}
	}
}

// stop powers the board off. Only the first reason is kept.
func (b *Board) stop(reason StopReason, err error) {
	if b.stopped {
		return
	}
	b.stopped, b.reason, b.err = true, reason, err
}

// checkLimits stops the board if the context is done or the tick budget is
// spent.
func (b *Board) checkLimits() {
	switch {
	case b.ctx != nil && b.ctx.Err() != nil:
		b.stop(StopCancelled, b.ctx.Err())
	case b.cfg.MaxTicks != 0 && b.ticks >= b.cfg.MaxTicks:
		b.stop(StopTickLimit, nil)
	}
}

// advance moves the clock forward and fires the timer compare if it is due.
func (b *Board) advance(d time.Duration) {
	b.clock += d
	if b.armed && b.clock >= b.compare {
		b.armed = false
		b.ticks++
		b.raise(timerLine)
	}
}

// EnterUser implements hal.UserEntry. It runs user code until the board
// stops, delivering exceptions through the gate vector.
func (b *Board) EnterUser(tf *gate.TrapFrame) {
	b.entered = true
	defer b.recoverPowerOff()

	for {
		b.checkLimits()
		if b.stopped {
			return
		}

		if b.pending&b.enabled != 0 {
			gate.Dispatch(gate.Info{Source: gate.LowerAArch64, Kind: gate.Irq}, 0, tf)
			continue
		}

		b.execute(tf)
	}
}

// EnableInterrupts implements cpu.Machine. Exceptions are taken with
// interrupts masked and user code always runs with them unmasked, so the
// mask is not modelled.
func (b *Board) EnableInterrupts() {}

// DisableInterrupts implements cpu.Machine.
func (b *Board) DisableInterrupts() {}

// Halt implements cpu.Machine by powering the board off.
func (b *Board) Halt() { b.stop(StopHalted, nil) }

// WaitForInterrupt implements cpu.Machine. It is only called by the kernel
// while no process can run.
func (b *Board) WaitForInterrupt() {
	b.checkLimits()
	if b.stopped {
		panic(powerOff{})
	}

	switch {
	case b.armed:
		if b.compare > b.clock {
			b.clock = b.compare
		}
		b.advance(0)
		b.idle = 0
	case b.pending&b.enabled == 0, b.idle >= maxIdleCycles:
		b.stop(StopIdle, ErrIdle)
		panic(powerOff{})
	default:
		// An interrupt is already pending but cannot be taken from
		// the kernel; let time pass so that sleepers wake up
		b.advance(b.cfg.CycleTime)
		b.idle++
	}
}

// FlushTLBEntry implements cpu.Machine. The board walks the tables on every
// access so flushes are only counted.
func (b *Board) FlushTLBEntry(uintptr) { b.tlbFlushes++ }

// FlushTLB implements cpu.Machine.
func (b *Board) FlushTLB() { b.tlbFlushes++ }

// SwitchPDT implements cpu.Machine by loading TTBR0_EL1.
func (b *Board) SwitchPDT(root uintptr) { b.mmu.ttbr0 = uint64(root) }

// ActivePDT implements cpu.Machine.
func (b *Board) ActivePDT() uintptr { return uintptr(b.mmu.ttbr0) }

// ReadFAR implements cpu.Machine.
func (b *Board) ReadFAR() uint64 { return b.far }

// ReadMIDR implements cpu.Machine.
func (b *Board) ReadMIDR() uint64 { return midrCortexA53 }

func busError(addr uintptr) error {
	return fmt.Errorf("%w at 0x%x", ErrBusError, addr)
}
