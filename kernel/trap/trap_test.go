package trap

import (
	"bytes"
	"debug/elf"
	"math"
	"testing"
	"testing/fstest"
	"time"

	"gopherpi/internal/elfimage"
	"gopherpi/kernel/cpu"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/hal"
	"gopherpi/kernel/irq"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
	"gopherpi/kernel/mm/pmm"
	"gopherpi/kernel/mm/vmm"
	"gopherpi/kernel/proc"
	"gopherpi/kernel/sched"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	textAddr  = 0x10000
	dataAddr  = 0x20000
	helloAddr = dataAddr
	pathAddr  = dataAddr + 0x10
	holeAddr  = 0x30000
)

var (
	userInfo = gate.Info{Source: gate.LowerAArch64, Kind: gate.Synchronous}
	irqInfo  = gate.Info{Source: gate.LowerAArch64, Kind: gate.Irq}
)

func testImage(entry uint64) []byte {
	data := make([]byte, 0x20)
	copy(data, "hello\x00")
	copy(data[pathAddr-dataAddr:], "/bin/hello\x00")

	return (&elfimage.Image{
		Entry: entry,
		Segments: []elfimage.Segment{
			{Vaddr: textAddr, Flags: elf.PF_R | elf.PF_X, Data: bytes.Repeat([]byte{0x1f, 0x20, 0x03, 0xd5}, 4)},
			{Vaddr: dataAddr, Flags: elf.PF_R | elf.PF_W, Data: data},
		},
	}).Bytes()
}

type fakeTimer struct {
	now   time.Duration
	armed []time.Duration
}

func (t *fakeTimer) CurrentTime() time.Duration { return t.now }
func (t *fakeTimer) TickIn(d time.Duration)     { t.armed = append(t.armed, d) }

type fakeIntc struct {
	pending map[irq.Interrupt]bool
	acked   []irq.Interrupt
}

func (c *fakeIntc) Enable(irq.Interrupt)              {}
func (c *fakeIntc) Disable(irq.Interrupt)             {}
func (c *fakeIntc) IsPending(line irq.Interrupt) bool { return c.pending[line] }
func (c *fakeIntc) Acknowledge(line irq.Interrupt) {
	delete(c.pending, line)
	c.acked = append(c.acked, line)
}

type faultEvent struct {
	id       proc.ID
	addr     uintptr
	kind     gate.FaultKind
	resolved bool
}

type recordingTracer struct {
	faults   []faultEvent
	syscalls []Syscall
}

func (r *recordingTracer) Fault(id proc.ID, addr uintptr, kind gate.FaultKind, resolved bool) {
	r.faults = append(r.faults, faultEvent{id, addr, kind, resolved})
}

func (r *recordingTracer) Syscall(_ proc.ID, num Syscall, _ uint64) {
	r.syscalls = append(r.syscalls, num)
}

type testKernel struct {
	t         *testing.T
	mem       *proc.Memory
	kernel    *pmm.FirstFitAllocator
	timer     *fakeTimer
	intc      *fakeIntc
	sched     *sched.Scheduler
	disp      *Dispatcher
	tracer    *recordingTracer
	files     fstest.MapFS
	halted    int
	tf        gate.TrapFrame
	console   bytes.Buffer
	processes []*proc.Process
}

func newTestKernel(t *testing.T, names ...string) *testKernel {
	t.Helper()

	k := &testKernel{
		t:      t,
		kernel: pmm.NewFirstFitAllocator("kernel"),
		timer:  &fakeTimer{},
		intc:   &fakeIntc{pending: make(map[irq.Interrupt]bool)},
		tracer: &recordingTracer{},
		files:  fstest.MapFS{},
	}
	require.Nil(t, k.kernel.Init(0, 1024))

	k.mem = &proc.Memory{
		RAM:        mem.NewRAM(0, 1024*mem.Size(mm.PageSize)),
		Kernel:     k.kernel,
		ArenaPages: 32,
	}
	k.sched = sched.New(sched.Config{Memory: k.mem, Timer: k.timer, Intc: k.intc, Tick: 5 * time.Millisecond})
	k.disp = NewDispatcher(Config{
		Scheduler:  k.sched,
		Timer:      k.timer,
		Intc:       k.intc,
		Files:      k.files,
		Supervisor: func() { k.halted++ },
		Tracer:     k.tracer,
	})

	kfmt.SetOutputSink(&k.console)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	for _, name := range names {
		p := proc.New(name)
		require.Nil(t, p.Load(testImage(textAddr), k.mem))
		k.sched.Add(p)
		k.processes = append(k.processes, p)
	}
	if len(names) != 0 {
		_, ok := k.sched.Resume(&k.tf)
		require.True(t, ok)
	}

	return k
}

func (k *testKernel) svc(num Syscall, arg uint64) {
	k.tf.SetReturn(arg)
	k.disp.HandleException(userInfo, gate.EncodeSvc(uint16(num)), &k.tf)
}

func (k *testKernel) tick() {
	k.intc.pending[irq.Timer1] = true
	k.disp.HandleException(irqInfo, 0, &k.tf)
}

func (k *testKernel) current() *proc.Process {
	cur := k.sched.Current()
	require.NotNil(k.t, cur)
	return cur
}

func TestSyscallString(t *testing.T) {
	assert.Equal(t, "sleep", SysSleep.String())
	assert.Equal(t, "wait", SysWait.String())
	assert.Equal(t, "unknown", Syscall(42).String())
}

func TestBreakpoint(t *testing.T) {
	k := newTestKernel(t, "a")
	elr := k.tf.ELR

	k.disp.HandleException(userInfo, gate.EncodeBrk(0), &k.tf)
	assert.Equal(t, elr+brkInstructionSize, k.tf.ELR)
	assert.Equal(t, k.processes[0], k.current())
}

func TestUnknownSyscall(t *testing.T) {
	k := newTestKernel(t, "a")

	k.svc(Syscall(99), 0)
	assert.Equal(t, gate.ErrNoSys, k.tf.Errno())
	assert.Equal(t, uint64(1), k.tf.X[gate.ErrorReg])
	assert.Equal(t, []Syscall{99}, k.tracer.syscalls)
}

func TestSleep(t *testing.T) {
	k := newTestKernel(t, "a", "b")
	a, b := k.processes[0], k.processes[1]

	k.svc(SysSleep, 20)
	require.Equal(t, b, k.current())
	assert.Equal(t, proc.KindWaiting, a.State().Kind())

	// a is still asleep: b keeps running
	k.timer.now = 10 * time.Millisecond
	k.tick()
	require.Equal(t, b, k.current())

	k.timer.now = 25 * time.Millisecond
	k.tick()
	require.Equal(t, a, k.current())
	assert.Equal(t, uint64(25), k.tf.Arg())
	assert.Equal(t, gate.ErrOK, k.tf.Errno())

	assert.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}, k.timer.armed)
	assert.Equal(t, []irq.Interrupt{irq.Timer1, irq.Timer1}, k.intc.acked)
	assert.Equal(t, mm.FrameAllocator(a.Allocator), k.sched.ActiveAllocator())

	t.Run("duration past the end of the clock", func(t *testing.T) {
		k := newTestKernel(t, "a", "b")
		a, b := k.processes[0], k.processes[1]

		k.timer.now = time.Millisecond
		k.svc(SysSleep, ^uint64(0)>>1)
		require.Equal(t, b, k.current())
		assert.Equal(t, proc.Waiting(proc.Sleeping{Since: time.Millisecond, Until: math.MaxInt64}), a.State())

		k.timer.now = 1000 * time.Hour
		k.tick()
		assert.Equal(t, b, k.current(), "expected the sleeper to stay asleep")
	})
}

func TestPrint(t *testing.T) {
	k := newTestKernel(t, "a")

	k.svc(SysPrint, helloAddr)
	assert.Equal(t, gate.ErrOK, k.tf.Errno())
	assert.Equal(t, uint64(5), k.tf.Arg())
	assert.Contains(t, k.console.String(), "hello")

	k.svc(SysPrint, holeAddr)
	assert.Equal(t, gate.ErrFault, k.tf.Errno())
}

func TestFork(t *testing.T) {
	k := newTestKernel(t, "a")
	parent := k.processes[0]
	k.tf.X[gate.ErrorReg] = 42

	k.svc(SysFork, 0)
	require.Equal(t, gate.ErrOK, k.tf.Errno())
	require.Equal(t, parent, k.current(), "expected the parent to keep running")
	require.Equal(t, 2, k.sched.Len())

	childID := proc.ID(k.tf.Arg())
	child := k.sched.Lookup(childID)
	require.NotNil(t, child)
	assert.Equal(t, parent.ID, child.Parent)
	assert.Equal(t, uint64(0), child.TrapFrame.Arg())
	assert.Equal(t, gate.ErrOK, child.TrapFrame.Errno())
	assert.Equal(t, k.tf.ELR, child.TrapFrame.ELR)
	assert.Equal(t, uint64(childID), child.TrapFrame.TPIDR)

	parentPhys, err := vmm.Translate(parent.Space, helloAddr)
	require.Nil(t, err)
	childPhys, err := vmm.Translate(child.Space, helloAddr)
	require.Nil(t, err)
	assert.NotEqual(t, parentPhys, childPhys)
	assert.Equal(t, k.mem.RAM.Slice(parentPhys, 6), k.mem.RAM.Slice(childPhys, 6))

	// The child runs on the next tick
	k.tick()
	assert.Equal(t, child, k.current())
	assert.Equal(t, uint64(0), k.tf.Arg())
}

func TestForkOutOfMemory(t *testing.T) {
	k := newTestKernel(t, "a")

	// Leave no room for another arena
	for {
		if _, err := k.kernel.AllocFrame(); err != nil {
			break
		}
	}

	k.svc(SysFork, 0)
	assert.Equal(t, gate.ErrNoMem, k.tf.Errno())
	assert.Equal(t, 1, k.sched.Len())
	assert.Equal(t, k.processes[0], k.current())
}

func TestExitAndWait(t *testing.T) {
	k := newTestKernel(t, "a")
	parent := k.processes[0]
	freeBefore := k.kernel.FreeCount()

	k.svc(SysFork, 0)
	childID := proc.ID(k.tf.Arg())

	k.svc(SysWait, uint64(childID))
	require.Equal(t, childID, k.current().ID)

	k.svc(SysExit, 7)
	require.Equal(t, parent, k.current())
	assert.Equal(t, uint64(7), k.tf.Arg())
	assert.Equal(t, gate.ErrOK, k.tf.Errno())
	assert.Nil(t, k.sched.Lookup(childID), "expected the collected child to be removed")
	assert.Equal(t, freeBefore, k.kernel.FreeCount(), "expected child frames to be released")
	assert.Zero(t, k.halted)

	k.svc(SysExit, 0)
	assert.Equal(t, 1, k.halted)
	assert.True(t, k.sched.IsFinished(parent.ID))
	assert.Equal(t, mm.FrameAllocator(k.kernel), k.sched.ActiveAllocator())
}

func TestWaitErrors(t *testing.T) {
	k := newTestKernel(t, "a")
	parent := k.processes[0]

	k.svc(SysWait, 77)
	assert.Equal(t, gate.ErrSrch, k.tf.Errno())

	k.svc(SysWait, uint64(parent.ID))
	assert.Equal(t, gate.ErrSrch, k.tf.Errno())
	assert.Equal(t, parent, k.current())

	t.Run("not a child", func(t *testing.T) {
		k := newTestKernel(t, "a", "b")
		a, b := k.processes[0], k.processes[1]

		k.svc(SysWait, uint64(b.ID))
		assert.Equal(t, gate.ErrSrch, k.tf.Errno())
		assert.Equal(t, a, k.current())
		assert.Equal(t, proc.Running, a.State())
	})
}

func TestExec(t *testing.T) {
	k := newTestKernel(t, "a")
	caller := k.processes[0]
	k.files["bin/hello"] = &fstest.MapFile{Data: testImage(textAddr + 8)}

	k.svc(SysExec, pathAddr)

	require.Equal(t, 2, k.sched.Len())
	loaded := k.current()
	require.NotEqual(t, caller, loaded)
	assert.Equal(t, "/bin/hello", loaded.Name)
	assert.Equal(t, uint64(textAddr+8), k.tf.ELR)
	assert.Equal(t, uint64(proc.UserStackTop), k.tf.SP)
	assert.Equal(t, proc.Waiting(proc.WaitingExit{ID: loaded.ID}), caller.State())
	assert.Equal(t, uint64(loaded.ID), caller.TrapFrame.Arg())

	// The caller resumes once the new process exits
	k.svc(SysExit, 0)
	require.Equal(t, caller, k.current())
	assert.Equal(t, uint64(loaded.ID), k.tf.Arg())
	assert.Equal(t, 1, k.sched.Len())
}

func TestExecErrors(t *testing.T) {
	specs := []struct {
		name  string
		files fstest.MapFS
		exp   gate.Errno
	}{
		{"missing file", fstest.MapFS{}, gate.ErrNoEnt},
		{"invalid image", fstest.MapFS{"bin/hello": {Data: []byte("#!/bin/sh\n")}}, gate.ErrNoExec},
		{"image too big", fstest.MapFS{"bin/hello": {Data: make([]byte, ExecScratchPages*mm.PageSize+1)}}, gate.ErrNoExec},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			k := newTestKernel(t, "a")
			k.disp.cfg.Files = spec.files
			freeBefore := k.kernel.FreeCount()

			k.svc(SysExec, pathAddr)
			assert.Equal(t, spec.exp, k.tf.Errno())
			assert.Equal(t, 1, k.sched.Len())
			assert.Equal(t, k.processes[0], k.current())
			assert.Equal(t, freeBefore, k.kernel.FreeCount(), "expected scratch frames to be released")
		})
	}

	t.Run("bad path pointer", func(t *testing.T) {
		k := newTestKernel(t, "a")
		k.svc(SysExec, holeAddr)
		assert.Equal(t, gate.ErrFault, k.tf.Errno())
	})

	t.Run("no filesystem", func(t *testing.T) {
		k := newTestKernel(t, "a")
		k.disp.cfg.Files = nil
		k.svc(SysExec, pathAddr)
		assert.Equal(t, gate.ErrNoEnt, k.tf.Errno())
	})
}

func TestExecFromKernel(t *testing.T) {
	k := newTestKernel(t)
	k.files["bin/hello"] = &fstest.MapFile{Data: testImage(textAddr + 8)}

	require.Equal(t, gate.ErrOK, k.disp.Exec("bin/hello", &k.tf))
	loaded := k.current()
	assert.Equal(t, "bin/hello", loaded.Name)
	assert.Equal(t, proc.Running, loaded.State())
	assert.Equal(t, uint64(textAddr+8), k.tf.ELR)
	assert.Equal(t, uint64(proc.UserStackTop), k.tf.SP)
	assert.Equal(t, mm.FrameAllocator(loaded.Allocator), k.sched.ActiveAllocator())

	// With a process running the new one is only queued
	var other gate.TrapFrame
	require.Equal(t, gate.ErrOK, k.disp.Exec("bin/hello", &other))
	assert.Equal(t, 2, k.sched.Len())
	assert.Equal(t, loaded, k.current())
	assert.Equal(t, gate.TrapFrame{}, other)

	assert.Equal(t, gate.ErrNoEnt, k.disp.Exec("bin/missing", &other))
	assert.Equal(t, 2, k.sched.Len())
}

func TestRespawn(t *testing.T) {
	k := newTestKernel(t, "a")
	k.files["bin/hello"] = &fstest.MapFile{Data: testImage(textAddr + 8)}
	k.disp.cfg.Respawn = "bin/hello"

	k.svc(SysExit, 0)
	assert.Zero(t, k.halted)
	respawned := k.current()
	assert.Equal(t, "bin/hello", respawned.Name)
	assert.Equal(t, uint64(textAddr+8), k.tf.ELR)
	assert.Equal(t, 1, k.sched.Len())

	k.disp.cfg.Respawn = "bin/missing"
	k.svc(SysExit, 0)
	assert.Equal(t, 1, k.halted)
	assert.True(t, k.sched.IsEmpty())
	assert.Contains(t, k.console.String(), "unable to respawn")
}

func TestAbort(t *testing.T) {
	defer func(orig func() uint64) { readFARFn = orig }(readFARFn)

	k := newTestKernel(t, "a", "b")
	a, b := k.processes[0], k.processes[1]

	// Untouched addresses are backed by zeroed pages on demand
	readFARFn = func() uint64 { return holeAddr + 8 }
	k.disp.HandleException(userInfo, gate.EncodeDataAbort(gate.FaultTranslation, 3, true), &k.tf)
	require.Equal(t, a, k.current())
	pte, err := vmm.Lookup(a.Space, holeAddr)
	require.Nil(t, err)
	assert.True(t, pte.Writable())

	// Writing to the text segment kills the process
	readFARFn = func() uint64 { return textAddr }
	k.disp.HandleException(userInfo, gate.EncodeDataAbort(gate.FaultPermission, 3, true), &k.tf)
	require.Equal(t, b, k.current())
	assert.True(t, a.IsZombie() || k.sched.Lookup(a.ID) == nil)
	assert.Equal(t, int64(-1), a.ExitCode)
	assert.Nil(t, a.Space)

	assert.Equal(t, []faultEvent{
		{a.ID, holeAddr + 8, gate.FaultTranslation, true},
		{a.ID, textAddr, gate.FaultPermission, false},
	}, k.tracer.faults)
}

func TestIRQ(t *testing.T) {
	ctrl := gomock.NewController(t)
	intc := irq.NewMockController(ctrl)
	timer := hal.NewMockTimer(ctrl)

	k := newTestKernel(t, "a", "b")
	k.disp.cfg.Intc, k.disp.cfg.Timer = intc, timer

	t.Run("timer", func(t *testing.T) {
		intc.EXPECT().IsPending(irq.Timer1).Return(true)
		timer.EXPECT().TickIn(5 * time.Millisecond)
		intc.EXPECT().Acknowledge(irq.Timer1)

		k.disp.HandleException(irqInfo, 0, &k.tf)
		assert.Equal(t, k.processes[1], k.current())
	})

	t.Run("other lines", func(t *testing.T) {
		intc.EXPECT().IsPending(gomock.Any()).DoAndReturn(func(line irq.Interrupt) bool {
			return line == irq.Uart
		}).Times(len(irq.Priority))
		intc.EXPECT().Acknowledge(irq.Uart)

		k.disp.HandleException(irqInfo, 0, &k.tf)
		assert.Equal(t, k.processes[1], k.current(), "expected no reschedule")
	})
}

func TestFatalExceptions(t *testing.T) {
	defer cpu.SetMachine(nil)

	specs := []struct {
		name string
		info gate.Info
		esr  uint32
	}{
		{"fiq", gate.Info{Source: gate.LowerAArch64, Kind: gate.Fiq}, 0},
		{"serror", gate.Info{Source: gate.LowerAArch64, Kind: gate.SError}, 0},
		{"unknown class", userInfo, 0},
		{"kernel abort", gate.Info{Source: gate.CurrentSpElx, Kind: gate.Synchronous}, 0x96000047},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			machine := cpu.NewMockMachine(ctrl)
			machine.EXPECT().Halt()
			machine.EXPECT().ReadFAR().Return(uint64(0)).AnyTimes()
			machine.EXPECT().FlushTLBEntry(gomock.Any()).AnyTimes()
			machine.EXPECT().SwitchPDT(gomock.Any()).AnyTimes()
			machine.EXPECT().FlushTLB().AnyTimes()
			cpu.SetMachine(machine)

			k := newTestKernel(t, "a")
			k.disp.HandleException(spec.info, spec.esr, &k.tf)

			assert.Contains(t, k.console.String(), "kernel panic")
			assert.Equal(t, k.processes[0], k.current(), "expected the process to be left untouched")
		})
	}
}

func TestDefaultSupervisor(t *testing.T) {
	defer cpu.SetMachine(nil)

	ctrl := gomock.NewController(t)
	machine := cpu.NewMockMachine(ctrl)
	machine.EXPECT().Halt()
	machine.EXPECT().FlushTLBEntry(gomock.Any()).AnyTimes()
	machine.EXPECT().SwitchPDT(gomock.Any()).AnyTimes()
	machine.EXPECT().FlushTLB().AnyTimes()
	cpu.SetMachine(machine)

	k := newTestKernel(t, "a")
	k.disp = NewDispatcher(Config{Scheduler: k.sched, Timer: k.timer, Intc: k.intc})

	k.svc(SysExit, 3)
	assert.True(t, k.sched.IsEmpty())
	assert.Contains(t, k.console.String(), "no processes left")
}
