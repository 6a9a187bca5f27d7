// Package trap routes exceptions taken from user mode to the memory manager,
// the scheduler and the syscall handlers.
package trap

import (
	"io/fs"

	"gopherpi/kernel"
	"gopherpi/kernel/cpu"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/hal"
	"gopherpi/kernel/irq"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mm/vmm"
	"gopherpi/kernel/proc"
	"gopherpi/kernel/sched"
)

// brkInstructionSize is the amount ELR is advanced by after a breakpoint.
const brkInstructionSize = 4

var (
	// readFARFn is used by tests to override calls to cpu.ReadFAR.
	readFARFn = cpu.ReadFAR

	errUnexpectedException = &kernel.Error{Module: "trap", Message: "unexpected exception"}
	errKernelFault         = &kernel.Error{Module: "trap", Message: "page fault in kernel mode"}
)

// Tracer receives fault and syscall events.
type Tracer interface {
	Fault(id proc.ID, addr uintptr, kind gate.FaultKind, resolved bool)
	Syscall(id proc.ID, num Syscall, arg uint64)
}

// Config bundles the collaborators of a Dispatcher.
type Config struct {
	Scheduler *sched.Scheduler
	Timer     hal.Timer
	Intc      irq.Controller

	// Files is searched by exec.
	Files fs.FS

	// Respawn, if set, is executed from kernel context when the last
	// process exits. The supervisor only runs if it cannot be started.
	Respawn string

	// Supervisor runs when the last process exits. It defaults to
	// halting the core.
	Supervisor func()

	// Tracer is optional.
	Tracer Tracer
}

// Dispatcher handles every exception vector entry.
type Dispatcher struct {
	cfg      Config
	syscalls map[Syscall]syscallFn
}

// NewDispatcher returns a Dispatcher serving the syscall table.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Supervisor == nil {
		cfg.Supervisor = haltSupervisor
	}

	d := &Dispatcher{cfg: cfg}
	d.syscalls = map[Syscall]syscallFn{
		SysSleep: d.sleep,
		SysExec:  d.exec,
		SysPrint: d.print,
		SysFork:  d.fork,
		SysExit:  d.exit,
		SysWait:  d.wait,
	}
	return d
}

func haltSupervisor() {
	kfmt.Log("trap").Info("no processes left; halting")
	cpu.Halt()
}

// HandleException implements gate.Handler.
func (d *Dispatcher) HandleException(info gate.Info, esr uint32, tf *gate.TrapFrame) {
	switch info.Kind {
	case gate.Synchronous:
		d.handleSynchronous(info, gate.DecodeSyndrome(esr), tf)
	case gate.Irq:
		d.handleIRQ(tf)
	default:
		unexpectedException(info, gate.Syndrome{Raw: esr}, tf)
	}
}

func (d *Dispatcher) handleSynchronous(info gate.Info, syndrome gate.Syndrome, tf *gate.TrapFrame) {
	switch {
	case syndrome.Class == gate.ClassBrk:
		kfmt.Log("trap").WithField("elr", tf.ELR).Debugf("breakpoint #%d", syndrome.Imm)
		tf.ELR += brkInstructionSize
	case syndrome.Class == gate.ClassSvc:
		d.handleSyscall(Syscall(syndrome.Imm), tf)
	case syndrome.IsAbort():
		d.handleAbort(info, syndrome, tf)
	default:
		unexpectedException(info, syndrome, tf)
	}
}

// handleAbort resolves a fault in the address space of the current process.
// Faults that cannot be resolved terminate the process.
func (d *Dispatcher) handleAbort(info gate.Info, syndrome gate.Syndrome, tf *gate.TrapFrame) {
	faultAddr := uintptr(readFARFn())

	cur := d.cfg.Scheduler.Current()
	if !syndrome.LowerEL || cur == nil || cur.Space == nil {
		kfmt.Printf("\nPage fault while accessing address: 0x%16x\n", faultAddr)
		dumpException(info, syndrome, tf)
		kfmt.Panic(errKernelFault)
		return
	}

	err := vmm.HandlePageFault(cur.Space, faultAddr, syndrome.Fault, syndrome.Level)
	if d.cfg.Tracer != nil {
		d.cfg.Tracer.Fault(cur.ID, faultAddr, syndrome.Fault, err == nil)
	}
	if err == nil {
		return
	}

	kfmt.Log("trap").WithFields(map[string]interface{}{
		"id":   cur.ID,
		"addr": faultAddr,
		"elr":  tf.ELR,
	}).WithError(err).Warnf("terminating process after %s", syndrome)

	d.terminate(cur, -1, tf)
}

// handleIRQ services the highest priority pending interrupt line.
func (d *Dispatcher) handleIRQ(tf *gate.TrapFrame) {
	if d.cfg.Intc == nil {
		return
	}

	for _, line := range irq.Priority {
		if !d.cfg.Intc.IsPending(line) {
			continue
		}

		switch line {
		case irq.Timer1:
			d.cfg.Timer.TickIn(d.cfg.Scheduler.Tick())
			d.cfg.Intc.Acknowledge(line)
			d.schedule(proc.Ready, tf)
		default:
			kfmt.Log("trap").WithField("line", line).Warn("ignoring unhandled interrupt")
			d.cfg.Intc.Acknowledge(line)
		}
		return
	}
}

// terminate turns p into a zombie with the given exit code, returns its
// frames and runs the next process.
func (d *Dispatcher) terminate(p *proc.Process, code int64, tf *gate.TrapFrame) {
	p.ExitCode = code
	p.SetState(proc.Zombie)

	if mem := d.cfg.Scheduler.Memory(); mem != nil {
		if err := p.Release(mem.Kernel); err != nil {
			kfmt.Log("trap").WithField("id", p.ID).WithError(err).Error("unable to release process memory")
		}
	}

	d.schedule(proc.Zombie, tf)
}

// schedule switches to the next ready process. If none is left the respawn
// program is started, or else the supervisor takes over.
func (d *Dispatcher) schedule(next proc.State, tf *gate.TrapFrame) {
	if _, ok := d.cfg.Scheduler.Switch(next, tf); ok {
		return
	}

	if d.cfg.Respawn != "" {
		errno := d.Exec(d.cfg.Respawn, tf)
		if errno == gate.ErrOK {
			return
		}
		kfmt.Log("trap").WithField("path", d.cfg.Respawn).Warnf("unable to respawn: %v", errno)
	}
	d.cfg.Supervisor()
}

func unexpectedException(info gate.Info, syndrome gate.Syndrome, tf *gate.TrapFrame) {
	kfmt.Printf("\nUnexpected exception\n")
	dumpException(info, syndrome, tf)
	kfmt.Panic(errUnexpectedException)
}

func dumpException(info gate.Info, syndrome gate.Syndrome, tf *gate.TrapFrame) {
	kfmt.Printf("%s from %s: %s (esr 0x%x)\n", info.Kind, info.Source, syndrome, syndrome.Raw)
	kfmt.Printf("\nRegisters:\n")
	tf.DumpTo(kfmt.GetOutputSink())
}
