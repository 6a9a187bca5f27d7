package trap

import (
	"math"
	"time"

	"gopherpi/kernel/gate"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mm/vmm"
	"gopherpi/kernel/proc"
)

// Syscall is the immediate operand of the svc instruction.
type Syscall uint16

// Syscall numbers. The argument is passed in x0 and the result is returned
// in x0; x7 holds a gate.Errno.
const (
	SysSleep Syscall = 1
	SysExec  Syscall = 2
	SysPrint Syscall = 3
	SysFork  Syscall = 4
	SysExit  Syscall = 5
	SysWait  Syscall = 6
)

var syscallNames = map[Syscall]string{
	SysSleep: "sleep",
	SysExec:  "exec",
	SysPrint: "print",
	SysFork:  "fork",
	SysExit:  "exit",
	SysWait:  "wait",
}

func (s Syscall) String() string {
	if name, ok := syscallNames[s]; ok {
		return name
	}
	return "unknown"
}

// maxStringLen bounds strings read from user memory, including paths.
const maxStringLen = 256

type syscallFn func(cur *proc.Process, tf *gate.TrapFrame)

func (d *Dispatcher) handleSyscall(num Syscall, tf *gate.TrapFrame) {
	cur := d.cfg.Scheduler.Current()
	if cur == nil {
		unexpectedException(gate.Info{Source: gate.CurrentSpElx, Kind: gate.Synchronous}, gate.DecodeSyndrome(gate.EncodeSvc(uint16(num))), tf)
		return
	}

	if d.cfg.Tracer != nil {
		d.cfg.Tracer.Syscall(cur.ID, num, tf.Arg())
	}

	fn, ok := d.syscalls[num]
	if !ok {
		kfmt.Log("trap").WithField("id", cur.ID).Debugf("unknown syscall %d", num)
		tf.SetErrno(gate.ErrNoSys)
		return
	}

	tf.SetErrno(gate.ErrOK)
	fn(cur, tf)
}

// sleep suspends the caller for x0 milliseconds. On wake-up x0 holds the
// elapsed time in milliseconds. Durations past the end of the clock sleep
// forever.
func (d *Dispatcher) sleep(_ *proc.Process, tf *gate.TrapFrame) {
	now := d.cfg.Scheduler.Now()
	until := time.Duration(math.MaxInt64)
	if ms := tf.Arg(); ms < uint64((until-now)/time.Millisecond) {
		until = now + time.Duration(ms)*time.Millisecond
	}
	d.schedule(proc.Waiting(proc.Sleeping{Since: now, Until: until}), tf)
}

// print writes the NUL-terminated string at x0 to the console.
func (d *Dispatcher) print(cur *proc.Process, tf *gate.TrapFrame) {
	msg, err := vmm.ReadUserString(cur.Space, uintptr(tf.Arg()), maxStringLen)
	if err != nil {
		tf.SetErrno(gate.ErrFault)
		return
	}

	kfmt.Printf("%s", msg)
	tf.SetReturn(uint64(len(msg)))
}

// fork duplicates the caller. The parent receives the child id in x0 and
// the child resumes with x0 set to zero.
func (d *Dispatcher) fork(_ *proc.Process, tf *gate.TrapFrame) {
	s := d.cfg.Scheduler

	parent := s.PopCurrent()
	parent.TrapFrame = *tf
	child, err := proc.Fork(parent, s.Memory())
	s.PushCurrentFront(parent)

	if err != nil {
		kfmt.Log("trap").WithField("id", parent.ID).WithError(err).Warn("fork failed")
		tf.SetErrno(gate.ErrNoMem)
		return
	}

	child.TrapFrame.SetErrno(gate.ErrOK)
	tf.SetReturn(uint64(s.Add(child)))
}

// exit terminates the caller with the exit code in x0.
func (d *Dispatcher) exit(cur *proc.Process, tf *gate.TrapFrame) {
	kfmt.Log("trap").WithField("id", cur.ID).Debugf("exit(%d)", int64(tf.Arg()))
	d.terminate(cur, int64(tf.Arg()), tf)
}

// wait suspends the caller until its child with id x0 exits. On wake-up
// x0 holds the exit code.
func (d *Dispatcher) wait(cur *proc.Process, tf *gate.TrapFrame) {
	id := proc.ID(tf.Arg())

	if child := d.cfg.Scheduler.Lookup(id); child == nil || child.Parent != cur.ID {
		tf.SetErrno(gate.ErrSrch)
		return
	}

	d.schedule(proc.Waiting(proc.WaitingChild{ID: id}), tf)
}
