package trap

import (
	"errors"
	"io"
	"io/fs"
	"strings"

	"gopherpi/kernel"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm"
	"gopherpi/kernel/mm/vmm"
	"gopherpi/kernel/proc"
)

// ExecScratchPages is the number of kernel frames an executable is read
// into before it is loaded. Larger images are rejected.
const ExecScratchPages = 64

var (
	errNoFiles      = &kernel.Error{Module: "trap", Message: "no filesystem attached"}
	errImageTooBig  = &kernel.Error{Module: "trap", Message: "image does not fit in the exec scratch area"}
	errImageRead    = &kernel.Error{Module: "trap", Message: "unable to read image"}
	errNoScratchMem = &kernel.Error{Module: "trap", Message: "unable to allocate exec scratch area"}
)

// exec starts the program at the path pointed to by x0 in a new process and
// suspends the caller until it exits. x0 holds the id of the new process.
func (d *Dispatcher) exec(cur *proc.Process, tf *gate.TrapFrame) {
	path, err := vmm.ReadUserString(cur.Space, uintptr(tf.Arg()), maxStringLen)
	if err != nil {
		tf.SetErrno(gate.ErrFault)
		return
	}

	p, errno := d.spawn(path)
	if errno != gate.ErrOK {
		tf.SetErrno(errno)
		return
	}

	id := d.cfg.Scheduler.Add(p)
	tf.SetReturn(uint64(id))
	d.schedule(proc.Waiting(proc.WaitingExit{ID: id}), tf)
}

// Exec starts the program at path from kernel context. When no process is
// queued control is transferred into the new process directly: its state is
// copied into tf. Otherwise it waits in the queue for its turn.
func (d *Dispatcher) Exec(path string, tf *gate.TrapFrame) gate.Errno {
	p, errno := d.spawn(path)
	if errno != gate.ErrOK {
		return errno
	}

	s := d.cfg.Scheduler
	empty := s.IsEmpty()
	s.Add(p)
	if empty {
		s.Resume(tf)
	}
	return gate.ErrOK
}

// spawn loads the executable at path into a new process.
func (d *Dispatcher) spawn(path string) (*proc.Process, gate.Errno) {
	log := kfmt.Log("trap").WithField("path", path)

	if d.cfg.Files == nil {
		log.WithError(errNoFiles).Warn("exec failed")
		return nil, gate.ErrNoEnt
	}

	f, openErr := d.cfg.Files.Open(strings.TrimPrefix(path, "/"))
	if openErr != nil {
		log.WithError(openErr).Warn("exec failed")
		return nil, gate.ErrNoEnt
	}
	defer func() { _ = f.Close() }()

	m := d.cfg.Scheduler.Memory()
	scratch, err := m.Kernel.AllocFrames(ExecScratchPages)
	if err != nil {
		log.WithError(errNoScratchMem).Warn("exec failed")
		return nil, gate.ErrNoMem
	}
	defer func() { _ = m.Kernel.FreeFrames(scratch, ExecScratchPages) }()

	buf := m.RAM.Slice(scratch.Address(), ExecScratchPages*mem.Size(mm.PageSize))
	n, err := readImage(f, buf)
	if err != nil {
		log.WithError(err).Warn("exec failed")
		return nil, gate.ErrNoExec
	}

	p := proc.New(path)
	if err = p.Load(buf[:n], m); err != nil {
		switch err {
		case proc.ErrNoRoot, proc.ErrSegmentAlloc, proc.ErrStackAlloc:
			return nil, gate.ErrNoMem
		default:
			return nil, gate.ErrNoExec
		}
	}

	return p, gate.ErrOK
}

// readImage reads f into buf and returns the number of bytes read.
func readImage(f fs.File, buf []byte) (int, *kernel.Error) {
	n, err := io.ReadFull(f, buf)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return n, nil
	case err != nil:
		return 0, errImageRead
	}

	// buf is full; anything left over does not fit
	var probe [1]byte
	if extra, _ := f.Read(probe[:]); extra != 0 {
		return 0, errImageTooBig
	}
	return n, nil
}
