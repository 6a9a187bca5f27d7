// Package sched implements the FIFO round-robin process scheduler.
package sched

import (
	"time"

	"gopherpi/kernel"
	"gopherpi/kernel/cpu"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/hal"
	"gopherpi/kernel/irq"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mm"
	"gopherpi/kernel/proc"
	"gopherpi/kernel/sync"
)

// DefaultTick is the scheduling quantum used when Config.Tick is zero.
const DefaultTick = 10 * time.Millisecond

var (
	errNoProcesses = &kernel.Error{Module: "sched", Message: "no process could be started"}
	errNoTimer     = &kernel.Error{Module: "sched", Message: "no system timer available"}
)

// Tracer receives scheduling events.
type Tracer interface {
	// ContextSwitch is invoked whenever the running process changes. from
	// is zero when no process was running.
	ContextSwitch(from, to proc.ID, now time.Duration)
}

// Image is an executable that Start loads into a new process.
type Image struct {
	Name string
	Data []byte
}

// Config bundles the collaborators of a Scheduler.
type Config struct {
	Memory *proc.Memory
	Timer  hal.Timer
	Intc   irq.Controller

	// Tick is the scheduling quantum.
	Tick time.Duration

	// Tracer is optional.
	Tracer Tracer
}

// Scheduler keeps every process in a single FIFO queue. The process at the
// front of the queue is the one currently executing.
type Scheduler struct {
	mutex sync.Spinlock

	queue []*proc.Process
	ids   proc.IDAllocator

	cfg    Config
	active mm.FrameAllocator
}

// New returns an empty scheduler. The kernel allocator is the active
// allocator until a process starts running.
func New(cfg Config) *Scheduler {
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}

	s := &Scheduler{cfg: cfg}
	s.active = s.kernelAllocator()
	return s
}

func (s *Scheduler) kernelAllocator() mm.FrameAllocator {
	if s.cfg.Memory == nil || s.cfg.Memory.Kernel == nil {
		return nil
	}
	return s.cfg.Memory.Kernel
}

// Memory returns the memory configuration used for new processes.
func (s *Scheduler) Memory() *proc.Memory { return s.cfg.Memory }

// Tick returns the scheduling quantum.
func (s *Scheduler) Tick() time.Duration { return s.cfg.Tick }

// Now returns the current system time.
func (s *Scheduler) Now() time.Duration {
	if s.cfg.Timer == nil {
		return 0
	}
	return s.cfg.Timer.CurrentTime()
}

// ActiveAllocator returns the allocator of the running process, or the
// kernel allocator if no process is running.
//
// Kernel code never allocates through this slot; every operation receives
// its allocator explicitly. The slot is kept up to date on each transfer to
// user mode so that it can be inspected.
func (s *Scheduler) ActiveAllocator() mm.FrameAllocator {
	s.mutex.Acquire()
	defer s.mutex.Release()
	return s.active
}

// Add assigns an ID to p and appends it to the back of the queue. If the
// queue was empty p becomes the current process.
func (s *Scheduler) Add(p *proc.Process) proc.ID {
	s.mutex.Acquire()
	defer s.mutex.Release()

	id := s.ids.AssignID(p)
	s.queue = append(s.queue, p)

	kfmt.Log("sched").WithFields(map[string]interface{}{"id": id, "name": p.Name}).Debug("process added")
	return id
}

// Switch saves tf into the current process, moves it to the back of the
// queue in state next and then runs the first ready process: its trap frame
// is copied into tf and it is left at the front of the queue.
//
// If no process is ready the core waits for an interrupt and the queue is
// scanned again. Switch returns false if no live process remains.
func (s *Scheduler) Switch(next proc.State, tf *gate.TrapFrame) (proc.ID, bool) {
	s.mutex.Acquire()

	var from proc.ID
	if len(s.queue) != 0 {
		cur := s.queue[0]
		cur.TrapFrame = *tf
		cur.SetState(next)
		s.queue = append(s.queue[1:], cur)
		from = cur.ID
	}

	for {
		s.reapOrphansLocked()
		if !s.hasLiveLocked() {
			s.active = s.kernelAllocator()
			s.mutex.Release()
			return 0, false
		}

		if p := s.pickLocked(); p != nil {
			s.runLocked(from, p, tf)
			s.mutex.Release()
			return p.ID, true
		}

		s.mutex.Release()
		cpu.WaitForInterrupt()
		s.mutex.Acquire()
	}
}

// Resume runs the process at the front of the queue without saving any
// state. It is used when control is transferred to a process while no other
// process is executing.
func (s *Scheduler) Resume(tf *gate.TrapFrame) (proc.ID, bool) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	if len(s.queue) == 0 || s.queue[0].IsZombie() {
		return 0, false
	}

	p := s.queue[0]
	s.runLocked(0, p, tf)
	return p.ID, true
}

// Start loads images into new processes, arms the system timer and enters
// user mode in the first of them. Images that fail to load are skipped.
// Start returns once the machine stops executing user code.
func (s *Scheduler) Start(images ...Image) *kernel.Error {
	log := kfmt.Log("sched")

	if s.cfg.Timer == nil {
		return errNoTimer
	}

	for _, img := range images {
		p := proc.New(img.Name)
		if err := p.Load(img.Data, s.cfg.Memory); err != nil {
			log.WithField("name", img.Name).WithError(err).Warnf("unable to load image (code %d)", proc.ErrorCode(err))
			continue
		}
		s.Add(p)
	}

	if s.IsEmpty() {
		return errNoProcesses
	}

	if s.cfg.Intc != nil {
		s.cfg.Intc.Enable(irq.Timer1)
	}
	s.cfg.Timer.TickIn(s.cfg.Tick)

	var tf gate.TrapFrame
	id, _ := s.Resume(&tf)
	log.WithField("id", id).Infof("starting %d process(es), tick=%v", s.Len(), s.cfg.Tick)

	return hal.EnterUser(&tf)
}

// pickLocked returns the first ready process and rotates the queue so that
// it is at the front. Processes ahead of it move to the back in order.
func (s *Scheduler) pickLocked() *proc.Process {
	env := schedEnv{s}

	for i := 0; i < len(s.queue); i++ {
		p := s.queue[i]
		if p.IsZombie() {
			continue
		}

		reason := p.State().Reason()
		if !p.IsReady(env) {
			continue
		}

		// The waiter collected the exit code; the child can go
		if child, ok := reason.(proc.WaitingChild); ok {
			if idx := s.indexLocked(child.ID); idx >= 0 && s.queue[idx].IsZombie() {
				s.removeLocked(idx)
				if idx < i {
					i--
				}
			}
		}

		s.queue = append(s.queue[i:], s.queue[:i]...)
		return p
	}

	return nil
}

func (s *Scheduler) runLocked(from proc.ID, p *proc.Process, tf *gate.TrapFrame) {
	p.SetState(proc.Running)
	*tf = p.TrapFrame
	s.active = p.Allocator
	if p.Space != nil {
		p.Space.Activate()
	}

	if s.cfg.Tracer != nil && from != p.ID {
		s.cfg.Tracer.ContextSwitch(from, p.ID, s.Now())
	}
}

// reapOrphansLocked drops zombies whose parent no longer exists.
func (s *Scheduler) reapOrphansLocked() {
	for i := 0; i < len(s.queue); i++ {
		p := s.queue[i]
		if !p.IsZombie() {
			continue
		}
		if parent := s.indexLocked(p.Parent); parent >= 0 && !s.queue[parent].IsZombie() {
			continue
		}
		s.removeLocked(i)
		i--
	}
}

func (s *Scheduler) hasLiveLocked() bool {
	for _, p := range s.queue {
		if !p.IsZombie() {
			return true
		}
	}
	return false
}

func (s *Scheduler) indexLocked(id proc.ID) int {
	for i, p := range s.queue {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) removeLocked(index int) {
	copy(s.queue[index:], s.queue[index+1:])
	s.queue[len(s.queue)-1] = nil
	s.queue = s.queue[:len(s.queue)-1]
}

// IsEmpty returns true if the queue holds no process.
func (s *Scheduler) IsEmpty() bool {
	s.mutex.Acquire()
	defer s.mutex.Release()
	return len(s.queue) == 0
}

// Len returns the number of queued processes, including zombies.
func (s *Scheduler) Len() int {
	s.mutex.Acquire()
	defer s.mutex.Release()
	return len(s.queue)
}

// Current returns the process at the front of the queue or nil.
func (s *Scheduler) Current() *proc.Process {
	s.mutex.Acquire()
	defer s.mutex.Release()

	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

// PopCurrent removes the current process from the queue and returns it.
func (s *Scheduler) PopCurrent() *proc.Process {
	s.mutex.Acquire()
	defer s.mutex.Release()

	if len(s.queue) == 0 {
		return nil
	}
	p := s.queue[0]
	s.removeLocked(0)
	return p
}

// PushCurrentFront puts p back at the front of the queue.
func (s *Scheduler) PushCurrentFront(p *proc.Process) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	s.queue = append([]*proc.Process{p}, s.queue...)
}

// Lookup returns the queued process with the given ID or nil.
func (s *Scheduler) Lookup(id proc.ID) *proc.Process {
	s.mutex.Acquire()
	defer s.mutex.Release()

	if idx := s.indexLocked(id); idx >= 0 {
		return s.queue[idx]
	}
	return nil
}

// IsFinished returns true if no live process has the given ID.
func (s *Scheduler) IsFinished(id proc.ID) bool {
	s.mutex.Acquire()
	defer s.mutex.Release()

	idx := s.indexLocked(id)
	return idx < 0 || s.queue[idx].IsZombie()
}

// Reap removes a zombie from the queue. It returns false if id does not refer
// to a zombie.
func (s *Scheduler) Reap(id proc.ID) bool {
	s.mutex.Acquire()
	defer s.mutex.Release()

	idx := s.indexLocked(id)
	if idx < 0 || !s.queue[idx].IsZombie() {
		return false
	}
	s.removeLocked(idx)
	return true
}

// schedEnv evaluates wait reasons against the scheduler state. It is only
// used while the scheduler lock is held.
type schedEnv struct {
	s *Scheduler
}

func (e schedEnv) Now() time.Duration { return e.s.Now() }

func (e schedEnv) Status(id proc.ID) (proc.Status, bool) {
	idx := e.s.indexLocked(id)
	if idx < 0 {
		return proc.Status{}, false
	}
	p := e.s.queue[idx]
	return proc.Status{State: p.State(), ExitCode: p.ExitCode}, true
}
