package proc

import (
	"fmt"
	"time"
)

// ID uniquely identifies a process. Zero is never assigned.
type ID uint64

// Kind enumerates the process lifecycle states.
type Kind uint8

const (
	KindReady Kind = iota
	KindRunning
	KindWaiting
	KindZombie
)

var kindNames = [...]string{"ready", "running", "waiting", "zombie"}

func (k Kind) String() string { return kindNames[k] }

// WaitReason describes the condition a waiting process is blocked on.
type WaitReason interface {
	fmt.Stringer

	waitReason()
}

// Sleeping blocks a process until the system clock reaches Until.
type Sleeping struct {
	Since time.Duration
	Until time.Duration
}

// WaitingChild blocks a process until the child with the given ID has
// exited.
type WaitingChild struct {
	ID ID
}

// WaitingExit blocks a process until the process with the given ID has
// terminated.
type WaitingExit struct {
	ID ID
}

func (Sleeping) waitReason()     {}
func (WaitingChild) waitReason() {}
func (WaitingExit) waitReason()  {}

func (r Sleeping) String() string     { return fmt.Sprintf("sleeping until %v", r.Until) }
func (r WaitingChild) String() string { return fmt.Sprintf("waiting for child %d", r.ID) }
func (r WaitingExit) String() string  { return fmt.Sprintf("waiting for exit of %d", r.ID) }

// State is a process lifecycle state. Waiting states carry the reason the
// process is blocked.
type State struct {
	kind   Kind
	reason WaitReason
}

var (
	Ready   = State{kind: KindReady}
	Running = State{kind: KindRunning}
	Zombie  = State{kind: KindZombie}
)

// Waiting returns a waiting state for the given reason.
func Waiting(reason WaitReason) State {
	return State{kind: KindWaiting, reason: reason}
}

// Kind returns the state kind.
func (s State) Kind() Kind { return s.kind }

// Reason returns the wait reason or nil if the state is not a waiting one.
func (s State) Reason() WaitReason { return s.reason }

func (s State) String() string {
	if s.kind == KindWaiting {
		return fmt.Sprintf("waiting (%s)", s.reason)
	}
	return s.kind.String()
}

// Status reports what Env knows about another process.
type Status struct {
	State    State
	ExitCode int64
}

// Env is consulted by IsReady to evaluate wait reasons.
type Env interface {
	// Now returns the time elapsed since boot.
	Now() time.Duration

	// Status returns the status of the process with the given ID. The
	// second return value is false if no such process exists.
	Status(id ID) (Status, bool)
}
