// Package trace records kernel events into a SQLite database. Every run is
// a session identified by a globally unique id; events are buffered and
// written in batches.
package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"gopherpi/kernel/gate"
	"gopherpi/kernel/proc"
	"gopherpi/kernel/trap"

	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DefaultBatchSize is the number of buffered events that triggers a flush.
const DefaultBatchSize = 4096

// ErrExists is returned by Open if the database file already exists and
// Options.Append is not set.
var ErrExists = errors.New("trace database already exists")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session  VARCHAR(20) PRIMARY KEY,
		label    TEXT,
		started  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS switches (
		session  VARCHAR(20) NOT NULL,
		seq      INTEGER NOT NULL,
		time_ns  INTEGER NOT NULL,
		from_id  INTEGER NOT NULL,
		to_id    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS faults (
		session  VARCHAR(20) NOT NULL,
		seq      INTEGER NOT NULL,
		time_ns  INTEGER NOT NULL,
		pid      INTEGER NOT NULL,
		addr     INTEGER NOT NULL,
		kind     VARCHAR(20) NOT NULL,
		resolved BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS syscalls (
		session  VARCHAR(20) NOT NULL,
		seq      INTEGER NOT NULL,
		time_ns  INTEGER NOT NULL,
		pid      INTEGER NOT NULL,
		num      INTEGER NOT NULL,
		name     VARCHAR(20) NOT NULL,
		arg      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS switches_session_index ON switches (session, seq)`,
	`CREATE INDEX IF NOT EXISTS faults_session_index ON faults (session, seq)`,
	`CREATE INDEX IF NOT EXISTS syscalls_session_index ON syscalls (session, seq)`,
}

// Options configures a Recorder.
type Options struct {
	// Path of the database. An empty path creates
	// gopherpi_trace_<session>.sqlite3 in the working directory.
	Path string

	// Append allows recording into an existing database.
	Append bool

	// Label is stored with the session.
	Label string

	// Clock returns the simulated time of fault and syscall events.
	Clock func() time.Duration

	// BatchSize defaults to DefaultBatchSize.
	BatchSize int
}

type switchEvent struct {
	seq      uint64
	now      time.Duration
	from, to proc.ID
}

type faultEvent struct {
	seq      uint64
	now      time.Duration
	id       proc.ID
	addr     uintptr
	kind     gate.FaultKind
	resolved bool
}

type syscallEvent struct {
	seq uint64
	now time.Duration
	id  proc.ID
	num trap.Syscall
	arg uint64
}

// Recorder implements the scheduler and trap tracers.
type Recorder struct {
	db        *sql.DB
	path      string
	session   xid.ID
	clock     func() time.Duration
	batchSize int

	mu       sync.Mutex
	seq      uint64
	switches []switchEvent
	faults   []faultEvent
	syscalls []syscallEvent
	err      error
	closed   bool
}

// Open creates the database and starts a new session. Buffered events are
// flushed when the process exits through atexit.
func Open(opts Options) (*Recorder, error) {
	r := &Recorder{
		session:   xid.New(),
		path:      opts.Path,
		clock:     opts.Clock,
		batchSize: opts.BatchSize,
	}
	if r.path == "" {
		r.path = "gopherpi_trace_" + r.session.String() + ".sqlite3"
	}
	if r.clock == nil {
		r.clock = func() time.Duration { return 0 }
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}

	if _, err := os.Stat(r.path); err == nil && !opts.Append {
		return nil, fmt.Errorf("%w: %s", ErrExists, r.path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	db, err := sql.Open("sqlite3", r.path)
	if err != nil {
		return nil, err
	}
	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	if _, err = db.Exec(`INSERT INTO sessions VALUES (?, ?, ?)`, r.session.String(), opts.Label, r.session.Time().UTC()); err != nil {
		_ = db.Close()
		return nil, err
	}
	r.db = db

	atexit.Register(func() { _ = r.Close() })
	return r, nil
}

// Session returns the id of the session events are recorded under.
func (r *Recorder) Session() string { return r.session.String() }

// Path returns the database path.
func (r *Recorder) Path() string { return r.path }

// ContextSwitch implements sched.Tracer.
func (r *Recorder) ContextSwitch(from, to proc.ID, now time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.seq++
	r.switches = append(r.switches, switchEvent{seq: r.seq, now: now, from: from, to: to})
	r.maybeFlushLocked()
}

// Fault implements trap.Tracer.
func (r *Recorder) Fault(id proc.ID, addr uintptr, kind gate.FaultKind, resolved bool) {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.seq++
	r.faults = append(r.faults, faultEvent{seq: r.seq, now: now, id: id, addr: addr, kind: kind, resolved: resolved})
	r.maybeFlushLocked()
}

// Syscall implements trap.Tracer.
func (r *Recorder) Syscall(id proc.ID, num trap.Syscall, arg uint64) {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.seq++
	r.syscalls = append(r.syscalls, syscallEvent{seq: r.seq, now: now, id: id, num: num, arg: arg})
	r.maybeFlushLocked()
}

func (r *Recorder) maybeFlushLocked() {
	if len(r.switches)+len(r.faults)+len(r.syscalls) < r.batchSize {
		return
	}

	// The tracer interfaces have no error return; keep the first error
	// for Flush and Close
	if err := r.flushLocked(); err != nil && r.err == nil {
		r.err = err
	}
}

// Flush writes the buffered events.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.flushLocked(); err != nil {
		return err
	}
	return r.err
}

func (r *Recorder) flushLocked() error {
	if r.closed || len(r.switches)+len(r.faults)+len(r.syscalls) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	session := r.session.String()
	for _, ev := range r.switches {
		if _, err = tx.Exec(`INSERT INTO switches VALUES (?, ?, ?, ?, ?)`,
			session, int64(ev.seq), int64(ev.now), int64(ev.from), int64(ev.to)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording context switch: %w", err)
		}
	}
	for _, ev := range r.faults {
		if _, err = tx.Exec(`INSERT INTO faults VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session, int64(ev.seq), int64(ev.now), int64(ev.id), int64(ev.addr), ev.kind.String(), ev.resolved); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording fault: %w", err)
		}
	}
	for _, ev := range r.syscalls {
		if _, err = tx.Exec(`INSERT INTO syscalls VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session, int64(ev.seq), int64(ev.now), int64(ev.id), int64(ev.num), ev.num.String(), int64(ev.arg)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording syscall: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}

	r.switches, r.faults, r.syscalls = r.switches[:0], r.faults[:0], r.syscalls[:0]
	return nil
}

// Close flushes the buffered events and closes the database. Subsequent
// events are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	err := r.flushLocked()
	if err == nil {
		err = r.err
	}
	r.closed = true
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}
