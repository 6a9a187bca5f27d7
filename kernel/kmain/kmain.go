// Package kmain contains the kernel entry point invoked by the boot code.
package kmain

import (
	"io/fs"
	"strconv"
	"strings"
	"time"

	"gopherpi/kernel"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/hal"
	"gopherpi/kernel/hal/atags"
	"gopherpi/kernel/kfmt"
	"gopherpi/kernel/mem"
	"gopherpi/kernel/mm/pmm"
	"gopherpi/kernel/proc"
	"gopherpi/kernel/sched"
	"gopherpi/kernel/trap"

	"github.com/sirupsen/logrus"
)

// DefaultArenaPages is the size of the private arena of each process unless
// overridden on the command line.
const DefaultArenaPages = 256

// DefaultInit is the program started when the command line does not name
// one.
const DefaultInit = "bin/init"

var (
	// pmmInitFn and detectHardwareFn are mocked by tests.
	pmmInitFn        = pmm.Init
	detectHardwareFn = hal.DetectHardware

	errNoTimer   = &kernel.Error{Module: "kmain", Message: "no system timer detected"}
	errNoIntc    = &kernel.Error{Module: "kmain", Message: "no interrupt controller detected"}
	errNoFiles   = &kernel.Error{Module: "kmain", Message: "no filesystem attached"}
	errNoInit    = &kernel.Error{Module: "kmain", Message: "unable to read any init image"}
	errBadOption = &kernel.Error{Module: "kmain", Message: "invalid command line option"}
)

// Tracer receives scheduling, fault and syscall events.
type Tracer interface {
	sched.Tracer
	trap.Tracer
}

// BootEnv describes the state handed over by the boot code.
type BootEnv struct {
	// RAM is the physical memory of the machine.
	RAM *mem.RAM

	// InfoPtr is the physical address of the ATAGS list.
	InfoPtr uintptr

	// KernelStart and KernelEnd delimit the kernel image.
	KernelStart, KernelEnd uintptr

	// Files holds the executables available to exec.
	Files fs.FS

	// Tracer is optional.
	Tracer Tracer
}

// Options are the kernel tunables read from the boot command line.
type Options struct {
	Tick       time.Duration
	Init       []string
	LogLevel   logrus.Level
	ArenaPages uint32
	Placement  proc.Placement

	// Respawn is started whenever the last process exits.
	Respawn string
}

// ParseOptions extracts the kernel tunables from the key/value pairs of the
// boot command line. Unknown keys are ignored.
func ParseOptions(cmdLine map[string]string) (Options, *kernel.Error) {
	opts := Options{
		Tick:       sched.DefaultTick,
		Init:       []string{DefaultInit},
		LogLevel:   logrus.InfoLevel,
		ArenaPages: DefaultArenaPages,
		Placement:  proc.FirstFit,
	}

	for key, value := range cmdLine {
		var err error
		switch key {
		case "tick":
			opts.Tick, err = time.ParseDuration(value)
			if err == nil && opts.Tick <= 0 {
				err = strconv.ErrRange
			}
		case "init":
			opts.Init = strings.Split(value, ",")
		case "loglevel":
			opts.LogLevel, err = logrus.ParseLevel(value)
		case "arena":
			var pages uint64
			pages, err = strconv.ParseUint(value, 10, 32)
			if err == nil && pages == 0 {
				err = strconv.ErrRange
			}
			opts.ArenaPages = uint32(pages)
		case "respawn":
			opts.Respawn = value
		case "placement":
			switch value {
			case "firstfit":
				opts.Placement = proc.FirstFit
			case "linear":
				opts.Placement = proc.Linear
			default:
				err = strconv.ErrSyntax
			}
		}

		if err != nil {
			return opts, &kernel.Error{Module: errBadOption.Module, Message: errBadOption.Message + ": " + key + "=" + value}
		}
	}

	return opts, nil
}

// Kmain is invoked by the boot code once the core runs at EL1 with the MMU
// configured for the kernel. It returns when the machine stops running user
// processes; boot-critical failures halt the core through kfmt.Panic.
func Kmain(env BootEnv) {
	if err := boot(env); err != nil {
		kfmt.Panic(err)
	}
}

func boot(env BootEnv) *kernel.Error {
	atags.SetInfoPtr(env.RAM, env.InfoPtr)

	opts, err := ParseOptions(atags.GetBootCmdLine())
	if err != nil {
		return err
	}
	kfmt.SetLogLevel(opts.LogLevel)

	kernelFrames, err := pmmInitFn(env.KernelStart, env.KernelEnd)
	if err != nil {
		return err
	}

	detectHardwareFn()
	timer, intc := hal.ActiveTimer(), hal.ActiveInterruptController()
	switch {
	case timer == nil:
		return errNoTimer
	case intc == nil:
		return errNoIntc
	}

	images, err := readImages(env.Files, opts.Init)
	if err != nil {
		return err
	}

	var schedTracer sched.Tracer
	var trapTracer trap.Tracer
	if env.Tracer != nil {
		schedTracer, trapTracer = env.Tracer, env.Tracer
	}

	s := sched.New(sched.Config{
		Memory: &proc.Memory{
			RAM:        env.RAM,
			Kernel:     kernelFrames,
			ArenaPages: opts.ArenaPages,
			Placement:  opts.Placement,
		},
		Timer:  timer,
		Intc:   intc,
		Tick:   opts.Tick,
		Tracer: schedTracer,
	})

	gate.Init(trap.NewDispatcher(trap.Config{
		Scheduler: s,
		Timer:     timer,
		Intc:      intc,
		Files:     env.Files,
		Respawn:   opts.Respawn,
		Tracer:    trapTracer,
	}))

	if err = s.Start(images...); err != nil {
		return err
	}

	kfmt.Log("kmain").Info("machine stopped")
	return nil
}

// readImages reads the init programs. Programs that cannot be read are
// skipped.
func readImages(files fs.FS, paths []string) ([]sched.Image, *kernel.Error) {
	if files == nil {
		return nil, errNoFiles
	}

	var images []sched.Image
	for _, path := range paths {
		data, err := fs.ReadFile(files, strings.TrimPrefix(path, "/"))
		if err != nil {
			kfmt.Log("kmain").WithField("path", path).WithError(err).Warn("unable to read init image")
			continue
		}
		images = append(images, sched.Image{Name: path, Data: data})
	}

	if len(images) == 0 {
		return nil, errNoInit
	}
	return images, nil
}
