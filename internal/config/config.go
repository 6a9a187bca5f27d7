// Package config loads machine descriptions. A description is a TOML file
// with a [machine] table for the simulated hardware, a [kernel] table whose
// values are passed to the kernel on its command line and any number of
// [[script]] tables holding user programs in assembly form.
//
// Settings can be overridden by GOPHERPI_* environment variables, which may
// in turn be loaded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopherpi/internal/board"
	"gopherpi/kernel/kmain"
	"gopherpi/kernel/mem"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOPHERPI_"

var (
	// ErrInvalid is wrapped by every validation error.
	ErrInvalid = errors.New("invalid configuration")

	lookupEnvFn = os.LookupEnv
)

// Duration is a time.Duration written as a string such as "10ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Size is an amount of memory written as "16M", "512K" or a byte count.
type Size struct {
	mem.Size
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	s.Size = v
	return nil
}

// ParseSize parses a byte count with an optional K, M or G suffix. A
// trailing "b" or "B" is ignored.
func ParseSize(s string) (mem.Size, error) {
	str := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(s), "b"), "B")

	unit := mem.Size(1)
	if n := len(str); n > 0 {
		switch str[n-1] {
		case 'k', 'K':
			unit = mem.Kb
		case 'm', 'M':
			unit = mem.Mb
		case 'g', 'G':
			unit = mem.Gb
		}
		if unit != 1 {
			str = str[:n-1]
		}
	}

	v, err := strconv.ParseUint(str, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrInvalid, s)
	}
	return mem.Size(v) * unit, nil
}

// Machine describes the simulated hardware.
type Machine struct {
	RAM       Size     `toml:"ram"`
	MaxTicks  uint64   `toml:"max_ticks"`
	CycleTime Duration `toml:"cycle_time"`
}

// Kernel holds the kernel command line options. Zero values are left to the
// kernel defaults.
type Kernel struct {
	Tick       Duration `toml:"tick"`
	Init       []string `toml:"init"`
	LogLevel   string   `toml:"log_level"`
	ArenaPages uint32   `toml:"arena_pages"`
	Placement  string   `toml:"placement"`

	// Extra options are appended verbatim.
	Extra map[string]string `toml:"extra"`
}

// Script is a user program assembled when the machine starts. Exactly one
// of Source and File must be set.
type Script struct {
	// Path is the name of the executable as seen by the kernel.
	Path string `toml:"path"`

	// Source holds the program text.
	Source string `toml:"source"`

	// File names a source file. Relative names are resolved against the
	// directory of the configuration file.
	File string `toml:"file"`
}

// Config is a machine description.
type Config struct {
	Machine Machine  `toml:"machine"`
	Kernel  Kernel   `toml:"kernel"`
	Scripts []Script `toml:"script"`

	// Images is a host directory holding prebuilt executables.
	Images string `toml:"images"`

	// Trace is the path of a SQLite trace database. Empty disables
	// tracing.
	Trace string `toml:"trace"`

	dir string
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Machine: Machine{
			RAM:       Size{board.DefaultRAMSize},
			CycleTime: Duration{board.DefaultCycleTime},
		},
		dir: ".",
	}
}

// LoadEnv loads dotenv files into the process environment. Variables that
// are already set are kept. Missing files are ignored.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}

// Load reads the configuration at path, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return nil, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
		}
		cfg.dir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(lookupEnvFn); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses a configuration from r without applying overrides. File
// scripts are resolved against dir.
func Decode(r io.Reader, dir string) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}
	cfg.dir = dir
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	overrides := []struct {
		name string
		set  func(string) error
	}{
		{"RAM", func(v string) error { return c.Machine.RAM.UnmarshalText([]byte(v)) }},
		{"MAX_TICKS", func(v string) (err error) {
			c.Machine.MaxTicks, err = strconv.ParseUint(v, 10, 64)
			return err
		}},
		{"CYCLE_TIME", func(v string) error { return c.Machine.CycleTime.UnmarshalText([]byte(v)) }},
		{"TICK", func(v string) error { return c.Kernel.Tick.UnmarshalText([]byte(v)) }},
		{"INIT", func(v string) error {
			c.Kernel.Init = strings.Split(v, ",")
			return nil
		}},
		{"LOG_LEVEL", func(v string) error {
			c.Kernel.LogLevel = v
			return nil
		}},
		{"PLACEMENT", func(v string) error {
			c.Kernel.Placement = v
			return nil
		}},
		{"IMAGES", func(v string) error {
			c.Images = v
			return nil
		}},
		{"TRACE", func(v string) error {
			c.Trace = v
			return nil
		}},
	}

	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, EnvPrefix, o.name, v, err)
		}
	}
	return nil
}

// Validate checks values that the kernel would otherwise reject at boot.
func (c *Config) Validate() error {
	if c.Machine.RAM.Size < mem.Size(board.KernelBase+board.KernelSize) {
		return fmt.Errorf("%w: ram must exceed %d bytes", ErrInvalid, board.KernelBase+board.KernelSize)
	}

	switch c.Kernel.Placement {
	case "", "firstfit", "linear":
	default:
		return fmt.Errorf("%w: unknown placement %q", ErrInvalid, c.Kernel.Placement)
	}

	seen := make(map[string]bool, len(c.Scripts))
	for i, s := range c.Scripts {
		switch {
		case !fs.ValidPath(s.Path) || s.Path == ".":
			return fmt.Errorf("%w: script %d: bad path %q", ErrInvalid, i, s.Path)
		case (s.Source == "") == (s.File == ""):
			return fmt.Errorf("%w: script %s: exactly one of source and file must be set", ErrInvalid, s.Path)
		case seen[s.Path]:
			return fmt.Errorf("%w: script %s defined twice", ErrInvalid, s.Path)
		}
		seen[s.Path] = true
	}

	// Parse the options the same way the kernel will
	if _, err := kmain.ParseOptions(c.options()); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err.Message)
	}
	return nil
}

func (c *Config) options() map[string]string {
	opts := make(map[string]string, len(c.Kernel.Extra)+5)
	for k, v := range c.Kernel.Extra {
		opts[k] = v
	}
	if c.Kernel.Tick.Duration != 0 {
		opts["tick"] = c.Kernel.Tick.Duration.String()
	}
	if len(c.Kernel.Init) != 0 {
		opts["init"] = strings.Join(c.Kernel.Init, ",")
	}
	if c.Kernel.LogLevel != "" {
		opts["loglevel"] = c.Kernel.LogLevel
	}
	if c.Kernel.ArenaPages != 0 {
		opts["arena"] = strconv.FormatUint(uint64(c.Kernel.ArenaPages), 10)
	}
	if c.Kernel.Placement != "" {
		opts["placement"] = c.Kernel.Placement
	}
	return opts
}

// CmdLine renders the kernel options as a boot command line.
func (c *Config) CmdLine() string {
	opts := c.options()
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + opts[k]
	}
	return strings.Join(parts, " ")
}

// Files assembles the scripts on top of the images directory.
func (c *Config) Files() (*board.ImageFS, error) {
	var base fs.FS
	if c.Images != "" {
		base = os.DirFS(c.Images)
	}

	files := board.NewImageFS(base)
	for _, s := range c.Scripts {
		src := s.Source
		if s.File != "" {
			file := s.File
			if !filepath.IsAbs(file) {
				file = filepath.Join(c.dir, file)
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("script %s: %w", s.Path, err)
			}
			src = string(data)
		}
		if err := files.AddSource(s.Path, src); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// Board returns the board configuration for this machine.
func (c *Config) Board(files fs.FS, console io.Writer, tracer kmain.Tracer) board.Config {
	return board.Config{
		RAMSize:   c.Machine.RAM.Size,
		CmdLine:   c.CmdLine(),
		Files:     files,
		Console:   console,
		MaxTicks:  c.Machine.MaxTicks,
		CycleTime: c.Machine.CycleTime.Duration,
		Tracer:    tracer,
	}
}
