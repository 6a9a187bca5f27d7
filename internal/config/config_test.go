package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopherpi/internal/board"
	"gopherpi/kernel/mem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const machineFile = `
images = "images"

[machine]
ram = "8M"
max_ticks = 100
cycle_time = "2us"

[kernel]
tick = "5ms"
init = ["bin/init", "bin/extra"]
log_level = "debug"
placement = "linear"
extra = { arena = "64" }

[[script]]
path = "bin/init"
source = """
_start:
	mov x0, #0
	svc #5
"""

[[script]]
path = "bin/extra"
file = "extra.s"
`

func noEnv(t *testing.T, env map[string]string) {
	orig := lookupEnvFn
	t.Cleanup(func() { lookupEnvFn = orig })
	lookupEnvFn = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func writeMachine(t *testing.T, contents string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.s"), []byte("nop\nsvc #5\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "images"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "images", "prebuilt"), []byte("elf"), 0o644))

	path := filepath.Join(dir, "machine.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	noEnv(t, nil)
	path := writeMachine(t, machineFile)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8*mem.Mb, cfg.Machine.RAM.Size)
	assert.Equal(t, uint64(100), cfg.Machine.MaxTicks)
	assert.Equal(t, 2*time.Microsecond, cfg.Machine.CycleTime.Duration)
	assert.Equal(t, "arena=64 init=bin/init,bin/extra loglevel=debug placement=linear tick=5ms", cfg.CmdLine())

	// Images are resolved relative to the working directory
	cfg.Images = filepath.Join(filepath.Dir(path), "images")
	files, err := cfg.Files()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bin/init", "bin/extra"}, files.Names())

	prog, err := board.Assemble("nop\nsvc #5\n")
	require.NoError(t, err)
	data, err := fs.ReadFile(files, "bin/extra")
	require.NoError(t, err)
	assert.Equal(t, prog.ELF(), data)

	data, err = fs.ReadFile(files, "prebuilt")
	require.NoError(t, err)
	assert.Equal(t, "elf", string(data))

	bc := cfg.Board(files, nil, nil)
	assert.Equal(t, 8*mem.Mb, bc.RAMSize)
	assert.Equal(t, cfg.CmdLine(), bc.CmdLine)
	assert.Equal(t, uint64(100), bc.MaxTicks)
	assert.Equal(t, 2*time.Microsecond, bc.CycleTime)
}

func TestLoadDefaults(t *testing.T) {
	noEnv(t, nil)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, board.DefaultRAMSize, cfg.Machine.RAM.Size)
	assert.Equal(t, board.DefaultCycleTime, cfg.Machine.CycleTime.Duration)
	assert.Empty(t, cfg.CmdLine())
	assert.Empty(t, cfg.Trace)
}

func TestEnvOverrides(t *testing.T) {
	noEnv(t, map[string]string{
		"GOPHERPI_RAM":       "32M",
		"GOPHERPI_MAX_TICKS": "7",
		"GOPHERPI_TICK":      "1ms",
		"GOPHERPI_INIT":      "bin/a,bin/b",
		"GOPHERPI_TRACE":     "out.sqlite3",
	})

	cfg, err := Load(writeMachine(t, machineFile))
	require.NoError(t, err)
	assert.Equal(t, 32*mem.Mb, cfg.Machine.RAM.Size)
	assert.Equal(t, uint64(7), cfg.Machine.MaxTicks)
	assert.Equal(t, []string{"bin/a", "bin/b"}, cfg.Kernel.Init)
	assert.Equal(t, "out.sqlite3", cfg.Trace)
	assert.Contains(t, cfg.CmdLine(), "tick=1ms")

	t.Run("bad value", func(t *testing.T) {
		noEnv(t, map[string]string{"GOPHERPI_MAX_TICKS": "many"})
		_, err := Load("")
		assert.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "GOPHERPI_MAX_TICKS")
	})
}

func TestLoadEnv(t *testing.T) {
	const key = "GOPHERPI_TEST_LOAD_ENV"
	t.Cleanup(func() { os.Unsetenv(key) })

	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte(key+"=from-dotenv\n"), 0o644))

	require.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env"), dotenv))
	assert.Equal(t, "from-dotenv", os.Getenv(key))
}

func TestValidate(t *testing.T) {
	noEnv(t, nil)

	specs := []struct {
		name    string
		machine string
	}{
		{"tiny ram", "[machine]\nram = \"1M\""},
		{"bad size", "[machine]\nram = \"lots\""},
		{"unknown key", "[machine]\nspeed = 3"},
		{"bad placement", "[kernel]\nplacement = \"best\""},
		{"bad log level", "[kernel]\nlog_level = \"loud\""},
		{"bad extra option", "[kernel]\nextra = { arena = \"x\" }"},
		{"script without source", "[[script]]\npath = \"bin/init\""},
		{"script with both", "[[script]]\npath = \"bin/init\"\nsource = \"nop\"\nfile = \"a.s\""},
		{"absolute script path", "[[script]]\npath = \"/bin/init\"\nsource = \"nop\""},
		{"duplicate script", "[[script]]\npath = \"a\"\nsource = \"nop\"\n[[script]]\npath = \"a\"\nsource = \"nop\""},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(spec.machine), ".")
			assert.Error(t, err)
		})
	}

	t.Run("bad script source", func(t *testing.T) {
		cfg, err := Decode(strings.NewReader("[[script]]\npath = \"bin/init\"\nsource = \"bogus\""), ".")
		require.NoError(t, err)
		_, err = cfg.Files()
		assert.ErrorIs(t, err, board.ErrSyntax)
	})

	t.Run("missing script file", func(t *testing.T) {
		cfg, err := Decode(strings.NewReader("[[script]]\npath = \"bin/init\"\nfile = \"nope.s\""), t.TempDir())
		require.NoError(t, err)
		_, err = cfg.Files()
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestParseSize(t *testing.T) {
	specs := []struct {
		in  string
		exp mem.Size
	}{
		{"4096", 4096},
		{"512K", 512 * mem.Kb},
		{"512Kb", 512 * mem.Kb},
		{"16M", 16 * mem.Mb},
		{"16mb", 16 * mem.Mb},
		{"1G", mem.Gb},
	}
	for _, spec := range specs {
		got, err := ParseSize(spec.in)
		require.NoError(t, err, spec.in)
		assert.Equal(t, spec.exp, got, spec.in)
	}

	for _, bad := range []string{"", "M", "0", "-1M", "1.5M", "12T"} {
		_, err := ParseSize(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}
}
