package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gopherpi/internal/board"
	"gopherpi/internal/config"
	"gopherpi/internal/trace"
	"gopherpi/kernel/kmain"
)

type runOptions struct {
	config   string
	images   string
	trace    string
	maxTicks uint64
	timeout  time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [flags] [program.s ...]",
		Short: "Boot the kernel and run user programs",
		Long: `Boot the kernel on a simulated board. Each program argument is ` +
			`assembled into bin/<name>; unless the configuration names the ` +
			`init images, the first program becomes init.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMachine(cmd.Context(), cmd, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.config, "config", "c", "", "machine description (TOML)")
	flags.StringVar(&opts.images, "images", "", "host directory with prebuilt executables")
	flags.StringVar(&opts.trace, "trace", "", "record kernel events into this SQLite database")
	flags.Uint64Var(&opts.maxTicks, "ticks", 0, "stop after this many timer ticks")
	flags.DurationVar(&opts.timeout, "timeout", 0, "stop after this much host time")
	return cmd
}

func runMachine(ctx context.Context, cmd *cobra.Command, opts runOptions, programs []string) error {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("images") {
		cfg.Images = opts.images
	}
	if flags.Changed("trace") {
		cfg.Trace = opts.trace
	}
	if flags.Changed("ticks") {
		cfg.Machine.MaxTicks = opts.maxTicks
	}

	var initPaths []string
	for _, prog := range programs {
		abs, err := filepath.Abs(prog)
		if err != nil {
			return err
		}
		path := "bin/" + strings.TrimSuffix(filepath.Base(prog), filepath.Ext(prog))
		cfg.Scripts = append(cfg.Scripts, config.Script{Path: path, File: abs})
		initPaths = append(initPaths, path)
	}
	if len(cfg.Kernel.Init) == 0 && len(initPaths) != 0 {
		cfg.Kernel.Init = initPaths[:1]
	}
	if err = cfg.Validate(); err != nil {
		return err
	}

	files, err := cfg.Files()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	var (
		b      *board.Board
		tracer kmain.Tracer
		rec    *trace.Recorder
	)
	if cfg.Trace != "" {
		rec, err = trace.Open(trace.Options{
			Path:   cfg.Trace,
			Append: true,
			Label:  cfg.CmdLine(),
			Clock:  func() time.Duration { return b.Now() },
		})
		if err != nil {
			return err
		}
		defer rec.Close()
		tracer = rec
	}

	console, consoleW := io.Pipe()
	b = board.New(cfg.Board(files, consoleW, tracer))

	var res board.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer consoleW.Close()
		res, err = b.Run(gctx)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(cmd.OutOrStdout(), console)
		console.CloseWithError(err)
		return err
	})
	err = g.Wait()

	fields := logrus.Fields{
		"reason":       res.Reason,
		"ticks":        res.Ticks,
		"instructions": res.Instructions,
		"elapsed":      res.Elapsed,
	}
	if rec != nil {
		if ferr := rec.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		fields["trace"] = rec.Path()
		fields["session"] = rec.Session()
	}

	switch {
	case res.Reason == board.StopCancelled && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		logrus.WithFields(fields).Warn("board interrupted")
		return nil
	case err != nil:
		logrus.WithFields(fields).WithError(err).Error("board failed")
		return err
	}

	logrus.WithFields(fields).Info("board stopped")
	return nil
}
