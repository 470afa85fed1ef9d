// Command jitc compiles YAML method descriptions to native code and writes
// the code with its EH, unwind and GC tables to an image.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	units "github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/jit/internal/codegen"
	_ "github.com/tinyrange/jit/internal/codegen/targets"
	"github.com/tinyrange/jit/internal/codeheap"
	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/timeslice"
)

type options struct {
	arch      ir.Architecture
	cfg       config.Config
	workers   int
	output    string
	compress  bool
	trace     string
	heap      bool
	quiet     bool
	logger    *slog.Logger
	keepGoing bool
}

func main() {
	archFlag := flag.String("arch", "x86_64", "Target architecture for descriptions without one (x86_64, arm64)")
	configFile := flag.String("config", "", "YAML code generator configuration")
	output := flag.String("o", "", "Write a native image to this file")
	compress := flag.Bool("lz4", false, "Compress the native image with lz4")
	trace := flag.String("trace", "", "Write per-phase timings to this file (read with timeslice)")
	workers := flag.Int("j", 0, "Parallel compilations (default: config workers, then the number of CPUs)")
	heap := flag.Bool("exec-heap", false, "Place code in executable memory instead of an offline buffer")
	quiet := flag.Bool("q", false, "Do not print the per-method summary")
	keepGoing := flag.Bool("k", false, "Keep compiling after a method fails")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] method.yaml...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "jitc: %v\n", err)
			os.Exit(1)
		}
	}
	level := cfg.LogLevel.Level()
	if *dbg {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	arch, ok := ir.ParseArchitecture(*archFlag)
	if !ok {
		slog.Error("unknown architecture", "arch", *archFlag, "supported", codegen.Architectures())
		os.Exit(1)
	}

	opts := options{
		arch:      arch,
		cfg:       cfg,
		workers:   *workers,
		output:    *output,
		compress:  *compress,
		trace:     *trace,
		heap:      *heap,
		quiet:     *quiet,
		logger:    logger,
		keepGoing: *keepGoing,
	}
	if opts.workers == 0 {
		opts.workers = cfg.Workers
	}
	if opts.workers == 0 {
		opts.workers = runtime.NumCPU()
	}

	if err := run(context.Background(), opts, flag.Args()); err != nil {
		slog.Error("jitc failed", "error", err)
		os.Exit(1)
	}
}

// loadMethod decodes one description and resolves it against its target.
func loadMethod(path string, def ir.Architecture) (*ir.Method, codegen.Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	desc, err := ir.DecodeDescription(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	arch := def
	if desc.Arch != "" {
		var ok bool
		if arch, ok = ir.ParseArchitecture(desc.Arch); !ok {
			return nil, nil, fmt.Errorf("%s: unknown architecture %q", path, desc.Arch)
		}
	}
	t, err := codegen.LookupTarget(arch)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	m, err := desc.Build(t)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, t, nil
}

func run(ctx context.Context, opts options, paths []string) error {
	var sink *timeslice.Sink
	if opts.trace != "" {
		f, err := os.Create(opts.trace)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer f.Close()
		if sink, err = timeslice.Open(f); err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				slog.Warn("flush trace", "error", err)
			}
		}()
	}

	var rt codegen.Runtime = codegen.NewOfflineRuntime()
	if opts.heap {
		h := codeheap.New()
		defer h.Close()
		rt = &codegen.HeapRuntime{Heap: h}
	}

	var bar *progressbar.ProgressBar
	if !opts.quiet && len(paths) > 1 && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("compiling"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	start := time.Now()
	results := make([]*codegen.Result, len(paths))
	errs := make([]error, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			defer func() {
				if bar != nil {
					_ = bar.Add(1)
				}
			}()
			m, t, err := loadMethod(path, opts.arch)
			if err == nil {
				results[i], err = codegen.CompileWith(m, t, codegen.Options{
					Config:  opts.cfg.Codegen,
					Runtime: rt,
					Logger:  opts.logger.With("method", m.Name, "arch", t.Arch()),
					Sink:    sink,
				})
			}
			if err != nil {
				err = fmt.Errorf("%s: %w", path, err)
				if opts.keepGoing {
					errs[i] = err
					return nil
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	var (
		methods []imageMethod
		code    int
	)
	for i, res := range results {
		if errs[i] != nil {
			slog.Error("compile failed", "error", errs[i])
			continue
		}
		methods = append(methods, methodFromResult(res))
		code += len(res.Code)
		if !opts.quiet {
			printSummary(res)
		}
	}
	slog.Info("compiled",
		"methods", len(methods),
		"code", units.HumanSize(float64(code)),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("create image: %w", err)
		}
		if err := writeImage(f, methods, opts.compress); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func printSummary(res *codegen.Result) {
	fmt.Printf("%s [%s] %s\n", res.Method, res.Arch, res.ID)
	fmt.Printf("  code     %s (reserved %s, hot %d, prolog %d, epilog %d)\n",
		units.HumanSize(float64(len(res.Code))), units.HumanSize(float64(res.Estimate)),
		res.HotSize, res.PrologSize, res.EpilogSize)
	fmt.Printf("  frame    total %d, locals %d, save %d, fp %v\n",
		res.Frame.TotalSize, res.Frame.LocalsSize, res.Frame.SaveAreaSize, res.Frame.UseFP)
	fmt.Printf("  gc       %s, %d bytes\n", res.GCMode, len(res.GCInfo))
	for _, c := range res.EH {
		fmt.Printf("  eh       %s\n", c)
	}
	for _, r := range res.Unwind {
		fmt.Printf("  unwind   %s [%04x,%04x) % x\n", r.Kind, r.Start, r.End, r.Blob)
	}
	for _, t := range res.Timings {
		fmt.Printf("  phase    %-16s %s\n", t.Phase, t.Duration)
	}
}
