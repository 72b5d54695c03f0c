// Command sqlaccgen generates typed wrappers for sqlacc methods from YAML
// descriptors.
//
// Usage:
//
//	sqlaccgen [-out dir] [-workers n] [-watch] [-v] path...
//
// Each path is a descriptor file or a directory of *.yaml / *.yml
// descriptors. With -watch the descriptors are regenerated whenever they
// change, until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gandaldf/sqlacc/internal/gen"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "sqlaccgen:", err)
		}
		os.Exit(1)
	}
}

type options struct {
	out      string
	workers  int
	watch    bool
	verbose  bool
	debounce time.Duration
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	var o options
	fs := flag.NewFlagSet("sqlaccgen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.out, "out", "", "write generated files into `dir` instead of next to each descriptor")
	fs.IntVar(&o.workers, "workers", 0, "number of descriptors generated in parallel (default GOMAXPROCS)")
	fs.BoolVar(&o.watch, "watch", false, "regenerate descriptors when they change")
	fs.BoolVar(&o.verbose, "v", false, "verbose logging")
	fs.DurationVar(&o.debounce, "debounce", 100*time.Millisecond, "coalesce change events for this long in -watch mode")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: sqlaccgen [flags] path...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no descriptors given")
	}

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	paths, err := gen.Collect(fs.Args()...)
	if err != nil {
		return err
	}
	if len(paths) == 0 && !o.watch {
		return errors.New("no descriptors found")
	}
	g := gen.New(gen.WithOutDir(o.out), gen.WithWorkers(o.workers), gen.WithLogger(logger))

	if _, err := g.Run(ctx, paths...); err != nil {
		if !o.watch {
			return err
		}
		logger.LogAttrs(ctx, slog.LevelError, "generation failed", slog.String("error", err.Error()))
	}
	if !o.watch {
		return nil
	}
	return watch(ctx, g, fs.Args(), o.debounce, logger)
}

// watch regenerates descriptors under roots as they change. Failures are
// logged and watching continues.
func watch(ctx context.Context, g *gen.Generator, roots []string, debounce time.Duration, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// File roots are watched through their parent directory.
	watched := make(map[string]bool)
	dirRoots := make(map[string]bool)
	files := make(map[string]bool)
	for _, root := range roots {
		fi, err := os.Stat(root)
		if err != nil {
			return err
		}
		dir := filepath.Clean(root)
		if fi.IsDir() {
			dirRoots[dir] = true
		} else {
			files[dir] = true
			dir = filepath.Dir(dir)
		}
		if watched[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched[dir] = true
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "watching", slog.Int("dirs", len(watched)))

	relevant := func(path string) bool {
		path = filepath.Clean(path)
		return gen.IsDescriptor(path) && (files[path] || dirRoots[filepath.Dir(path)])
	}

	pending := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !relevant(ev.Name) {
				continue
			}
			pending[ev.Name] = true
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.LogAttrs(ctx, slog.LevelWarn, "watch error", slog.String("error", err.Error()))
		case <-timer.C:
			batch := make([]string, 0, len(pending))
			for p := range pending {
				if _, err := os.Stat(p); err == nil {
					batch = append(batch, p)
				}
				delete(pending, p)
			}
			if len(batch) == 0 {
				continue
			}
			if _, err := g.Run(ctx, batch...); err != nil {
				logger.LogAttrs(ctx, slog.LevelError, "generation failed", slog.String("error", err.Error()))
			}
		}
	}
}
