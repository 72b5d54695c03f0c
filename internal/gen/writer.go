package gen

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Suffix is appended to a descriptor's base name to form the output file.
const Suffix = "_sqlacc.go"

// Generator turns descriptor files into Go source files.
type Generator struct {
	outDir  string
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	written []string
}

// Option configures a Generator.
type Option func(*Generator)

// WithOutDir writes every file into dir instead of next to its descriptor.
func WithOutDir(dir string) Option {
	return func(g *Generator) { g.outDir = dir }
}

// WithWorkers sets the number of descriptors generated in parallel.
func WithWorkers(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// New returns a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// OutputPath is where the file generated from descriptor path is written.
func (g *Generator) OutputPath(path string) string {
	dir := g.outDir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	return filepath.Join(dir, strings.ReplaceAll(baseName(path), "-", "_")+Suffix)
}

// Run generates every descriptor in paths in parallel. The first failure
// cancels the rest. It returns the written files, sorted.
func (g *Generator) Run(ctx context.Context, paths ...string) ([]string, error) {
	g.mu.Lock()
	g.written = g.written[:0]
	g.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for _, path := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return g.generateFile(path)
		})
	}
	err := eg.Wait()

	g.mu.Lock()
	out := slices.Clone(g.written)
	g.mu.Unlock()
	slices.Sort(out)
	return out, err
}

// generateFile loads, renders and writes one descriptor. The file is left
// untouched when its content did not change.
func (g *Generator) generateFile(path string) error {
	start := time.Now()
	f, err := Load(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Generate(f).Render(&buf); err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}

	target := g.OutputPath(path)
	if old, err := os.ReadFile(target); err == nil && bytes.Equal(old, buf.Bytes()) {
		g.logger.LogAttrs(context.Background(), slog.LevelDebug, "descriptor unchanged",
			slog.String("descriptor", path),
			slog.String("output", target),
		)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
		return err
	}

	g.mu.Lock()
	g.written = append(g.written, target)
	g.mu.Unlock()
	g.logger.LogAttrs(context.Background(), slog.LevelInfo, "generated",
		slog.String("descriptor", path),
		slog.String("output", target),
		slog.Int("methods", len(f.Methods)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// IsDescriptor reports whether path names a YAML descriptor.
func IsDescriptor(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Collect expands directories in paths into the descriptors they contain
// (non-recursive) and keeps file arguments as given.
func Collect(paths ...string) ([]string, error) {
	var out []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && IsDescriptor(e.Name()) {
				out = append(out, filepath.Join(p, e.Name()))
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
