package sqlacc

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/gandaldf/sqlacc/internal/expr"
)

// Dialect identifies the SQL dialect for placeholder rendering and a few
// dialect-specific behaviors (procedure calls, empty-set fragments).
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

// Engine prepares methods and owns everything they share: configuration,
// the type-handler registry, helper namespaces and the global mapper cache.
// A single Engine is safe for concurrent use.
type Engine struct {
	dialect    Dialect
	config     Config
	registry   *Registry
	global     *GlobalCache
	namespaces map[string]Namespace
	logger     *slog.Logger
	tel        *telemetry

	mu      sync.RWMutex
	methods map[string]*Method
}

// Config defines limits and behavior tweaks for preparation and execution.
type Config struct {
	// MaxParams limits the total number of parameters a single statement can
	// carry after list expansion.
	// If = 0 (or omitted), it uses a sensible per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the length of a bind name, e.g. "@this_is_a_name".
	// Names longer than this cause ErrParamNameTooLong.
	MaxNameLen int
	// EmptySet is the SQL fragment emitted for a nil or empty list parameter.
	// Defaults to the dialect's EmptySet().
	EmptySet string
	// Optimize makes every prepared method use the single-slot mapper cache
	// unless its MethodSpec says otherwise.
	Optimize bool
	// Logger receives prepare and execution events. Defaults to slog.Default().
	Logger *slog.Logger
	// SlowThreshold logs statements slower than this at warn level.
	// Zero disables slow statement logging.
	SlowThreshold time.Duration
	// Tracing and Metrics toggle OpenTelemetry instrumentation.
	Tracing bool
	Metrics bool
	// TracerProvider and MeterProvider default to the otel globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Namespace is a helper set importable by templates with /*!using name */ or
// /*!helper name */.
type Namespace = expr.Namespace

// Option configures an Engine.
type Option func(*Engine)

// Execer abstracts *sql.DB / *sql.Tx / *sql.Conn ExecContext for easy testing.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer abstracts *sql.DB / *sql.Tx / *sql.Conn QueryContext for easy testing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DB is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type DB interface {
	Execer
	Queryer
}

const cacheSize = 4096 // Default size for the field-index cache

var (
	ErrTooManyParams      = errors.New("sqlacc: too many parameters")
	ErrParamNameTooLong   = errors.New("sqlacc: parameter name too long")
	ErrUnknownParameter   = errors.New("sqlacc: unknown parameter")
	ErrUnknownKey         = errors.New("sqlacc: unknown key in expression")
	ErrDirectiveMismatch  = errors.New("sqlacc: unbalanced directive")
	ErrBadDirective       = errors.New("sqlacc: malformed directive")
	ErrUnsupportedReturn  = errors.New("sqlacc: unsupported return for command type")
	ErrArgCount           = errors.New("sqlacc: wrong number of arguments")
	ErrArgType            = errors.New("sqlacc: argument type mismatch")
	ErrDuplicateParameter = errors.New("sqlacc: duplicate parameter")
	ErrUnsupportedType    = errors.New("sqlacc: unsupported parameter type")
	ErrUnmappable         = errors.New("sqlacc: no member matches any column")
	ErrFieldAmbiguous     = errors.New("sqlacc: ambiguous field name")
	ErrMethodExists       = errors.New("sqlacc: method already prepared")
)

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// Prefix is the marker that precedes a bind name in assembled text. Drivers
// with positional placeholders get the text rewritten by the command adapter.
func (d Dialect) Prefix() string {
	return "@"
}

// EmptySet is the fragment emitted for an empty list parameter. It keeps
// "x IN (...)" valid while matching no rows.
func (d Dialect) EmptySet() string {
	return "NULL"
}

// named reports whether the driver accepts sql.Named arguments as-is.
func (d Dialect) named() bool {
	return d == SQLServer || d == SQLite
}

// WithConfig sets the engine configuration. Unspecified fields fall back to
// per-dialect defaults.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.config = c }
}

// WithRegistry replaces the default type-handler registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithNamespace makes ns importable by templates under name.
func WithNamespace(name string, ns Namespace) Option {
	return func(e *Engine) {
		if e.namespaces == nil {
			e.namespaces = make(map[string]Namespace)
		}
		e.namespaces[name] = ns
	}
}

// WithLogger sets the logger. It overrides Config.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an Engine for the given dialect.
func New(dialect Dialect, opts ...Option) *Engine {
	e := &Engine{
		dialect: dialect,
		global:  NewGlobalCache(),
		methods: make(map[string]*Method),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.config = defaultConfig(dialect, e.config)
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.logger == nil {
		e.logger = e.config.Logger
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.tel = newTelemetry(dialect, e.config)
	return e
}

// Dialect returns the engine's dialect.
func (e *Engine) Dialect() Dialect { return e.dialect }

// Registry returns the engine's type-handler registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Global returns the engine's shape-keyed mapper cache.
func (e *Engine) Global() *GlobalCache { return e.global }

// Prepared lists the prepared methods sorted by name.
func (e *Engine) Prepared() []*Method {
	e.mu.RLock()
	out := make([]*Method, 0, len(e.methods))
	for _, m := range e.methods {
		out = append(out, m)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Method returns the prepared method with the given name.
func (e *Engine) Method(name string) (*Method, bool) {
	e.mu.RLock()
	m, ok := e.methods[name]
	e.mu.RUnlock()
	return m, ok
}

// ClearCaches drops every cached mapper: the global cache and each prepared
// method's per-site cache. Intended for tests and operations.
func (e *Engine) ClearCaches() {
	e.global.Clear()
	e.mu.RLock()
	for _, m := range e.methods {
		m.info.Clear()
	}
	e.mu.RUnlock()
	e.logger.LogAttrs(context.Background(), slog.LevelDebug, "sqlacc caches cleared")
}

// emptySet returns the configured empty-set fragment.
func (e *Engine) emptySet() string {
	return e.config.EmptySet
}

// defaultConfig merges user config with per-dialect defaults.
func defaultConfig(dialect Dialect, c Config) Config {
	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}

	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}

	if c.EmptySet == "" {
		c.EmptySet = dialect.EmptySet()
	}

	return c
}
