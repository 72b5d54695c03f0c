package sqlacc

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"reflect"
	"time"

	"github.com/gandaldf/sqlacc/template"
)

// Method is a prepared data-access method: resolved parameters, a chosen
// assembly strategy and a per-site mapper cache. It is safe for concurrent
// use.
type Method struct {
	name   string
	engine *Engine
	spec   MethodSpec
	nodes  []template.Node
	res    *resolved
	plan   plan
	info   *QueryInfo
}

// Prepare resolves spec's parameters, parses its template and selects the
// assembly strategy. Every structural problem is reported here as a
// *BuildError; nothing about the template is re-validated per call.
func (e *Engine) Prepare(spec MethodSpec) (*Method, error) {
	if spec.Name == "" {
		return nil, &BuildError{Err: fmt.Errorf("%w: method has no name", ErrBadDirective)}
	}
	res, err := resolveParams(e.registry, &spec)
	if err != nil {
		return nil, err
	}
	p, nodes, err := e.compilePlan(&spec, res)
	if err != nil {
		return nil, err
	}
	m := &Method{
		name:   spec.Name,
		engine: e,
		spec:   spec,
		nodes:  nodes,
		res:    res,
		plan:   p,
		info:   newQueryInfo(spec.Optimize || e.config.Optimize),
	}

	e.mu.Lock()
	if _, dup := e.methods[spec.Name]; dup {
		e.mu.Unlock()
		return nil, &BuildError{Method: spec.Name, Err: ErrMethodExists}
	}
	e.methods[spec.Name] = m
	e.mu.Unlock()

	e.logPrepared(m)
	return m, nil
}

// MustPrepare is like Prepare but panics on error.
func (e *Engine) MustPrepare(spec MethodSpec) *Method {
	m, err := e.Prepare(spec)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Method) Name() string             { return m.name }
func (m *Method) Spec() MethodSpec         { return m.spec }
func (m *Method) Strategy() Strategy       { return m.plan.strategy() }
func (m *Method) Nodes() []template.Node   { return m.nodes }
func (m *Method) Info() *QueryInfo         { return m.info }
func (m *Method) Command(db DB) Command    { return m.engine.Command(db) }
func (m *Method) Engine() *Engine          { return m.engine }
func (m *Method) Template() string         { return m.spec.Template }
func (m *Method) CommandType() CommandType { return m.spec.Command }

// Apply checks args against the method's parameters and populates cmd with
// the statement text, the native parameters and the timeout. The returned
// Call copies output values back into args after execution.
func (m *Method) Apply(cmd Command, args ...any) (*Call, error) {
	if err := m.checkArgs(args); err != nil {
		return nil, err
	}
	if d := m.timeout(args); d > 0 {
		cmd.SetTimeout(d)
	}
	call := &Call{registry: m.engine.registry}
	if err := m.plan.apply(cmd, args, call); err != nil {
		return nil, err
	}
	return call, nil
}

// Bind renders the final statement and driver arguments for args without
// executing anything.
func (m *Method) Bind(args ...any) (string, []any, error) {
	cmd := &sqlCommand{dialect: m.engine.dialect, config: m.engine.config}
	if _, err := m.Apply(cmd, args...); err != nil {
		return "", nil, err
	}
	q, out, _, err := cmd.statement()
	return q, out, err
}

func (m *Method) checkArgs(args []any) error {
	if len(args) != m.res.argc {
		return fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, m.name, m.res.argc, len(args))
	}
	for i, p := range m.spec.Params {
		if args[i] == nil {
			continue
		}
		at := reflect.TypeOf(args[i])
		want := p.Type
		if p.Direction != DirIn && p.Kind != ParamRecord {
			want = reflect.PointerTo(p.Type)
		}
		if at.AssignableTo(want) || at == reflect.PointerTo(p.Type) {
			continue
		}
		return fmt.Errorf("%w: %s argument %d (%s) is %s, want %s", ErrArgType, m.name, i, p.Name, at, want)
	}
	return nil
}

func (m *Method) timeout(args []any) time.Duration {
	if i := m.res.timeoutArg; i >= 0 {
		if d, ok := args[i].(time.Duration); ok && d > 0 {
			return d
		}
	}
	return m.spec.Timeout
}

// run applies args to cmd, executes fn inside a span and records the
// outcome. Cancellation is reported as ctx.Err(), unwrapped.
func (m *Method) run(ctx context.Context, cmd Command, operation string, args []any, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	call, err := m.Apply(cmd, args...)
	if err != nil {
		return err
	}
	e := m.engine
	ctx, span := e.tel.startSpan(ctx, operation, m.name, cmd.Text())
	start := time.Now()
	err = fn(ctx)
	if err == nil {
		err = call.ReadBack()
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	d := time.Since(start)
	e.tel.finishSpan(span, err)
	e.tel.recordStatement(ctx, operation, m.name, d, err)
	e.logStatement(ctx, operation, m.name, cmd.Text(), len(cmd.Parameters()), d, err)
	return err
}

// Exec runs the method on db and returns the number of affected rows.
func (m *Method) Exec(ctx context.Context, db DB, args ...any) (int64, error) {
	return m.ExecCommand(ctx, m.Command(db), args...)
}

// ExecCommand is Exec on a caller-supplied Command.
func (m *Method) ExecCommand(ctx context.Context, cmd Command, args ...any) (int64, error) {
	var n int64
	err := m.run(ctx, cmd, "exec", args, func(ctx context.Context) error {
		var err error
		n, err = cmd.ExecNonQuery(ctx)
		return err
	})
	return n, err
}

// Scalar returns the first column of the first row converted to T. A DB
// null or an empty result yields the zero T.
func Scalar[T any](ctx context.Context, m *Method, db DB, args ...any) (T, error) {
	return ScalarCommand[T](ctx, m, m.Command(db), args...)
}

// ScalarCommand is Scalar on a caller-supplied Command.
func ScalarCommand[T any](ctx context.Context, m *Method, cmd Command, args ...any) (T, error) {
	var out T
	t := reflect.TypeFor[T]()
	conv, err := memberConverter(m.engine.registry, t, "")
	if err != nil {
		return out, err
	}
	err = m.run(ctx, cmd, "scalar", args, func(ctx context.Context) error {
		v, err := cmd.ExecScalar(ctx)
		if err != nil {
			return err
		}
		rv, err := conv(v)
		if err != nil {
			return err
		}
		reflect.ValueOf(&out).Elem().Set(rv)
		return nil
	})
	return out, err
}

// Query runs the method on db and maps every row to T.
func Query[T any](ctx context.Context, m *Method, db DB, args ...any) ([]T, error) {
	return QueryCommand[T](ctx, m, m.Command(db), args...)
}

// QueryCommand is Query on a caller-supplied Command.
func QueryCommand[T any](ctx context.Context, m *Method, cmd Command, args ...any) ([]T, error) {
	var out []T
	err := m.run(ctx, cmd, "query", args, func(ctx context.Context) error {
		return readerFunc(ctx, cmd, func(rd Reader) error {
			return stream(ctx, m.siteLookup(ctx), rd, func(v T) bool {
				out = append(out, v)
				return true
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryFirst returns the first mapped row, or sql.ErrNoRows.
func QueryFirst[T any](ctx context.Context, m *Method, db DB, args ...any) (T, error) {
	return QueryFirstCommand[T](ctx, m, m.Command(db), args...)
}

// QueryFirstCommand is QueryFirst on a caller-supplied Command.
func QueryFirstCommand[T any](ctx context.Context, m *Method, cmd Command, args ...any) (T, error) {
	var (
		out   T
		found bool
	)
	err := m.run(ctx, cmd, "query", args, func(ctx context.Context) error {
		return readerFunc(ctx, cmd, func(rd Reader) error {
			return stream(ctx, m.siteLookup(ctx), rd, func(v T) bool {
				out, found = v, true
				return false
			})
		})
	})
	if err == nil && !found {
		err = sql.ErrNoRows
	}
	return out, err
}

// Each streams mapped rows. Iteration stops at the first error, which is
// yielded with the zero T. Breaking out of the loop closes the reader; an
// error raised after the break is only logged.
func Each[T any](ctx context.Context, m *Method, db DB, args ...any) iter.Seq2[T, error] {
	return EachCommand[T](ctx, m, m.Command(db), args...)
}

// EachCommand is Each on a caller-supplied Command.
func EachCommand[T any](ctx context.Context, m *Method, cmd Command, args ...any) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		stopped := false
		err := m.run(ctx, cmd, "query", args, func(ctx context.Context) error {
			return readerFunc(ctx, cmd, func(rd Reader) error {
				return stream(ctx, m.siteLookup(ctx), rd, func(v T) bool {
					if !yield(v, nil) {
						stopped = true
					}
					return !stopped
				})
			})
		})
		if err != nil && !stopped {
			var zero T
			yield(zero, err)
		}
	}
}

func readerFunc(ctx context.Context, cmd Command, fn func(Reader) error) error {
	rd, err := cmd.ExecReader(ctx)
	if err != nil {
		return err
	}
	err = fn(rd)
	if cerr := rd.Close(); err == nil {
		err = cerr
	}
	return err
}

// lookupFunc returns the mapper for a target type and shape.
type lookupFunc func(t reflect.Type, shape Shape) (*rowMapper, error)

func (m *Method) siteLookup(ctx context.Context) lookupFunc {
	return func(t reflect.Type, shape Shape) (*rowMapper, error) {
		rm, hit, err := m.info.lookup(t, shape, func(s Shape) (*rowMapper, error) {
			return buildMapper(m.engine.registry, t, s)
		})
		m.engine.tel.recordLookup(ctx, "site", hit)
		return rm, err
	}
}

func (e *Engine) globalLookup(ctx context.Context) lookupFunc {
	return func(t reflect.Type, shape Shape) (*rowMapper, error) {
		rm, hit, err := e.global.lookup(t, shape, func(s Shape) (*rowMapper, error) {
			return buildMapper(e.registry, t, s)
		})
		e.tel.recordLookup(ctx, "global", hit)
		return rm, err
	}
}

// stream maps rows from rd and hands them to fn until fn returns false.
// The shape is staged in a stack buffer; caches copy it on insert.
func stream[T any](ctx context.Context, lookup lookupFunc, rd Reader, fn func(T) bool) error {
	var buf [16]Column
	cols, err := rd.Columns(buf[:0])
	if err != nil {
		return err
	}
	rm, err := lookup(reflect.TypeFor[T](), Shape(cols))
	if err != nil {
		return err
	}
	mapRow := typed[T](rm)
	vals := make([]any, len(cols))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !rd.Next() {
			break
		}
		if err := rd.Values(vals); err != nil {
			return err
		}
		v, err := mapRow(vals)
		if err != nil {
			return err
		}
		if !fn(v) {
			return nil
		}
	}
	return rd.Err()
}

// MapperFor returns the mapper for T and shape from the engine's global
// cache, building it on first use.
func MapperFor[T any](e *Engine, shape Shape) (Mapper[T], error) {
	rm, err := e.globalLookup(context.Background())(reflect.TypeFor[T](), shape)
	if err != nil {
		return nil, err
	}
	return typed[T](rm), nil
}

// ScanRows maps every remaining row of rows to T through the global cache
// and closes rows.
func ScanRows[T any](ctx context.Context, e *Engine, rows *sql.Rows) ([]T, error) {
	rd := &sqlReader{rows: rows, cancel: func() {}}
	var out []T
	err := stream(ctx, e.globalLookup(ctx), rd, func(v T) bool {
		out = append(out, v)
		return true
	})
	if cerr := rd.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
