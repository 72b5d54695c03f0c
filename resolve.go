package sqlacc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gandaldf/sqlacc/template"
)

// ParamKind distinguishes ordinary parameters from records and timeouts.
type ParamKind uint8

const (
	ParamValue   ParamKind = iota // one value, one entry
	ParamRecord                   // struct exploded into one entry per field
	ParamTimeout                  // time.Duration applied as the call timeout
)

// ParamSpec declares one method argument. Call arguments are matched to
// ParamSpecs by position.
type ParamSpec struct {
	Name      string
	Type      reflect.Type
	Direction Direction
	Kind      ParamKind
	DbType    DbType // explicit override; DbTypeUnknown means resolve
	Size      int
	BindName  string // defaults to Name
}

// MethodSpec describes a data-access method: its template, its arguments
// and how it executes.
type MethodSpec struct {
	Name     string
	Template string
	Command  CommandType
	Params   []ParamSpec
	// Optimize declares the result shape stable so the per-site mapper
	// cache keeps a single slot.
	Optimize bool
	// Timeout bounds each execution. A ParamTimeout argument overrides it.
	Timeout time.Duration
}

// Param declares an input argument of type T.
func Param[T any](name string) ParamSpec {
	return ParamSpec{Name: name, Type: reflect.TypeFor[T]()}
}

// Out declares an output argument. The caller passes a *T.
func Out[T any](name string) ParamSpec {
	return ParamSpec{Name: name, Type: reflect.TypeFor[T](), Direction: DirOut}
}

// InOut declares an input/output argument. The caller passes a *T.
func InOut[T any](name string) ParamSpec {
	return ParamSpec{Name: name, Type: reflect.TypeFor[T](), Direction: DirInOut}
}

// Return declares a procedure return value. The caller passes a *T.
func Return[T any](name string) ParamSpec {
	return ParamSpec{Name: name, Type: reflect.TypeFor[T](), Direction: DirReturn}
}

// Record declares a struct argument whose fields are each a parameter.
func Record[T any](name string) ParamSpec {
	return ParamSpec{Name: name, Type: reflect.TypeFor[T](), Kind: ParamRecord}
}

// Timeout declares a time.Duration argument used as the call timeout.
func Timeout(name string) ParamSpec {
	return ParamSpec{Name: name, Type: reflect.TypeFor[time.Duration](), Kind: ParamTimeout}
}

var ctxType = reflect.TypeFor[context.Context]()

// entry is one resolved statement parameter.
type entry struct {
	source   string       // name referenced by templates
	ordinal  int          // unique per method, declaration order
	typ      reflect.Type // static value type
	dir      Direction
	multiple bool
	dynamic  bool
	bindName string
	dbType   DbType
	size     int
	conv     string
	arg      int   // index of the call argument
	path     []int // record field path, nil for plain arguments

	scalar *paramBinding
	list   *listBinding
	dyn    *dynamicBinding
	// bindErr is set for lists whose elements cannot be bound. Such an
	// entry may still drive a loop; binding it directly is a build error.
	bindErr error
}

// resolved is the output of the resolver.
type resolved struct {
	entries    []*entry
	byName     map[string]*entry
	timeoutArg int // -1 when absent
	argc       int
}

// resolveParams expands spec.Params into entries and compiles their binding
// strategies.
func resolveParams(r *Registry, spec *MethodSpec) (*resolved, error) {
	res := &resolved{byName: make(map[string]*entry), timeoutArg: -1, argc: len(spec.Params)}

	add := func(e *entry) error {
		if _, dup := res.byName[e.source]; dup {
			return buildErrorf(spec.Name, template.Pos{}, ErrDuplicateParameter, "%q", e.source)
		}
		e.ordinal = len(res.entries)
		if e.bindName == "" {
			e.bindName = e.source
		}
		if err := compileEntry(r, e); err != nil {
			return &BuildError{Method: spec.Name, Err: fmt.Errorf("parameter %q: %w", e.source, err)}
		}
		res.entries = append(res.entries, e)
		res.byName[e.source] = e
		return nil
	}

	for i, p := range spec.Params {
		if p.Type == nil {
			return nil, buildErrorf(spec.Name, template.Pos{}, ErrUnsupportedType, "parameter %q has no type", p.Name)
		}
		if p.Type == ctxType {
			continue
		}
		if p.Kind == ParamTimeout {
			res.timeoutArg = i
			continue
		}
		if isRecord(r, p) {
			if err := expandRecord(spec, p, i, add); err != nil {
				return nil, err
			}
			continue
		}
		e := &entry{
			source:   p.Name,
			typ:      p.Type,
			dir:      p.Direction,
			multiple: isList(p.Type) && !r.isHandled(p.Type),
			dynamic:  p.Type.Kind() == reflect.Interface,
			bindName: p.BindName,
			dbType:   p.DbType,
			size:     p.Size,
			arg:      i,
		}
		if err := add(e); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// checkBindNames rejects bind names that collide with each other or with
// generated names: list elements bind as "ids0", "ids1", ... and, in dynamic
// templates, inline values bind as "dp0" or "dp0_1".
func checkBindNames(method string, entries []*entry, dynamic bool) error {
	seen := make(map[string]*entry, len(entries))
	for _, en := range entries {
		if other, dup := seen[en.bindName]; dup {
			return buildErrorf(method, template.Pos{}, ErrDuplicateParameter, "%q and %q both bind as %q", other.source, en.source, en.bindName)
		}
		seen[en.bindName] = en
		if dynamic && isInlineName(en.bindName) {
			return buildErrorf(method, template.Pos{}, ErrDuplicateParameter, "%q collides with inline value names", en.source)
		}
	}
	for _, list := range entries {
		if !list.multiple || list.bindErr != nil {
			continue
		}
		for _, en := range entries {
			if en == list {
				continue
			}
			if rest, ok := strings.CutPrefix(en.bindName, list.bindName); ok && isDigits(rest) {
				return buildErrorf(method, template.Pos{}, ErrDuplicateParameter, "%q collides with the elements of list %q", en.source, list.source)
			}
		}
	}
	return nil
}

func isInlineName(s string) bool {
	rest, ok := strings.CutPrefix(s, "dp")
	if !ok {
		return false
	}
	seq, sub, found := strings.Cut(rest, "_")
	return isDigits(seq) && (!found || isDigits(sub))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isRecord reports whether a parameter is exploded into its fields.
func isRecord(r *Registry, p ParamSpec) bool {
	if p.Kind == ParamRecord {
		return true
	}
	t := p.Type
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && p.DbType == DbTypeUnknown && !isLeafType(t) && !r.isHandled(t)
}

func expandRecord(spec *MethodSpec, p ParamSpec, arg int, add func(*entry) error) error {
	set := fieldIndexMap(p.Type)
	for _, name := range set.names {
		fi := set.byName[name]
		if fi.ambiguous {
			return buildErrorf(spec.Name, template.Pos{}, ErrFieldAmbiguous, "%q in record %q", name, p.Name)
		}
		dir := p.Direction
		if fi.opts.dirSet {
			dir = fi.opts.dir
		}
		multiple := isList(fi.typ) && !fi.opts.scalar
		if fi.opts.list && fi.typ.Kind() == reflect.Slice {
			multiple = true
		}
		e := &entry{
			source:   name,
			typ:      fi.typ,
			dir:      dir,
			multiple: multiple,
			dynamic:  fi.typ.Kind() == reflect.Interface,
			dbType:   fi.opts.dbType,
			size:     fi.opts.size,
			conv:     fi.opts.conv,
			arg:      arg,
			path:     fi.index,
		}
		if err := add(e); err != nil {
			return err
		}
	}
	return nil
}

// compileEntry attaches the binding strategy.
func compileEntry(r *Registry, e *entry) error {
	switch {
	case e.dynamic:
		e.dyn = newDynamicBinding(r, e.dir)
		return nil
	case e.multiple:
		et := e.typ
		for et.Kind() == reflect.Pointer {
			et = et.Elem()
		}
		elem, err := compileBinding(r, et.Elem(), e.dbType, e.size, DirIn)
		if err != nil {
			e.bindErr = err
			return nil
		}
		e.list = &listBinding{elem: elem}
		return nil
	}
	b, err := compileBinding(r, e.typ, e.dbType, e.size, e.dir)
	if err != nil {
		return err
	}
	e.scalar = b
	e.dbType = b.dbType
	return nil
}

// bindable fails with a build error when the entry cannot be bound.
func (e *entry) bindable(method string, pos template.Pos) error {
	if e.bindErr == nil {
		return nil
	}
	return &BuildError{Method: method, Pos: pos, Err: fmt.Errorf("parameter %q: %w", e.source, e.bindErr)}
}

// value extracts the entry's value from the call arguments. Output
// arguments are pointers; their pointee is the input value.
func (e *entry) value(args []any) any {
	v := args[e.arg]
	if e.path != nil {
		got, ok := getValueByPathAny(reflect.ValueOf(v), e.path)
		if !ok {
			return nil
		}
		return got
	}
	if e.dir != DirIn && v != nil {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return nil
			}
			return rv.Elem().Interface()
		}
	}
	return v
}

// target returns the settable destination for a non-input entry, or an
// invalid Value when the caller gave nothing to write into.
func (e *entry) target(args []any) reflect.Value {
	rv := reflect.ValueOf(args[e.arg])
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}
	}
	if e.path == nil {
		return rv.Elem()
	}
	root := rv.Elem()
	for root.Kind() == reflect.Pointer {
		if root.IsNil() {
			return reflect.Value{}
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return fieldByIndexAlloc(root, e.path)
}
