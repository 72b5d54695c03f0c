package sqlacc

import (
	"fmt"
	"reflect"
)

// Mapper converts one row, given as its column values in shape order, into
// a T. Mappers are built once per (T, shape) and are safe for concurrent use.
type Mapper[T any] func(values []any) (T, error)

// fillFunc writes one row into dst, a settable value of the target type.
type fillFunc func(vals []any, dst reflect.Value) error

// rowMapper is the untyped mapper stored by the caches.
type rowMapper struct {
	target reflect.Type
	kind   mapKind
	fill   fillFunc
}

type mapKind uint8

const (
	mapSingle mapKind = iota // column 0 converted to the target
	mapTuple                 // columns partitioned across tuple slots
	mapCtor                  // registered constructor
	mapFields                // settable members matched by name
	mapMap                   // map[string]V keyed by column name
)

func (k mapKind) String() string {
	switch k {
	case mapSingle:
		return "single"
	case mapTuple:
		return "tuple"
	case mapCtor:
		return "constructor"
	case mapFields:
		return "fields"
	case mapMap:
		return "map"
	default:
		return "unknown"
	}
}

// typed wraps a rowMapper as a Mapper[T].
func typed[T any](m *rowMapper) Mapper[T] {
	return func(vals []any) (T, error) {
		var out T
		err := m.fill(vals, reflect.ValueOf(&out).Elem())
		return out, err
	}
}

// buildMapper selects the mapping strategy for t against shape.
func buildMapper(r *Registry, t reflect.Type, shape Shape) (*rowMapper, error) {
	cols := make([]int, len(shape))
	for i := range cols {
		cols[i] = i
	}
	var (
		fill fillFunc
		kind mapKind
		err  error
	)
	if isTuple(t) {
		fill, err = buildTuple(r, t, shape)
		kind = mapTuple
	} else {
		fill, kind, err = buildFill(r, t, shape, cols)
	}
	if err != nil {
		return nil, &MappingError{Type: t, Shape: shape, Err: err}
	}
	return &rowMapper{target: t, kind: kind, fill: fill}, nil
}

// buildFill builds a mapper for t restricted to the given column indices.
func buildFill(r *Registry, t reflect.Type, shape Shape, cols []int) (fillFunc, mapKind, error) {
	switch t.Kind() {
	case reflect.Invalid, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedReturn, t)
	}
	if len(cols) == 0 {
		return nil, 0, ErrUnmappable
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}

	if isScalar(r, base) {
		fill, err := buildSingle(r, t, shape, cols[0], "")
		return fill, mapSingle, err
	}

	var (
		fill fillFunc
		kind mapKind
		err  error
	)
	switch {
	case base.Kind() == reflect.Map:
		fill, err = buildMap(base, shape, cols)
		kind = mapMap
	case r.ctorFor(base) != nil && r.ctorFor(base).covers(shape, cols):
		fill, err = buildCtor(r, r.ctorFor(base), shape, cols)
		kind = mapCtor
	default:
		fill, err = buildFields(r, base, shape, cols)
		kind = mapFields
	}
	if err != nil {
		return nil, 0, err
	}
	if t != base {
		fill = allocFill(t, fill)
	}
	return fill, kind, nil
}

// allocFill adapts a fill for a struct to a pointer target.
func allocFill(t reflect.Type, inner fillFunc) fillFunc {
	return func(vals []any, dst reflect.Value) error {
		p := reflect.New(t.Elem())
		if t.Elem().Kind() == reflect.Pointer {
			if err := allocFill(t.Elem(), inner)(vals, p.Elem()); err != nil {
				return err
			}
		} else if err := inner(vals, p.Elem()); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	}
}

// isScalar reports whether base maps from a single column.
func isScalar(r *Registry, base reflect.Type) bool {
	if r.isHandled(base) || isLeafType(base) {
		return true
	}
	switch base.Kind() {
	case reflect.Struct:
		return false
	case reflect.Map:
		return base.Key().Kind() != reflect.String
	}
	return true
}

// valueConv converts a raw column value into a settable value of t.
type valueConv func(v any) (reflect.Value, error)

// memberConverter composes the converter chain for one member: the named
// converter from the conv= tag, the registered type handler, then the
// built-in conversions.
func memberConverter(r *Registry, t reflect.Type, conv string) (valueConv, error) {
	var pre Converter
	if conv != "" {
		fn, ok := r.converter(conv)
		if !ok {
			return nil, fmt.Errorf("unknown converter %q", conv)
		}
		pre = fn
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	h, hasHandler := r.handler(base)
	return func(v any) (reflect.Value, error) {
		if pre != nil {
			var err error
			if v, err = pre(v); err != nil {
				return reflect.Value{}, err
			}
		}
		if v == nil {
			return reflect.Zero(t), nil
		}
		if hasHandler {
			parsed, err := h.Parse(base, v)
			if err != nil {
				return reflect.Value{}, err
			}
			v = parsed
		}
		return convertValue(v, t)
	}, nil
}

func buildSingle(r *Registry, t reflect.Type, shape Shape, col int, conv string) (fillFunc, error) {
	c, err := memberConverter(r, t, conv)
	if err != nil {
		return nil, err
	}
	name := shape[col].Name
	return func(vals []any, dst reflect.Value) error {
		v, err := c(vals[col])
		if err != nil {
			return &ColumnError{Column: name, Index: col, Err: err}
		}
		dst.Set(v)
		return nil
	}, nil
}

func buildMap(t reflect.Type, shape Shape, cols []int) (fillFunc, error) {
	elem := t.Elem()
	keys := make([]reflect.Value, len(cols))
	for i, c := range cols {
		keys[i] = reflect.ValueOf(shape[c].Name).Convert(t.Key())
	}
	return func(vals []any, dst reflect.Value) error {
		m := reflect.MakeMapWithSize(t, len(cols))
		for i, c := range cols {
			v, err := convertValue(vals[c], elem)
			if err != nil {
				return &ColumnError{Column: shape[c].Name, Index: c, Err: err}
			}
			m.SetMapIndex(keys[i], v)
		}
		dst.Set(m)
		return nil
	}, nil
}

// member assigns one column to one field.
type member struct {
	col  int
	path []int
	conv valueConv
}

// buildFields matches columns to settable fields by case-insensitive name.
// Unmatched columns are ignored and unmatched fields keep their zero value.
func buildFields(r *Registry, t reflect.Type, shape Shape, cols []int) (fillFunc, error) {
	set := fieldIndexMap(t)
	var members []member
	taken := make(map[string]bool)
	for _, c := range cols {
		fi, ok := set.lookupFold(shape[c].Name)
		if !ok || taken[fi.name] {
			continue
		}
		if fi.ambiguous {
			return nil, fmt.Errorf("%w: %q", ErrFieldAmbiguous, shape[c].Name)
		}
		conv, err := memberConverter(r, fi.typ, fi.opts.conv)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fi.name, err)
		}
		taken[fi.name] = true
		members = append(members, member{col: c, path: fi.index, conv: conv})
	}
	if len(members) == 0 {
		return nil, ErrUnmappable
	}
	return func(vals []any, dst reflect.Value) error {
		for _, m := range members {
			v, err := m.conv(vals[m.col])
			if err != nil {
				return &ColumnError{Column: shape[m.col].Name, Index: m.col, Err: err}
			}
			fieldByIndexAlloc(dst, m.path).Set(v)
		}
		return nil
	}, nil
}

// constructor is a registered factory for a target type. Its parameters
// are matched to columns by name.
type constructor struct {
	fn      reflect.Value
	names   []string
	params  []reflect.Type
	withErr bool
}

var errorType = reflect.TypeFor[error]()

// RegisterConstructor registers fn as the factory for T. fn must be a
// function of len(names) parameters returning T or (T, error); names are
// the columns feeding each parameter. A registered constructor is used for
// every shape that carries all of its names.
func RegisterConstructor[T any](r *Registry, fn any, names ...string) error {
	t := reflect.TypeFor[T]()
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if fv.Kind() != reflect.Func {
		return fmt.Errorf("sqlacc: constructor for %s is %s, not a func", t, ft)
	}
	if ft.NumIn() != len(names) || ft.IsVariadic() {
		return fmt.Errorf("sqlacc: constructor for %s takes %d parameters, %d names given", t, ft.NumIn(), len(names))
	}
	switch {
	case ft.NumOut() == 1 && ft.Out(0) == t:
	case ft.NumOut() == 2 && ft.Out(0) == t && ft.Out(1) == errorType:
	default:
		return fmt.Errorf("sqlacc: constructor for %s must return %s or (%s, error)", t, t, t)
	}
	c := &constructor{fn: fv, names: names, params: make([]reflect.Type, len(names)), withErr: ft.NumOut() == 2}
	for i := range names {
		c.params[i] = ft.In(i)
	}
	r.mu.Lock()
	r.ctors[t] = c
	r.mu.Unlock()
	return nil
}

func (r *Registry) ctorFor(t reflect.Type) *constructor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ctors[t]
}

// covers reports whether every constructor parameter has a column.
func (c *constructor) covers(shape Shape, cols []int) bool {
	for _, n := range c.names {
		if findCol(shape, cols, n) < 0 {
			return false
		}
	}
	return true
}

func findCol(shape Shape, cols []int, name string) int {
	for _, c := range cols {
		if foldEqual(shape[c].Name, name) {
			return c
		}
	}
	return -1
}

func buildCtor(r *Registry, c *constructor, shape Shape, cols []int) (fillFunc, error) {
	idx := make([]int, len(c.names))
	convs := make([]valueConv, len(c.names))
	for i, n := range c.names {
		idx[i] = findCol(shape, cols, n)
		conv, err := memberConverter(r, c.params[i], "")
		if err != nil {
			return nil, err
		}
		convs[i] = conv
	}
	return func(vals []any, dst reflect.Value) error {
		in := make([]reflect.Value, len(idx))
		for i, col := range idx {
			v, err := convs[i](vals[col])
			if err != nil {
				return &ColumnError{Column: shape[col].Name, Index: col, Err: err}
			}
			in[i] = v
		}
		out := c.fn.Call(in)
		if c.withErr && !out[1].IsNil() {
			return out[1].Interface().(error)
		}
		dst.Set(out[0])
		return nil
	}, nil
}
