package sqlacc

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"
)

// paramBinding is the compiled strategy for one scalar parameter: a native
// type tag, an optional fixed size, an optional custom handler and the
// direction. It is immutable after compilation.
type paramBinding struct {
	dbType  DbType
	size    int
	handler TypeHandler
	dir     Direction
	fixed   bool // dbType came from an explicit override
}

// compileBinding resolves the strategy for static type t in priority order:
// explicit override, registered handler (enums use their underlying integer
// type), the default table. Unsupported types fail here, never per call.
func compileBinding(r *Registry, t reflect.Type, dbType DbType, size int, dir Direction) (*paramBinding, error) {
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	b := &paramBinding{dbType: dbType, size: size, dir: dir, fixed: dbType != DbTypeUnknown}
	if h, ok := r.handler(base); ok {
		b.handler = h
	}
	if b.fixed {
		return b, nil
	}
	if dt, ok := r.dbType(base); ok {
		b.dbType = dt
		return b, nil
	}
	if b.handler != nil {
		b.dbType = DbTypeObject
		return b, nil
	}
	if u := underlyingInt(base); u != nil {
		base = u
	}
	dt, ok := defaultDbType(base)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	b.dbType = dt
	return b, nil
}

// bind creates a native parameter named name for v and adds it to cmd.
func (b *paramBinding) bind(cmd Command, name string, v any) (Parameter, error) {
	p := cmd.CreateParameter()
	p.SetName(name)
	p.SetDirection(b.dir)
	p.SetDbType(b.dbType)
	if b.size > 0 {
		p.SetSize(b.size)
	}
	v = nullable(v)
	switch {
	case v == nil:
		p.SetValue(nil)
	case b.handler != nil:
		if err := b.handler.SetValue(p, v); err != nil {
			return nil, fmt.Errorf("sqlacc: bind %s: %w", name, err)
		}
		if b.fixed {
			p.SetDbType(b.dbType)
		}
	default:
		p.SetValue(v)
	}
	cmd.AddParameter(p)
	return p, nil
}

// nullable maps nil pointers and nil interfaces to nil, and dereferences
// other pointers so drivers see plain values.
func nullable(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Implements(valuerIface) {
			return rv.Interface()
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

// listBinding binds one sub-parameter per element of a list value.
type listBinding struct {
	elem *paramBinding
}

// bind adds base+"0" … base+"{n-1}" and returns n. Nil and empty lists bind
// nothing; the text side has already emitted the empty-set fragment.
func (l *listBinding) bind(cmd Command, base string, v any) (int, error) {
	rv := deIndirect(reflect.ValueOf(v))
	if !rv.IsValid() || rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		return 0, nil
	}
	n := rv.Len()
	for i := 0; i < n; i++ {
		if _, err := l.elem.bind(cmd, subName(base, i), rv.Index(i).Interface()); err != nil {
			return i, err
		}
	}
	return n, nil
}

// listLen reports the element count of a list value; nil counts as zero.
func listLen(v any) int {
	rv := deIndirect(reflect.ValueOf(v))
	if !rv.IsValid() || rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return 0
	}
	return rv.Len()
}

// subIndex caches the decimal strings for small sub-parameter indices.
var subIndex = func() (t [256]string) {
	for i := range t {
		t[i] = strconv.Itoa(i)
	}
	return t
}()

// subName returns base followed by the decimal index i.
func subName(base string, i int) string {
	if i < len(subIndex) {
		return base + subIndex[i]
	}
	return base + strconv.Itoa(i)
}

// isList reports whether t binds as a list: a slice or array whose element
// is not a byte.
func isList(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Slice && t.Kind() != reflect.Array {
		return false
	}
	if t.Implements(valuerIface) {
		return false
	}
	return t.Elem().Kind() != reflect.Uint8
}

// dynamicTarget is the resolved strategy for one runtime type.
type dynamicTarget struct {
	scalar *paramBinding
	list   *listBinding
}

// dynamicBinding resolves its strategy per call from the runtime type of
// the value. Resolutions are cached per type and reused across calls.
type dynamicBinding struct {
	registry *Registry
	dir      Direction
	cache    sync.Map // reflect.Type -> *dynamicTarget
}

var nilTarget = &dynamicTarget{scalar: &paramBinding{dbType: DbTypeObject}}

func newDynamicBinding(r *Registry, dir Direction) *dynamicBinding {
	return &dynamicBinding{registry: r, dir: dir}
}

// resolve returns the cached strategy for v's runtime type, compiling it on
// first sight. Unsupported runtime types fail on every use of that type.
func (d *dynamicBinding) resolve(v any) (*dynamicTarget, error) {
	if v == nil {
		return nilTarget, nil
	}
	t := reflect.TypeOf(v)
	if hit, ok := d.cache.Load(t); ok {
		return hit.(*dynamicTarget), nil
	}
	var target dynamicTarget
	if isList(t) && !d.registry.isHandled(t) {
		et := t
		for et.Kind() == reflect.Pointer {
			et = et.Elem()
		}
		elem, err := compileBinding(d.registry, et.Elem(), DbTypeUnknown, 0, DirIn)
		if err != nil {
			return nil, err
		}
		target.list = &listBinding{elem: elem}
	} else {
		b, err := compileBinding(d.registry, t, DbTypeUnknown, 0, d.dir)
		if err != nil {
			return nil, err
		}
		target.scalar = b
	}
	actual, _ := d.cache.LoadOrStore(t, &target)
	return actual.(*dynamicTarget), nil
}

// bind binds v under name. List values bind name+"_0", name+"_1", … and
// report their count; scalars report -1.
func (d *dynamicBinding) bind(cmd Command, name string, v any) (int, error) {
	target, err := d.resolve(v)
	if err != nil {
		return 0, err
	}
	if target.list != nil {
		return target.list.bind(cmd, name+"_", v)
	}
	_, err = target.scalar.bind(cmd, name, v)
	return -1, err
}
