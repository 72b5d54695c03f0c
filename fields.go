package sqlacc

import (
	"database/sql"
	"database/sql/driver"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	scannerIface = reflect.TypeFor[sql.Scanner]()
	valuerIface  = reflect.TypeFor[driver.Valuer]()
	timeType     = reflect.TypeFor[time.Time]()
	bytesType    = reflect.TypeFor[[]byte]()
	anyType      = reflect.TypeFor[any]()
)

var structIndexCache = newFieldCache(cacheSize)

// fieldInfo describes a leaf field of a flattened struct.
type fieldInfo struct {
	name      string
	index     []int // full index path for FieldByIndex-like ops
	typ       reflect.Type
	opts      tagOptions
	ambiguous bool // true if multiple fields with same name found
}

// tagOptions are the options after the name in a `db:"name,opt,..."` tag.
type tagOptions struct {
	dir    Direction
	dirSet bool
	list   bool   // bind []byte as a list
	scalar bool   // bind a slice as one value
	dbType DbType // dbtype=<name>
	size   int    // size=<n>
	conv   string // conv=<converter>
}

// fieldSet is the flattened view of a struct type: leaves in declaration
// order plus exact and case-folded lookups.
type fieldSet struct {
	names  []string
	byName map[string]fieldInfo
	folded map[string]string
}

// lookup finds a field by exact name.
func (s *fieldSet) lookup(name string) (fieldInfo, bool) {
	fi, ok := s.byName[name]
	return fi, ok
}

// lookupFold finds a field ignoring case. Exact matches win.
func (s *fieldSet) lookupFold(name string) (fieldInfo, bool) {
	if fi, ok := s.byName[name]; ok {
		return fi, true
	}
	if n, ok := s.folded[foldName(name)]; ok {
		return s.byName[n], true
	}
	return fieldInfo{}, false
}

// fieldIndexMap returns the flattened field set for the given type.
// It flattens nested structs (excluding time.Time and scanners), honors
// `db:"name,opts"` tags and skips `db:"-"`. The result is cached in a
// two-tier cache.
func fieldIndexMap(t reflect.Type) *fieldSet {
	if m, ok := structIndexCache.get(t); ok {
		return m
	}

	// Normalize to struct
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	set := &fieldSet{byName: make(map[string]fieldInfo), folded: make(map[string]string)}
	if base.Kind() != reflect.Struct {
		structIndexCache.put(t, set)
		return set
	}

	visited := map[reflect.Type]bool{}
	var walk func(rt reflect.Type, path []int)

	walk = func(rt reflect.Type, path []int) {
		for rt.Kind() == reflect.Pointer {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct || visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			name := f.Name
			var opts tagOptions
			if tag != "" {
				parts := strings.Split(tag, ",")
				if parts[0] != "" {
					name = parts[0]
				}
				opts = parseTagOptions(parts[1:])
			}

			if shouldFlatten(f.Type) {
				walk(f.Type, appendIndex(path, i))
				continue
			}

			if prev, exists := set.byName[name]; exists {
				if !prev.ambiguous {
					prev.ambiguous = true
					set.byName[name] = prev
				}
				continue
			}
			set.byName[name] = fieldInfo{name: name, index: appendIndex(path, i), typ: f.Type, opts: opts}
			set.names = append(set.names, name)
			if k := foldName(name); set.folded[k] == "" {
				set.folded[k] = name
			}
		}
	}

	walk(base, nil)
	structIndexCache.put(t, set)
	return set
}

func parseTagOptions(parts []string) tagOptions {
	var o tagOptions
	for _, p := range parts {
		p = strings.TrimSpace(p)
		key, val, _ := strings.Cut(p, "=")
		switch key {
		case "out":
			o.dir, o.dirSet = DirOut, true
		case "inout":
			o.dir, o.dirSet = DirInOut, true
		case "return":
			o.dir, o.dirSet = DirReturn, true
		case "list":
			o.list = true
		case "scalar":
			o.scalar = true
		case "dbtype":
			o.dbType = parseDbType(val)
		case "size":
			o.size, _ = strconv.Atoi(val)
		case "conv":
			o.conv = val
		}
	}
	return o
}

// shouldFlatten decides whether to descend into ft (struct or *struct).
func shouldFlatten(ft reflect.Type) bool {
	if isLeafType(ft) {
		return false
	}
	tt := ft
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	return tt.Kind() == reflect.Struct
}

// isLeafType reports whether a struct-kinded type is bound and read as a
// single value: time.Time, scanners and valuers.
func isLeafType(t reflect.Type) bool {
	if t.Implements(scannerIface) || reflect.PointerTo(t).Implements(scannerIface) {
		return true
	}
	if t.Implements(valuerIface) {
		return true
	}
	tt := t
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	return tt == timeType
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// fieldCache implements a two-tier map with cheap rotation to bound memory.
// 'curr' is the hot set; 'prev' is the previous generation. Lookups promote.
type fieldCache struct {
	mu   sync.RWMutex
	curr map[reflect.Type]*fieldSet
	prev map[reflect.Type]*fieldSet
	max  int
}

func newFieldCache(max int) *fieldCache {
	if max <= 0 {
		max = cacheSize
	}
	return &fieldCache{
		curr: make(map[reflect.Type]*fieldSet, max/2),
		prev: make(map[reflect.Type]*fieldSet),
		max:  max,
	}
}

func (c *fieldCache) get(t reflect.Type) (*fieldSet, bool) {
	c.mu.RLock()
	if m, ok := c.curr[t]; ok {
		c.mu.RUnlock()
		return m, true
	}
	if m, ok := c.prev[t]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		c.rotate()
		c.curr[t] = m
		c.mu.Unlock()
		return m, true
	}
	c.mu.RUnlock()
	return nil, false
}

func (c *fieldCache) put(t reflect.Type, set *fieldSet) {
	c.mu.Lock()
	c.rotate()
	c.curr[t] = set
	c.mu.Unlock()
}

// rotate must be called with mu held.
func (c *fieldCache) rotate() {
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[reflect.Type]*fieldSet, c.max/2)
	}
}

// deIndirect unwraps interface and pointers until a concrete value (or nil).
func deIndirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// getValueByPathAny extracts the value at the end of 'path' from 'root'.
// If a pointer along the path is nil, it returns (nil, true) to represent SQL NULL.
// Returns (value, true) on success, or (nil, false) on structural mismatch.
func getValueByPathAny(root reflect.Value, path []int) (any, bool) {
	v := root
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	for i, idx := range path {
		for v.IsValid() && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, true
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil, false
		}
		v = v.Field(idx)
		if i == len(path)-1 {
			for v.IsValid() && v.Kind() == reflect.Interface {
				if v.IsNil() {
					return nil, true
				}
				v = v.Elem()
			}
			if v.Kind() == reflect.Pointer && v.IsNil() {
				return nil, true
			}
			return v.Interface(), true
		}
	}
	return nil, false
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}

// valueByName resolves a dotted member of a loop item: a struct field by
// its db name, or a map key.
func valueByName(v any, name string) (any, bool) {
	if m, ok := v.(map[string]any); ok {
		val, ok := m[name]
		return val, ok
	}
	rv := deIndirect(reflect.ValueOf(v))
	switch rv.Kind() {
	case reflect.Map:
		key := reflect.ValueOf(name)
		keyT := rv.Type().Key()
		if key.Type() != keyT {
			if !key.Type().ConvertibleTo(keyT) {
				return nil, false
			}
			key = key.Convert(keyT)
		}
		mv := rv.MapIndex(key)
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		fi, ok := fieldIndexMap(rv.Type()).lookup(name)
		if !ok || fi.ambiguous {
			return nil, false
		}
		return getValueByPathAny(rv, fi.index)
	}
	return nil, false
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}
