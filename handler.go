package sqlacc

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DbType is the native parameter type tag handed to the command.
type DbType int

const (
	DbTypeUnknown DbType = iota
	DbTypeAnsiString
	DbTypeString
	DbTypeBoolean
	DbTypeByte
	DbTypeSByte
	DbTypeInt16
	DbTypeInt32
	DbTypeInt64
	DbTypeUInt16
	DbTypeUInt32
	DbTypeUInt64
	DbTypeSingle
	DbTypeDouble
	DbTypeDecimal
	DbTypeDateTime
	DbTypeTime
	DbTypeBinary
	DbTypeGuid
	DbTypeObject
)

var dbTypeNames = [...]string{
	DbTypeUnknown:    "Unknown",
	DbTypeAnsiString: "AnsiString",
	DbTypeString:     "String",
	DbTypeBoolean:    "Boolean",
	DbTypeByte:       "Byte",
	DbTypeSByte:      "SByte",
	DbTypeInt16:      "Int16",
	DbTypeInt32:      "Int32",
	DbTypeInt64:      "Int64",
	DbTypeUInt16:     "UInt16",
	DbTypeUInt32:     "UInt32",
	DbTypeUInt64:     "UInt64",
	DbTypeSingle:     "Single",
	DbTypeDouble:     "Double",
	DbTypeDecimal:    "Decimal",
	DbTypeDateTime:   "DateTime",
	DbTypeTime:       "Time",
	DbTypeBinary:     "Binary",
	DbTypeGuid:       "Guid",
	DbTypeObject:     "Object",
}

func (t DbType) String() string {
	if t >= 0 && int(t) < len(dbTypeNames) {
		return dbTypeNames[t]
	}
	return fmt.Sprintf("DbType(%d)", int(t))
}

// parseDbType maps a tag value such as "AnsiString" back to its DbType.
// Unknown names give DbTypeUnknown.
func parseDbType(s string) DbType {
	for i, n := range dbTypeNames {
		if strings.EqualFold(n, s) {
			return DbType(i)
		}
	}
	return DbTypeUnknown
}

// TypeHandler customizes how a Go type is bound and read back.
// SetValue populates p from v; Parse converts a raw column value into t.
type TypeHandler interface {
	SetValue(p Parameter, v any) error
	Parse(t reflect.Type, v any) (any, error)
}

// Converter transforms a raw column value before assignment. Converters are
// selected per field with the `conv=<name>` tag option.
type Converter func(v any) (any, error)

// Registry maps Go types to type handlers, DbTypes, named converters and
// registered constructors. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[reflect.Type]TypeHandler
	types      map[reflect.Type]DbType
	converters map[string]Converter
	ctors      map[reflect.Type]*constructor
}

// NewRegistry returns a registry with the built-in mappings:
// uuid.UUID is handled as DbTypeGuid and time.Time maps to DbTypeDateTime.
func NewRegistry() *Registry {
	r := &Registry{
		handlers:   make(map[reflect.Type]TypeHandler),
		types:      make(map[reflect.Type]DbType),
		converters: make(map[string]Converter),
		ctors:      make(map[reflect.Type]*constructor),
	}
	r.Handle(reflect.TypeFor[uuid.UUID](), uuidHandler{})
	r.Map(reflect.TypeFor[uuid.UUID](), DbTypeGuid)
	r.Map(timeType, DbTypeDateTime)
	return r
}

// Handle registers h for t, replacing any previous handler.
func (r *Registry) Handle(t reflect.Type, h TypeHandler) {
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

// Map sets the DbType used for t when no explicit type is given.
func (r *Registry) Map(t reflect.Type, dt DbType) {
	r.mu.Lock()
	r.types[t] = dt
	r.mu.Unlock()
}

// Converter registers a named converter for the conv= tag option.
func (r *Registry) Converter(name string, fn Converter) {
	r.mu.Lock()
	r.converters[name] = fn
	r.mu.Unlock()
}

// handler returns the handler for t. Named integer types (enums) fall back
// to the handler of their underlying kind.
func (r *Registry) handler(t reflect.Type) (TypeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[t]; ok {
		return h, true
	}
	if u := underlyingInt(t); u != nil {
		h, ok := r.handlers[u]
		return h, ok
	}
	return nil, false
}

// dbType returns the mapped DbType for t, following the same enum rule.
func (r *Registry) dbType(t reflect.Type) (DbType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if dt, ok := r.types[t]; ok {
		return dt, true
	}
	if u := underlyingInt(t); u != nil {
		dt, ok := r.types[u]
		return dt, ok
	}
	return DbTypeUnknown, false
}

func (r *Registry) converter(name string) (Converter, bool) {
	r.mu.RLock()
	fn, ok := r.converters[name]
	r.mu.RUnlock()
	return fn, ok
}

// isHandled reports whether t is read and bound as a single value because a
// handler or type mapping was registered for it.
func (r *Registry) isHandled(t reflect.Type) bool {
	if _, ok := r.handler(t); ok {
		return true
	}
	_, ok := r.dbType(t)
	return ok
}

var intKinds = map[reflect.Kind]reflect.Type{
	reflect.Int:    reflect.TypeFor[int](),
	reflect.Int8:   reflect.TypeFor[int8](),
	reflect.Int16:  reflect.TypeFor[int16](),
	reflect.Int32:  reflect.TypeFor[int32](),
	reflect.Int64:  reflect.TypeFor[int64](),
	reflect.Uint:   reflect.TypeFor[uint](),
	reflect.Uint8:  reflect.TypeFor[uint8](),
	reflect.Uint16: reflect.TypeFor[uint16](),
	reflect.Uint32: reflect.TypeFor[uint32](),
	reflect.Uint64: reflect.TypeFor[uint64](),
}

// underlyingInt returns the predeclared integer type behind a named integer
// type, or nil.
func underlyingInt(t reflect.Type) reflect.Type {
	u, ok := intKinds[t.Kind()]
	if !ok || u == t {
		return nil
	}
	return u
}

// defaultDbType is the fallback type table.
func defaultDbType(t reflect.Type) (DbType, bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return DbTypeDateTime, true
	case t == bytesType || t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		return DbTypeBinary, true
	case t.Implements(valuerIface):
		return DbTypeObject, true
	}
	switch t.Kind() {
	case reflect.String:
		return DbTypeString, true
	case reflect.Bool:
		return DbTypeBoolean, true
	case reflect.Uint8:
		return DbTypeByte, true
	case reflect.Int8:
		return DbTypeSByte, true
	case reflect.Int16:
		return DbTypeInt16, true
	case reflect.Int32:
		return DbTypeInt32, true
	case reflect.Int, reflect.Int64:
		return DbTypeInt64, true
	case reflect.Uint16:
		return DbTypeUInt16, true
	case reflect.Uint32:
		return DbTypeUInt32, true
	case reflect.Uint, reflect.Uint64:
		return DbTypeUInt64, true
	case reflect.Float32:
		return DbTypeSingle, true
	case reflect.Float64:
		return DbTypeDouble, true
	case reflect.Interface:
		return DbTypeObject, true
	}
	return DbTypeUnknown, false
}

// uuidHandler binds uuid.UUID as its canonical string so every driver
// accepts it, and parses strings or 16-byte values back.
type uuidHandler struct{}

func (uuidHandler) SetValue(p Parameter, v any) error {
	switch u := v.(type) {
	case uuid.UUID:
		p.SetValue(u.String())
	case *uuid.UUID:
		if u == nil {
			p.SetValue(nil)
			return nil
		}
		p.SetValue(u.String())
	default:
		return fmt.Errorf("sqlacc: uuid handler: unexpected %T", v)
	}
	p.SetDbType(DbTypeGuid)
	return nil
}

func (uuidHandler) Parse(_ reflect.Type, v any) (any, error) {
	switch raw := v.(type) {
	case string:
		return uuid.Parse(raw)
	case []byte:
		if len(raw) == 16 {
			return uuid.FromBytes(raw)
		}
		return uuid.ParseBytes(raw)
	case uuid.UUID:
		return raw, nil
	}
	return nil, fmt.Errorf("sqlacc: cannot parse %T as uuid", v)
}
