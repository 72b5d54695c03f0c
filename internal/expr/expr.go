// Package expr evaluates the expressions embedded in code and raw markers.
// Expressions are CEL; every declared variable is dynamically typed so the
// same environment serves all call sites of a prepared statement.
package expr

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/interpreter"
)

// ErrNotBool is returned when a condition does not evaluate to a boolean.
var ErrNotBool = errors.New("sqlacc/expr: condition is not a bool")

// ErrNotList is returned when a loop source is not a list or map.
var ErrNotList = errors.New("sqlacc/expr: loop source is not iterable")

// Namespace is a named set of helper values and functions that templates
// import with /*!using name */ (qualified as name.member) or
// /*!helper name */ (members visible unqualified).
type Namespace struct {
	Vars  map[string]any
	Funcs []cel.EnvOption
}

// Env is a compilation scope. Child scopes are created for loop bodies.
type Env struct {
	env   *cel.Env
	names map[string]struct{}
}

// NewEnv declares vars as dynamically typed variables and imports the given
// namespaces. Qualified namespaces are exposed as a single map variable.
func NewEnv(vars []string, qualified map[string]Namespace, static []Namespace) (*Env, error) {
	names := make(map[string]struct{}, len(vars)+len(qualified))
	opts := make([]cel.EnvOption, 0, len(vars)+len(qualified))

	declare := func(name string) {
		if _, ok := names[name]; ok {
			return
		}
		names[name] = struct{}{}
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	for _, v := range vars {
		declare(v)
	}
	for name, ns := range qualified {
		if _, ok := names[name]; !ok {
			names[name] = struct{}{}
			opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
		}
		opts = append(opts, ns.Funcs...)
	}
	for _, ns := range static {
		for v := range ns.Vars {
			declare(v)
		}
		opts = append(opts, ns.Funcs...)
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("sqlacc/expr: create environment: %w", err)
	}
	return &Env{env: env, names: names}, nil
}

// Extend returns a child scope with additional variables (loop variables).
func (e *Env) Extend(vars ...string) (*Env, error) {
	names := make(map[string]struct{}, len(e.names)+len(vars))
	for k := range e.names {
		names[k] = struct{}{}
	}
	opts := make([]cel.EnvOption, 0, len(vars))
	for _, v := range vars {
		names[v] = struct{}{}
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	env, err := e.env.Extend(opts...)
	if err != nil {
		return nil, fmt.Errorf("sqlacc/expr: extend environment: %w", err)
	}
	return &Env{env: env, names: names}, nil
}

// Has reports whether name is declared in this scope.
func (e *Env) Has(name string) bool {
	_, ok := e.names[name]
	return ok
}

// Compile checks src against the scope. Unknown identifiers are reported as
// compile errors.
func (e *Env) Compile(src string) (*Program, error) {
	ast, iss := e.env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", src, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", src, err)
	}
	return &Program{prg: prg, src: src}, nil
}

// Program is a compiled expression. It is safe for concurrent use.
type Program struct {
	prg cel.Program
	src string
}

// Source returns the expression text.
func (p *Program) Source() string { return p.src }

// Eval evaluates the program and returns its native Go value.
func (p *Program) Eval(s *Scope) (any, error) {
	out, _, err := p.prg.Eval(s.act)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", p.src, err)
	}
	return native(out), nil
}

// Bool evaluates a condition.
func (p *Program) Bool(s *Scope) (bool, error) {
	out, _, err := p.prg.Eval(s.act)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", p.src, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("%w: %q yields %s", ErrNotBool, p.src, out.Type().TypeName())
	}
	return bool(b), nil
}

// Items evaluates a loop source. Go slices and arrays keep their element
// types; CEL lists are converted element-wise; maps iterate over keys.
func (p *Program) Items(s *Scope) ([]any, error) {
	out, _, err := p.prg.Eval(s.act)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", p.src, err)
	}
	if isNull(out) {
		return nil, nil
	}
	if _, isRef := out.Value().([]ref.Val); !isRef {
		if rv := reflect.ValueOf(out.Value()); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			items := make([]any, rv.Len())
			for i := range items {
				items[i] = rv.Index(i).Interface()
			}
			return items, nil
		}
	}
	switch v := out.(type) {
	case traits.Lister:
		n := int(v.Size().(types.Int))
		items := make([]any, n)
		for i := 0; i < n; i++ {
			items[i] = native(v.Get(types.Int(i)))
		}
		return items, nil
	case traits.Mapper:
		var items []any
		it := v.Iterator()
		for it.HasNext() == types.True {
			items = append(items, native(it.Next()))
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: %q yields %s", ErrNotList, p.src, out.Type().TypeName())
}

// native unwraps a CEL value into a plain Go value.
func native(v ref.Val) any {
	if isNull(v) {
		return nil
	}
	return v.Value()
}

func isNull(v ref.Val) bool {
	_, ok := v.(types.Null)
	return ok
}

// Scope carries the variable bindings for one evaluation. Child scopes
// shadow their parent without copying it.
type Scope struct {
	act interpreter.Activation
}

// NewScope creates a root scope from bindings.
func NewScope(bindings map[string]any) (*Scope, error) {
	act, err := interpreter.NewActivation(bindings)
	if err != nil {
		return nil, err
	}
	return &Scope{act: act}, nil
}

// With returns a child scope binding name to v.
func (s *Scope) With(name string, v any) *Scope {
	child, _ := interpreter.NewActivation(map[string]any{name: v})
	return &Scope{act: interpreter.NewHierarchicalActivation(s.act, child)}
}

// Lookup resolves a variable visible in the scope.
func (s *Scope) Lookup(name string) (any, bool) {
	return s.act.ResolveName(name)
}
