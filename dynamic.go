package sqlacc

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gandaldf/sqlacc/internal/expr"
	"github.com/gandaldf/sqlacc/template"
)

type opKind uint8

const (
	opText     opKind = iota
	opParam           // static scalar entry
	opList            // static list entry
	opDynParam        // entry whose strategy is resolved per call
	opLoopRef         // loop variable or one of its members
	opRaw             // expression spliced as text
	opIf
	opFor
)

// op is one node of the executable tree of a dynamic statement.
type op struct {
	kind  opKind
	text  string
	e     *entry
	paren bool     // list sites: keep the default's parentheses
	ref   []string // loop variable followed by member names
	prg   *expr.Program
	cases []ifCase
	// for loops
	loopVar string
	src     *nativeSource
	body    []op
}

type ifCase struct {
	cond *expr.Program // nil for else
	body []op
}

// nativeSource short-circuits CEL for loop sources that are a bare
// parameter or loop reference, so loop items keep their Go types.
type nativeSource struct {
	e   *entry
	ref []string
}

// dynamicPlan walks its op tree on every call.
type dynamicPlan struct {
	ops      []op
	entries  []*entry
	loops    *dynamicBinding // binds loop references
	ns       map[string]any  // namespace values visible to expressions
	prefix   string
	emptySet string
	estimate int
}

func (p *dynamicPlan) strategy() Strategy { return StrategyDynamic }

// dynCompiler turns template nodes into an op tree.
type dynCompiler struct {
	method string
	nodes  []template.Node
	i      int
	res    *resolved
}

// compileDynamic builds the op tree and validates every expression against
// the declared parameters, loop variables and imported namespaces.
func (e *Engine) compileDynamic(spec *MethodSpec, res *resolved, nodes []template.Node) (*dynamicPlan, error) {
	vars := make([]string, 0, len(res.entries))
	for _, en := range res.entries {
		vars = append(vars, en.source)
	}
	qualified, static := e.namespacesFor(nodes)
	env, err := expr.NewEnv(vars, qualified, static)
	if err != nil {
		return nil, &BuildError{Method: spec.Name, Err: err}
	}

	ns := make(map[string]any)
	for name, q := range qualified {
		m := make(map[string]any, len(q.Vars))
		for k, v := range q.Vars {
			m[k] = celValue(v)
		}
		ns[name] = m
	}
	for _, s := range static {
		for k, v := range s.Vars {
			ns[k] = celValue(v)
		}
	}

	c := &dynCompiler{method: spec.Name, nodes: nodes, res: res}
	ops, term, err := c.block(env, nil)
	if err != nil {
		return nil, err
	}
	if term != nil {
		return nil, buildErrorf(spec.Name, term.Pos, ErrDirectiveMismatch, "unexpected %q", strings.TrimSpace(term.Text))
	}

	literal := 0
	for _, n := range nodes {
		if n.Kind == template.KindText {
			literal += len(n.Text)
		}
	}
	return &dynamicPlan{
		ops:      ops,
		entries:  res.entries,
		loops:    newDynamicBinding(e.registry, DirIn),
		ns:       ns,
		prefix:   e.dialect.Prefix(),
		emptySet: e.emptySet(),
		estimate: estimateSize(literal, len(nodes)),
	}, nil
}

// statement splits a code marker into keyword and remainder.
func statement(text string) (string, string) {
	text = strings.TrimSpace(text)
	kw, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	if kw == "else" && strings.HasPrefix(rest, "if ") {
		return "elseif", strings.TrimSpace(rest[3:])
	}
	return kw, rest
}

// block compiles nodes until a closing statement (elseif, else, end) or the
// end of input. The closing node is returned, nil at end of input.
func (c *dynCompiler) block(env *expr.Env, loops []string) ([]op, *template.Node, error) {
	var ops []op
	for c.i < len(c.nodes) {
		n := &c.nodes[c.i]
		c.i++
		switch n.Kind {
		case template.KindText:
			ops = append(ops, op{kind: opText, text: n.Text})
		case template.KindUsing:
		case template.KindParameter:
			o, err := c.param(n, loops)
			if err != nil {
				return nil, nil, err
			}
			ops = append(ops, o)
		case template.KindRaw:
			prg, err := c.compile(env, n, n.Text)
			if err != nil {
				return nil, nil, err
			}
			ops = append(ops, op{kind: opRaw, prg: prg})
		case template.KindCode:
			kw, rest := statement(n.Text)
			switch kw {
			case "elseif", "else", "end":
				return ops, n, nil
			case "if":
				o, err := c.ifStmt(env, loops, n, rest)
				if err != nil {
					return nil, nil, err
				}
				ops = append(ops, o)
			case "for":
				o, err := c.forStmt(env, loops, n, rest)
				if err != nil {
					return nil, nil, err
				}
				ops = append(ops, o)
			default:
				return nil, nil, buildErrorf(c.method, n.Pos, ErrBadDirective, "unknown statement %q", kw)
			}
		}
	}
	return ops, nil, nil
}

func (c *dynCompiler) ifStmt(env *expr.Env, loops []string, n *template.Node, cond string) (op, error) {
	if cond == "" {
		return op{}, buildErrorf(c.method, n.Pos, ErrBadDirective, "if without condition")
	}
	o := op{kind: opIf}
	for {
		prg, err := c.compile(env, n, cond)
		if err != nil {
			return op{}, err
		}
		body, term, err := c.block(env, loops)
		if err != nil {
			return op{}, err
		}
		o.cases = append(o.cases, ifCase{cond: prg, body: body})
		if term == nil {
			return op{}, buildErrorf(c.method, n.Pos, ErrDirectiveMismatch, "if without end")
		}
		kw, rest := statement(term.Text)
		switch kw {
		case "end":
			return o, nil
		case "elseif":
			n, cond = term, rest
			if cond == "" {
				return op{}, buildErrorf(c.method, n.Pos, ErrBadDirective, "elseif without condition")
			}
			continue
		}
		// else
		body, end, err := c.block(env, loops)
		if err != nil {
			return op{}, err
		}
		if end == nil {
			return op{}, buildErrorf(c.method, term.Pos, ErrDirectiveMismatch, "else without end")
		}
		if kw, _ := statement(end.Text); kw != "end" {
			return op{}, buildErrorf(c.method, end.Pos, ErrDirectiveMismatch, "%q after else", kw)
		}
		o.cases = append(o.cases, ifCase{body: body})
		return o, nil
	}
}

func (c *dynCompiler) forStmt(env *expr.Env, loops []string, n *template.Node, rest string) (op, error) {
	name, src, ok := strings.Cut(rest, ":")
	name, src = strings.TrimSpace(name), strings.TrimSpace(src)
	if !ok || !isIdent(name) || src == "" {
		return op{}, buildErrorf(c.method, n.Pos, ErrBadDirective, "want \"for name : expr\", got %q", rest)
	}
	prg, err := c.compile(env, n, src)
	if err != nil {
		return op{}, err
	}
	child, err := env.Extend(name)
	if err != nil {
		return op{}, &BuildError{Method: c.method, Pos: n.Pos, Err: err}
	}
	inner := append(loops[:len(loops):len(loops)], name)
	body, term, err := c.block(child, inner)
	if err != nil {
		return op{}, err
	}
	if term == nil {
		return op{}, buildErrorf(c.method, n.Pos, ErrDirectiveMismatch, "for without end")
	}
	if kw, _ := statement(term.Text); kw != "end" {
		return op{}, buildErrorf(c.method, term.Pos, ErrDirectiveMismatch, "%q inside for", kw)
	}
	return op{kind: opFor, loopVar: name, prg: prg, src: c.nativeSource(src, loops), body: body}, nil
}

// nativeSource recognizes "param" and "loopVar.member..." loop sources.
func (c *dynCompiler) nativeSource(src string, loops []string) *nativeSource {
	parts := strings.Split(src, ".")
	for _, p := range parts {
		if !isIdent(p) {
			return nil
		}
	}
	if hasLoop(loops, parts[0]) {
		return &nativeSource{ref: parts}
	}
	if en, ok := c.res.byName[src]; ok {
		return &nativeSource{e: en}
	}
	return nil
}

func (c *dynCompiler) param(n *template.Node, loops []string) (op, error) {
	root, _, _ := strings.Cut(n.Name, ".")
	if hasLoop(loops, root) {
		return op{kind: opLoopRef, ref: strings.Split(n.Name, "."), paren: parenDefault(n)}, nil
	}
	en, ok := c.res.byName[n.Name]
	if !ok {
		return op{}, buildErrorf(c.method, n.Pos, ErrUnknownParameter, "%q", n.Name)
	}
	if err := en.bindable(c.method, n.Pos); err != nil {
		return op{}, err
	}
	switch {
	case en.dynamic:
		return op{kind: opDynParam, e: en, paren: parenDefault(n)}, nil
	case en.multiple:
		return op{kind: opList, e: en, paren: parenDefault(n)}, nil
	}
	return op{kind: opParam, e: en}, nil
}

func (c *dynCompiler) compile(env *expr.Env, n *template.Node, src string) (*expr.Program, error) {
	prg, err := env.Compile(src)
	if err == nil {
		return prg, nil
	}
	if strings.Contains(err.Error(), "undeclared reference") {
		return nil, &BuildError{Method: c.method, Pos: n.Pos, Err: fmt.Errorf("%w: %v", ErrUnknownKey, err)}
	}
	return nil, &BuildError{Method: c.method, Pos: n.Pos, Err: fmt.Errorf("%w: %v", ErrBadDirective, err)}
}

func hasLoop(loops []string, name string) bool {
	for i := len(loops) - 1; i >= 0; i-- {
		if loops[i] == name {
			return true
		}
	}
	return false
}

func isIdent(s string) bool {
	if s == "" || !isAlphaUnderscore(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isAlphaNumUnderscore(s[i]) {
			return false
		}
	}
	return true
}

// frame holds the native value of a loop variable.
type frame struct {
	name   string
	val    any
	parent *frame
}

func (f *frame) lookup(name string) (any, bool) {
	for ; f != nil; f = f.parent {
		if f.name == name {
			return f.val, true
		}
	}
	return nil, false
}

// dynRun is the state of one execution of a dynamic plan.
type dynRun struct {
	p     *dynamicPlan
	b     strings.Builder
	cmd   Command
	args  []any
	call  *Call
	used  []bool
	order []*entry
	seq   int // dynamic bind counter
}

func (p *dynamicPlan) apply(cmd Command, args []any, call *Call) error {
	bindings := make(map[string]any, len(p.entries)+len(p.ns))
	for k, v := range p.ns {
		bindings[k] = v
	}
	for _, en := range p.entries {
		bindings[en.source] = celValue(en.value(args))
	}
	scope, err := expr.NewScope(bindings)
	if err != nil {
		return fmt.Errorf("sqlacc: bindings: %w", err)
	}

	r := &dynRun{p: p, cmd: cmd, args: args, call: call, used: make([]bool, len(p.entries))}
	r.b.Grow(p.estimate)
	if err := r.exec(p.ops, scope, nil); err != nil {
		return err
	}
	cmd.SetType(CommandText)
	cmd.SetText(r.b.String())
	for _, en := range r.order {
		if err := call.bindEntry(cmd, en, args); err != nil {
			return err
		}
	}
	return nil
}

func (r *dynRun) mark(en *entry) {
	if !r.used[en.ordinal] {
		r.used[en.ordinal] = true
		r.order = append(r.order, en)
	}
}

func (r *dynRun) exec(ops []op, scope *expr.Scope, fr *frame) error {
	for i := range ops {
		o := &ops[i]
		switch o.kind {
		case opText:
			r.b.WriteString(o.text)
		case opParam:
			r.mark(o.e)
			r.b.WriteString(r.p.prefix)
			r.b.WriteString(o.e.bindName)
		case opList:
			r.mark(o.e)
			writeList(&r.b, r.p.prefix, o.e.bindName, listLen(o.e.value(r.args)), r.p.emptySet, o.paren)
		case opDynParam:
			if err := r.bindDynamic(o.e.dyn, o.e.value(r.args), o.paren); err != nil {
				return fmt.Errorf("sqlacc: parameter %q: %w", o.e.source, err)
			}
		case opLoopRef:
			v, err := resolveRef(fr, o.ref)
			if err != nil {
				return err
			}
			if err := r.bindDynamic(r.p.loops, v, o.paren); err != nil {
				return fmt.Errorf("sqlacc: loop reference %q: %w", strings.Join(o.ref, "."), err)
			}
		case opRaw:
			v, err := o.prg.Eval(scope)
			if err != nil {
				return fmt.Errorf("sqlacc: raw: %w", err)
			}
			r.b.WriteString(rawString(v))
		case opIf:
			for _, c := range o.cases {
				if c.cond != nil {
					ok, err := c.cond.Bool(scope)
					if err != nil {
						return fmt.Errorf("sqlacc: if: %w", err)
					}
					if !ok {
						continue
					}
				}
				if err := r.exec(c.body, scope, fr); err != nil {
					return err
				}
				break
			}
		case opFor:
			items, err := r.items(o, scope, fr)
			if err != nil {
				return err
			}
			for _, it := range items {
				child := &frame{name: o.loopVar, val: it, parent: fr}
				if err := r.exec(o.body, scope.With(o.loopVar, celValue(it)), child); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// bindDynamic binds v under a fresh name and writes its placeholder, or the
// sub-parameter list when v is list-like.
func (r *dynRun) bindDynamic(d *dynamicBinding, v any, paren bool) error {
	name := "dp" + strconv.Itoa(r.seq)
	r.seq++
	target, err := d.resolve(v)
	if err != nil {
		return err
	}
	if target.list != nil {
		writeList(&r.b, r.p.prefix, name+"_", listLen(v), r.p.emptySet, paren)
		_, err := target.list.bind(r.cmd, name+"_", v)
		return err
	}
	r.b.WriteString(r.p.prefix)
	r.b.WriteString(name)
	_, err = target.scalar.bind(r.cmd, name, v)
	return err
}

// items evaluates a loop source, natively when possible.
func (r *dynRun) items(o *op, scope *expr.Scope, fr *frame) ([]any, error) {
	if o.src == nil {
		items, err := o.prg.Items(scope)
		if err != nil {
			return nil, fmt.Errorf("sqlacc: for: %w", err)
		}
		return items, nil
	}
	var v any
	if o.src.e != nil {
		v = o.src.e.value(r.args)
	} else {
		var err error
		if v, err = resolveRef(fr, o.src.ref); err != nil {
			return nil, err
		}
	}
	rv := deIndirect(reflect.ValueOf(v))
	if !rv.IsValid() || rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		return nil, nil
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	}
	return o.prg.Items(scope)
}

func resolveRef(fr *frame, ref []string) (any, error) {
	v, ok := fr.lookup(ref[0])
	if !ok {
		return nil, fmt.Errorf("sqlacc: loop variable %q not in scope", ref[0])
	}
	for _, m := range ref[1:] {
		if v, ok = valueByName(v, m); !ok {
			return nil, fmt.Errorf("sqlacc: %q has no member %q", strings.Join(ref, "."), m)
		}
	}
	return v, nil
}

// rawString formats a raw substitution; nil renders as nothing.
func rawString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

// celValue prepares a Go value for expression evaluation. Structs become
// maps keyed by db name, named primitives become their base type.
func celValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int64, uint64, float64, int, []byte, time.Time, time.Duration, map[string]any, []any:
		return v
	}
	if dv, ok := v.(driver.Valuer); ok {
		if val, err := dv.Value(); err == nil {
			return val
		}
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Struct:
		if rv.Type() == timeType {
			return rv.Interface()
		}
		set := fieldIndexMap(rv.Type())
		m := make(map[string]any, len(set.names))
		for _, name := range set.names {
			if fv, ok := getValueByPathAny(rv, set.byName[name].index); ok {
				m[name] = celValue(fv)
			}
		}
		return m
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if s, ok := rv.Interface().(fmt.Stringer); ok {
				return s.String()
			}
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return b
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = celValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return rv.Interface()
		}
		m := make(map[string]any, rv.Len())
		it := rv.MapRange()
		for it.Next() {
			m[it.Key().String()] = celValue(it.Value().Interface())
		}
		return m
	}
	return rv.Interface()
}
