package sqlacc

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gandaldf/sqlacc/internal/expr"
	"github.com/gandaldf/sqlacc/template"
)

// Strategy is the SQL assembly strategy selected for a method.
type Strategy uint8

const (
	StrategyProcedure Strategy = iota // fixed call target, named binds
	StrategySimple                    // text built once, ordinal binds
	StrategyMultiple                  // list parameters expanded per call
	StrategyDynamic                   // code/raw directives or dynamic parameters
)

func (s Strategy) String() string {
	switch s {
	case StrategyProcedure:
		return "procedure"
	case StrategySimple:
		return "simple"
	case StrategyMultiple:
		return "multiple"
	case StrategyDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// plan populates a command for one call.
type plan interface {
	strategy() Strategy
	apply(cmd Command, args []any, call *Call) error
}

const (
	bufQuantum   = 64 // builder capacity is rounded up to this
	perParamCost = 24 // estimated bytes emitted per parameter site
)

// Call is the per-invocation state returned by Method.Apply. It tracks the
// native parameters that must be copied back into caller arguments.
type Call struct {
	registry *Registry
	outs     []outTarget
}

type outTarget struct {
	p   Parameter
	dst reflect.Value
}

// ReadBack copies output, input/output and return parameters into the
// pointers the caller passed. The command adapter calls it after execution.
func (c *Call) ReadBack() error {
	for _, o := range c.outs {
		v := o.p.Value()
		base := o.dst.Type()
		for base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		if h, ok := c.registry.handler(base); ok && v != nil {
			parsed, err := h.Parse(base, v)
			if err != nil {
				return fmt.Errorf("sqlacc: read back %s: %w", o.p.Name(), err)
			}
			v = parsed
		}
		rv, err := convertValue(v, o.dst.Type())
		if err != nil {
			return fmt.Errorf("sqlacc: read back %s: %w", o.p.Name(), err)
		}
		o.dst.Set(rv)
	}
	return nil
}

// bindEntry binds a static entry from the call arguments.
func (c *Call) bindEntry(cmd Command, e *entry, args []any) error {
	v := e.value(args)
	switch {
	case e.list != nil:
		_, err := e.list.bind(cmd, e.bindName, v)
		return err
	case e.dyn != nil:
		_, err := e.dyn.bind(cmd, e.bindName, v)
		return err
	}
	p, err := e.scalar.bind(cmd, e.bindName, v)
	if err != nil {
		return err
	}
	if e.dir != DirIn {
		if dst := e.target(args); dst.IsValid() {
			c.outs = append(c.outs, outTarget{p: p, dst: dst})
		}
	}
	return nil
}

// writeList emits "@base0, @base1, ..." for n elements, or the empty-set
// fragment when n is zero. A site whose placeholder default was a
// parenthesized group keeps its parentheses.
func writeList(b *strings.Builder, prefix, base string, n int, emptySet string, paren bool) {
	if paren {
		b.WriteByte('(')
	}
	if n == 0 {
		b.WriteString(emptySet)
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(subName(base, i))
	}
	if paren {
		b.WriteByte(')')
	}
}

// parenDefault reports whether a parameter's placeholder default is a
// parenthesized group, as in "IN /*@ ids */(1, 2)".
func parenDefault(n *template.Node) bool {
	return strings.HasPrefix(n.Default, "(")
}

// procedurePlan binds every entry by name; the text is the procedure name.
type procedurePlan struct {
	name    string
	entries []*entry
}

func (p *procedurePlan) strategy() Strategy { return StrategyProcedure }

func (p *procedurePlan) apply(cmd Command, args []any, call *Call) error {
	cmd.SetType(CommandProcedure)
	cmd.SetText(p.name)
	for _, e := range p.entries {
		if err := call.bindEntry(cmd, e, args); err != nil {
			return err
		}
	}
	return nil
}

// simplePlan has its text fixed at prepare time.
type simplePlan struct {
	text  string
	order []*entry // referenced entries, first-encounter order
}

func (p *simplePlan) strategy() Strategy { return StrategySimple }

func (p *simplePlan) apply(cmd Command, args []any, call *Call) error {
	cmd.SetType(CommandText)
	cmd.SetText(p.text)
	for _, e := range p.order {
		if err := call.bindEntry(cmd, e, args); err != nil {
			return err
		}
	}
	return nil
}

// segment is literal text followed by an optional parameter site.
type segment struct {
	text  string
	e     *entry
	paren bool
}

// multiplePlan expands list parameters on every call.
type multiplePlan struct {
	segs     []segment
	order    []*entry
	estimate int
	prefix   string
	emptySet string
}

func (p *multiplePlan) strategy() Strategy { return StrategyMultiple }

func (p *multiplePlan) apply(cmd Command, args []any, call *Call) error {
	var b strings.Builder
	b.Grow(p.estimate)
	for _, s := range p.segs {
		b.WriteString(s.text)
		if s.e == nil {
			continue
		}
		if s.e.multiple {
			writeList(&b, p.prefix, s.e.bindName, listLen(s.e.value(args)), p.emptySet, s.paren)
			continue
		}
		b.WriteString(p.prefix)
		b.WriteString(s.e.bindName)
	}
	cmd.SetType(CommandText)
	cmd.SetText(b.String())
	for _, e := range p.order {
		if err := call.bindEntry(cmd, e, args); err != nil {
			return err
		}
	}
	return nil
}

// estimateSize sums literal lengths and a per-parameter estimate and rounds
// up to bufQuantum.
func estimateSize(literal, params int) int {
	n := literal + params*perParamCost
	return (n + bufQuantum - 1) &^ (bufQuantum - 1)
}

// compilePlan parses the template and selects the cheapest strategy.
func (e *Engine) compilePlan(spec *MethodSpec, res *resolved) (plan, []template.Node, error) {
	if spec.Command == CommandProcedure {
		name := strings.TrimSpace(spec.Template)
		if name == "" {
			return nil, nil, buildErrorf(spec.Name, template.Pos{}, ErrBadDirective, "procedure name is empty")
		}
		for _, en := range res.entries {
			if err := en.bindable(spec.Name, template.Pos{}); err != nil {
				return nil, nil, err
			}
		}
		if err := checkBindNames(spec.Name, res.entries, false); err != nil {
			return nil, nil, err
		}
		return &procedurePlan{name: name, entries: res.entries}, nil, nil
	}
	for _, en := range res.entries {
		if en.dir == DirReturn {
			return nil, nil, buildErrorf(spec.Name, template.Pos{}, ErrUnsupportedReturn, "return parameter %q on a text command", en.source)
		}
	}

	var opts []template.Option
	if e.dialect == MySQL {
		opts = append(opts, template.BackslashEscapes())
	}
	nodes, err := template.Parse(spec.Template, opts...)
	if err != nil {
		var se *template.SyntaxError
		if errors.As(err, &se) {
			return nil, nil, &BuildError{Method: spec.Name, Pos: se.Pos, Err: se}
		}
		return nil, nil, &BuildError{Method: spec.Name, Err: err}
	}

	dynamic := template.HasDynamic(nodes)
	for _, n := range nodes {
		if n.Kind == template.KindUsing {
			if _, ok := e.namespaces[n.Name]; !ok {
				return nil, nil, buildErrorf(spec.Name, n.Pos, ErrUnknownKey, "namespace %q", n.Name)
			}
		}
		if n.Kind == template.KindParameter {
			if en, ok := res.byName[n.Name]; ok && en.dynamic {
				dynamic = true
			}
		}
	}
	if err := checkBindNames(spec.Name, res.entries, dynamic); err != nil {
		return nil, nil, err
	}
	if dynamic {
		p, err := e.compileDynamic(spec, res, nodes)
		return p, nodes, err
	}

	var (
		segs     []segment
		order    []*entry
		seen     = make([]bool, len(res.entries))
		text     strings.Builder
		literal  int
		multiple bool
	)
	for i := range nodes {
		n := &nodes[i]
		switch n.Kind {
		case template.KindText:
			text.WriteString(n.Text)
			literal += len(n.Text)
		case template.KindParameter:
			en, ok := res.byName[n.Name]
			if !ok {
				return nil, nil, buildErrorf(spec.Name, n.Pos, ErrUnknownParameter, "%q", n.Name)
			}
			if err := en.bindable(spec.Name, n.Pos); err != nil {
				return nil, nil, err
			}
			segs = append(segs, segment{text: text.String(), e: en, paren: parenDefault(n)})
			text.Reset()
			if !seen[en.ordinal] {
				seen[en.ordinal] = true
				order = append(order, en)
			}
			multiple = multiple || en.multiple
		}
	}
	if text.Len() > 0 {
		segs = append(segs, segment{text: text.String()})
	}

	prefix := e.dialect.Prefix()
	if !multiple {
		var b strings.Builder
		for _, s := range segs {
			b.WriteString(s.text)
			if s.e != nil {
				b.WriteString(prefix)
				b.WriteString(s.e.bindName)
			}
		}
		return &simplePlan{text: b.String(), order: order}, nodes, nil
	}
	return &multiplePlan{
		segs:     segs,
		order:    order,
		estimate: estimateSize(literal, len(segs)),
		prefix:   prefix,
		emptySet: e.emptySet(),
	}, nodes, nil
}

// namespacesFor splits the template's using declarations into qualified and
// static namespaces.
func (e *Engine) namespacesFor(nodes []template.Node) (map[string]expr.Namespace, []expr.Namespace) {
	qualified := map[string]expr.Namespace{}
	var static []expr.Namespace
	for _, n := range nodes {
		if n.Kind != template.KindUsing {
			continue
		}
		ns := e.namespaces[n.Name]
		if n.Static {
			static = append(static, ns)
		} else {
			qualified[n.Name] = ns
		}
	}
	return qualified, static
}
