package gen

import (
	"fmt"
	"go/token"
	"path/filepath"
	"strings"

	"github.com/go-openapi/inflect"

	"github.com/gandaldf/sqlacc/template"
)

func (f *File) errorf(m *Method, line int, format string, args ...any) error {
	e := &DescriptorError{File: f.Path, Line: line, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidDescriptor}, args...)...)}
	if m != nil {
		e.Method = m.Name
	}
	return e
}

// validate fills defaults and checks the descriptor. Templates are parsed
// so syntax errors surface at generation time rather than at startup.
func (f *File) validate() error {
	if f.Package == "" {
		f.Package = packageFromPath(f.Path)
	}
	if !token.IsIdentifier(f.Package) {
		return f.errorf(nil, 0, "package %q is not an identifier", f.Package)
	}
	if f.Type == "" {
		f.Type = typeFromPath(f.Path)
	}
	if !token.IsIdentifier(f.Type) || !token.IsExported(f.Type) {
		return f.errorf(nil, 0, "type %q is not an exported identifier", f.Type)
	}
	if len(f.Methods) == 0 {
		return f.errorf(nil, 0, "no methods")
	}

	seen := make(map[string]int, len(f.Methods))
	for i := range f.Methods {
		m := &f.Methods[i]
		if m.Name == "" {
			return f.errorf(nil, m.Line, "method without a name")
		}
		id := GoName(m.Name)
		if id == "Engine" || localName(m.Name) == "engine" {
			return f.errorf(m, m.Line, "name %q is reserved", m.Name)
		}
		if prev, dup := seen[id]; dup {
			return f.errorf(m, m.Line, "%s collides with the method on line %d", id, prev)
		}
		seen[id] = m.Line
		if err := f.validateMethod(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) validateMethod(m *Method) error {
	switch m.Command {
	case "":
		m.Command = "text"
	case "text", "procedure":
	default:
		return f.errorf(m, m.Line, "unknown command %q", m.Command)
	}
	switch m.Returns {
	case "":
		m.Returns = ReturnsExec
	case ReturnsExec, ReturnsQuery, ReturnsFirst, ReturnsScalar, ReturnsEach:
	default:
		return f.errorf(m, m.Line, "unknown return kind %q", m.Returns)
	}
	if m.Returns == ReturnsExec && m.Result != "" {
		return f.errorf(m, m.Line, "exec methods have no result type")
	}
	if m.Returns != ReturnsExec {
		if m.Result == "" {
			return f.errorf(m, m.Line, "%s methods need a result type", m.Returns)
		}
		if _, err := parseType(m.Result); err != nil {
			return &DescriptorError{File: f.Path, Method: m.Name, Line: m.Line, Err: err}
		}
	}
	if strings.TrimSpace(m.Template) == "" {
		return f.errorf(m, m.Line, "empty template")
	}

	names := make(map[string]bool, len(m.Params))
	record := false
	for i := range m.Params {
		p := &m.Params[i]
		if p.Name == "" {
			return f.errorf(m, p.Line, "parameter without a name")
		}
		if names[p.Name] {
			return f.errorf(m, p.Line, "duplicate parameter %q", p.Name)
		}
		names[p.Name] = true
		switch p.Direction {
		case "":
			p.Direction = "in"
		case "in", "out", "inout", "return":
		default:
			return f.errorf(m, p.Line, "parameter %q: unknown direction %q", p.Name, p.Direction)
		}
		switch p.Kind {
		case "":
			p.Kind = "value"
		case "value", "record":
		case "timeout":
			if p.Type == "" {
				p.Type = "time.Duration"
			}
		default:
			return f.errorf(m, p.Line, "parameter %q: unknown kind %q", p.Name, p.Kind)
		}
		record = record || p.Kind == "record"
		if p.Type == "" {
			return f.errorf(m, p.Line, "parameter %q has no type", p.Name)
		}
		if _, err := parseType(p.Type); err != nil {
			return &DescriptorError{File: f.Path, Method: m.Name, Line: p.Line, Err: fmt.Errorf("parameter %q: %w", p.Name, err)}
		}
	}

	if m.Command == "procedure" {
		return nil
	}
	// The target dialect is not known here, so MySQL escaping is accepted too.
	nodes, err := template.Parse(m.Template)
	if err != nil {
		nodes, err = template.Parse(m.Template, template.BackslashEscapes())
	}
	if err != nil {
		return &DescriptorError{File: f.Path, Method: m.Name, Line: m.Line, Err: err}
	}
	// Loop variables and record fields are only known at prepare time.
	if record || template.HasDynamic(nodes) {
		return nil
	}
	for _, n := range nodes {
		if n.Kind == template.KindParameter && !names[n.Name] {
			return f.errorf(m, m.Line, "template references unknown parameter %q at %s", n.Name, n.Pos)
		}
	}
	return nil
}

// GoName is the exported Go identifier for a descriptor name.
func GoName(name string) string {
	return inflect.Camelize(name)
}

// localName is the unexported Go identifier for a descriptor name.
func localName(name string) string {
	s := inflect.CamelizeDownFirst(name)
	if token.IsKeyword(s) || !token.IsIdentifier(s) {
		s += "Arg"
	}
	return s
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func packageFromPath(path string) string {
	if path == "" {
		return ""
	}
	dir := filepath.Base(filepath.Dir(path))
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(dir, "-", "_"))
}

func typeFromPath(path string) string {
	if path == "" {
		return ""
	}
	return GoName(baseName(path)) + "Queries"
}
