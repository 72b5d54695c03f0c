package gen

import (
	"fmt"
	"go/token"
	"strings"

	"github.com/dave/jennifer/jen"
)

// typeExpr is a parsed Go type expression.
type typeExpr struct {
	op   string // "", "*", "[]", "map"
	path string // import path of a qualified name
	name string
	key  *typeExpr // map key
	elem *typeExpr // pointer, slice or map element
	args []*typeExpr
}

var builtinTypes = map[string]bool{
	"any": true, "bool": true, "byte": true, "rune": true, "string": true, "error": true,
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true,
	"float32": true, "float64": true, "complex64": true, "complex128": true,
}

// parseType parses expressions such as "[]int", "*time.Time",
// "map[string]any" or "sqlacc.Tuple2[Player, int]". The "sqlacc" package
// may be written without its import path.
func parseType(s string) (*typeExpr, error) {
	p := &typeParser{src: s}
	t, err := p.parse()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected %q", p.src[p.pos:])
	}
	return t, nil
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidType, p.src, fmt.Sprintf(format, args...))
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *typeParser) consume(s string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *typeParser) parse() (*typeExpr, error) {
	switch {
	case p.consume("*"):
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		return &typeExpr{op: "*", elem: elem}, nil
	case p.consume("[]"):
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		return &typeExpr{op: "[]", elem: elem}, nil
	case p.consume("map["):
		key, err := p.parse()
		if err != nil {
			return nil, err
		}
		if !p.consume("]") {
			return nil, p.errorf("missing ] after map key")
		}
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		return &typeExpr{op: "map", key: key, elem: elem}, nil
	}
	return p.named()
}

// named parses an optionally qualified, optionally instantiated type name.
func (p *typeParser) named() (*typeExpr, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("[], ", rune(p.src[p.pos])) {
		p.pos++
	}
	ref := p.src[start:p.pos]
	if ref == "" {
		return nil, p.errorf("missing type name")
	}

	t := &typeExpr{name: ref}
	if i := strings.LastIndexByte(ref, '.'); i >= 0 {
		t.path, t.name = ref[:i], ref[i+1:]
		if t.path == "sqlacc" {
			t.path = runtimePath
		}
		if t.path == "" || strings.HasSuffix(t.path, "/") {
			return nil, p.errorf("bad import path in %q", ref)
		}
	}
	if !token.IsIdentifier(t.name) {
		return nil, p.errorf("%q is not an identifier", t.name)
	}
	if t.path == "" && !token.IsExported(t.name) && !builtinTypes[t.name] {
		return nil, p.errorf("unknown predeclared type %q", t.name)
	}

	if p.pos < len(p.src) && p.src[p.pos] == '[' {
		p.pos++
		for {
			arg, err := p.parse()
			if err != nil {
				return nil, err
			}
			t.args = append(t.args, arg)
			if p.consume("]") {
				break
			}
			if !p.consume(",") {
				return nil, p.errorf("missing , or ] in type arguments")
			}
		}
	}
	return t, nil
}

// code renders the expression with jennifer, qualifying imported names.
func (t *typeExpr) code() jen.Code {
	switch t.op {
	case "*":
		return jen.Op("*").Add(t.elem.code())
	case "[]":
		return jen.Index().Add(t.elem.code())
	case "map":
		return jen.Map(t.key.code()).Add(t.elem.code())
	}
	var s *jen.Statement
	if t.path != "" {
		s = jen.Qual(t.path, t.name)
	} else {
		s = jen.Id(t.name)
	}
	if len(t.args) > 0 {
		args := make([]jen.Code, len(t.args))
		for i, a := range t.args {
			args[i] = a.code()
		}
		s = s.Types(args...)
	}
	return s
}

// mustType renders a type expression that validation already accepted.
func mustType(s string) jen.Code {
	t, err := parseType(s)
	if err != nil {
		panic(err)
	}
	return t.code()
}
