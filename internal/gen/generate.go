package gen

import (
	"strings"
	"time"

	"github.com/dave/jennifer/jen"
)

const runtimePath = "github.com/gandaldf/sqlacc"

// reserved names used by the generated wrappers themselves.
var reserved = map[string]bool{"ctx": true, "db": true, "q": true, "e": true, "err": true}

// Generate renders the wrapper type for f: a struct holding one prepared
// method per descriptor entry, a constructor that prepares them all, and a
// typed method per entry.
func Generate(f *File) *jen.File {
	out := jen.NewFile(f.Package)
	out.HeaderComment("Code generated by sqlaccgen. DO NOT EDIT.")
	if f.Path != "" {
		out.HeaderComment("Source: " + f.Path)
	}

	out.Commentf("%s holds the prepared methods declared in the descriptor.", f.Type)
	out.Type().Id(f.Type).StructFunc(func(g *jen.Group) {
		g.Id("engine").Op("*").Qual(runtimePath, "Engine")
		for _, m := range f.Methods {
			g.Id(localName(m.Name)).Op("*").Qual(runtimePath, "Method")
		}
	})

	out.Commentf("New%s prepares every method on e.", f.Type)
	out.Func().Id("New"+f.Type).Params(
		jen.Id("e").Op("*").Qual(runtimePath, "Engine"),
	).Params(jen.Op("*").Id(f.Type), jen.Error()).BlockFunc(func(g *jen.Group) {
		g.Id("q").Op(":=").Op("&").Id(f.Type).Values(jen.Dict{jen.Id("engine"): jen.Id("e")})
		g.Var().Id("err").Error()
		for _, m := range f.Methods {
			g.If(
				jen.List(jen.Id("q").Dot(localName(m.Name)), jen.Err()).Op("=").Id("e").Dot("Prepare").Call(methodSpec(m)),
				jen.Err().Op("!=").Nil(),
			).Block(jen.Return(jen.Nil(), jen.Err()))
		}
		g.Return(jen.Id("q"), jen.Nil())
	})

	out.Comment("Engine returns the engine the methods were prepared on.")
	out.Func().Params(jen.Id("q").Op("*").Id(f.Type)).Id("Engine").Params().Op("*").Qual(runtimePath, "Engine").Block(
		jen.Return(jen.Id("q").Dot("engine")),
	)

	for _, m := range f.Methods {
		wrapper(out, f.Type, m)
	}
	return out
}

func methodSpec(m Method) jen.Code {
	d := jen.Dict{
		jen.Id("Name"):     jen.Lit(GoName(m.Name)),
		jen.Id("Template"): jen.Lit(m.Template),
	}
	if m.Command == "procedure" {
		d[jen.Id("Command")] = jen.Qual(runtimePath, "CommandProcedure")
	}
	if m.Optimize {
		d[jen.Id("Optimize")] = jen.True()
	}
	if m.Timeout > 0 {
		d[jen.Id("Timeout")] = durationCode(m.Timeout)
	}
	if len(m.Params) > 0 {
		ps := make([]jen.Code, len(m.Params))
		for i, p := range m.Params {
			ps[i] = paramSpec(p)
		}
		d[jen.Id("Params")] = jen.Index().Qual(runtimePath, "ParamSpec").ValuesFunc(func(g *jen.Group) {
			for _, p := range ps {
				g.Line().Add(p)
			}
			g.Line()
		})
	}
	return jen.Qual(runtimePath, "MethodSpec").Values(d)
}

// durationCode renders d in the largest unit that divides it evenly.
func durationCode(d time.Duration) jen.Code {
	for _, u := range []struct {
		unit time.Duration
		name string
	}{
		{time.Hour, "Hour"},
		{time.Minute, "Minute"},
		{time.Second, "Second"},
		{time.Millisecond, "Millisecond"},
		{time.Microsecond, "Microsecond"},
	} {
		if d%u.unit == 0 {
			return jen.Lit(int(d / u.unit)).Op("*").Qual("time", u.name)
		}
	}
	return jen.Qual("time", "Duration").Call(jen.Lit(int(d)))
}

func paramSpec(p Param) jen.Code {
	if p.Kind == "timeout" {
		return jen.Qual(runtimePath, "Timeout").Call(jen.Lit(p.Name))
	}
	ctor := "Param"
	switch {
	case p.Kind == "record":
		ctor = "Record"
	case p.Direction == "out":
		ctor = "Out"
	case p.Direction == "inout":
		ctor = "InOut"
	case p.Direction == "return":
		ctor = "Return"
	}
	return jen.Qual(runtimePath, ctor).Types(mustType(p.Type)).Call(jen.Lit(p.Name))
}

// argType is the Go type callers pass for p.
func argType(p Param) jen.Code {
	if p.Kind == "timeout" {
		return jen.Qual("time", "Duration")
	}
	if p.Kind != "record" && p.Direction != "in" {
		return jen.Op("*").Add(mustType(p.Type))
	}
	return mustType(p.Type)
}

func argName(name string) string {
	s := localName(name)
	if reserved[s] {
		s += "Arg"
	}
	return s
}

// wrapper emits the typed method for m.
func wrapper(out *jen.File, typ string, m Method) {
	name := GoName(m.Name)
	field := jen.Id("q").Dot(localName(m.Name))

	params := []jen.Code{
		jen.Id("ctx").Qual("context", "Context"),
		jen.Id("db").Qual(runtimePath, "DB"),
	}
	call := []jen.Code{jen.Id("ctx"), field.Clone(), jen.Id("db")}
	args := make([]jen.Code, 0, len(m.Params))
	for _, p := range m.Params {
		n := argName(p.Name)
		params = append(params, jen.Id(n).Add(argType(p)))
		args = append(args, jen.Id(n))
	}
	call = append(call, args...)

	var results, body jen.Code
	switch m.Returns {
	case ReturnsExec:
		results = jen.Params(jen.Int64(), jen.Error())
		body = jen.Return(field.Clone().Dot("Exec").Call(append([]jen.Code{jen.Id("ctx"), jen.Id("db")}, args...)...))
	case ReturnsQuery:
		results = jen.Params(jen.Index().Add(mustType(m.Result)), jen.Error())
		body = jen.Return(jen.Qual(runtimePath, "Query").Types(mustType(m.Result)).Call(call...))
	case ReturnsFirst:
		results = jen.Params(mustType(m.Result), jen.Error())
		body = jen.Return(jen.Qual(runtimePath, "QueryFirst").Types(mustType(m.Result)).Call(call...))
	case ReturnsScalar:
		results = jen.Params(mustType(m.Result), jen.Error())
		body = jen.Return(jen.Qual(runtimePath, "Scalar").Types(mustType(m.Result)).Call(call...))
	case ReturnsEach:
		results = jen.Qual("iter", "Seq2").Types(mustType(m.Result), jen.Error())
		body = jen.Return(jen.Qual(runtimePath, "Each").Types(mustType(m.Result)).Call(call...))
	}

	if m.Doc != "" {
		for _, line := range strings.Split(strings.TrimRight(m.Doc, "\n"), "\n") {
			out.Comment(line)
		}
	} else {
		out.Commentf("%s runs the %s statement.", name, m.Returns)
	}
	out.Func().Params(jen.Id("q").Op("*").Id(typ)).Id(name).Params(params...).Add(results).Block(body)
}
