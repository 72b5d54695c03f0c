// Package template turns annotated SQL text into a node sequence.
//
// A template is ordinary SQL in which directives are written as block
// comments, so the text stays runnable as-is in a SQL console:
//
//	SELECT * FROM users
//	WHERE id IN /*@ ids */(1, 2)
//	/*% if name != "" */ AND name = /*@ name */'x' /*% end */
//	ORDER BY /*# order */id
//
//   - /*@ name */default   bound parameter; the default literal is dropped
//   - /*# expr */          raw substitution, spliced unescaped
//   - /*% stmt */          code statement (if, elseif, else, end, for v : expr)
//   - /*!using name */     qualified helper namespace
//   - /*!helper name */    unqualified (static) helper namespace
//
// Any other comment, quoted literal or line comment is preserved byte for byte.
package template

import "strings"

// Kind tags a Node.
type Kind uint8

const (
	KindText Kind = iota
	KindParameter
	KindRaw
	KindCode
	KindUsing
)

// Node is one element of a parsed template. Which fields are meaningful
// depends on Kind:
//
//	KindText       Text
//	KindParameter  Name, Default
//	KindRaw        Text (expression)
//	KindCode       Text (statement)
//	KindUsing      Name, Static
type Node struct {
	Kind    Kind
	Pos     Pos
	Text    string
	Name    string
	Default string
	Static  bool
}

// String returns the name of the node kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindParameter:
		return "parameter"
	case KindRaw:
		return "raw"
	case KindCode:
		return "code"
	case KindUsing:
		return "using"
	default:
		return "unknown"
	}
}

// Parse tokenizes src and groups the tokens into nodes, coalescing adjacent
// literal text. It performs no semantic validation.
func Parse(src string, opts ...Option) ([]Node, error) {
	toks, err := Tokenize(src, opts...)
	if err != nil {
		return nil, err
	}
	return Build(toks), nil
}

// Build converts a token stream into nodes.
func Build(toks []Token) []Node {
	nodes := make([]Node, 0, len(toks))
	for _, t := range toks {
		switch t.Kind {
		case TokenText:
			if n := len(nodes); n > 0 && nodes[n-1].Kind == KindText {
				nodes[n-1].Text += t.Value
				continue
			}
			nodes = append(nodes, Node{Kind: KindText, Pos: t.Pos, Text: t.Value})
		case TokenParameter:
			nodes = append(nodes, Node{Kind: KindParameter, Pos: t.Pos, Name: t.Value, Default: t.Default})
		case TokenRaw:
			nodes = append(nodes, Node{Kind: KindRaw, Pos: t.Pos, Text: t.Value})
		case TokenCode:
			nodes = append(nodes, Node{Kind: KindCode, Pos: t.Pos, Text: t.Value})
		case TokenUsing:
			nodes = append(nodes, Node{Kind: KindUsing, Pos: t.Pos, Name: t.Value})
		case TokenHelper:
			nodes = append(nodes, Node{Kind: KindUsing, Pos: t.Pos, Name: t.Value, Static: true})
		}
	}
	return nodes
}

// Render writes nodes back as template text. Parsing the result yields the
// same node sequence (positions aside).
func Render(nodes []Node) string {
	var b strings.Builder
	for _, n := range nodes {
		switch n.Kind {
		case KindText:
			b.WriteString(n.Text)
		case KindParameter:
			b.WriteString("/*@ ")
			b.WriteString(n.Name)
			b.WriteString(" */")
			b.WriteString(n.Default)
		case KindRaw:
			b.WriteString("/*# ")
			b.WriteString(n.Text)
			b.WriteString(" */")
		case KindCode:
			b.WriteString("/*% ")
			b.WriteString(n.Text)
			b.WriteString(" */")
		case KindUsing:
			if n.Static {
				b.WriteString("/*!helper ")
			} else {
				b.WriteString("/*!using ")
			}
			b.WriteString(n.Name)
			b.WriteString(" */")
		}
	}
	return b.String()
}

// HasDynamic reports whether nodes contain raw or code directives.
func HasDynamic(nodes []Node) bool {
	for _, n := range nodes {
		if n.Kind == KindRaw || n.Kind == KindCode {
			return true
		}
	}
	return false
}
