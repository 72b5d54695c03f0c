package template

import (
	"fmt"
	"strings"
)

// TokenKind classifies a token produced by Tokenize.
type TokenKind uint8

const (
	TokenText      TokenKind = iota // literal SQL
	TokenParameter                  // /*@ name */default
	TokenRaw                        // /*# expr */
	TokenCode                       // /*% stmt */
	TokenUsing                      // /*!using name */
	TokenHelper                     // /*!helper name */
)

// Pos is a position inside the template source.
type Pos struct {
	Offset int // byte offset, 0-based
	Line   int // 1-based
	Col    int // 1-based, in bytes
}

// String returns "line:col".
func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// Token is a single lexical element of a template.
type Token struct {
	Kind    TokenKind
	Pos     Pos
	Value   string // literal text, marker body (trimmed)
	Default string // parameter default literal, kept for display only
}

// SyntaxError reports malformed template text.
type SyntaxError struct {
	Pos Pos
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("sqlacc/template: %s at %s", e.Msg, e.Pos)
}

// String returns the name of the token kind.
func (k TokenKind) String() string {
	switch k {
	case TokenText:
		return "text"
	case TokenParameter:
		return "parameter"
	case TokenRaw:
		return "raw"
	case TokenCode:
		return "code"
	case TokenUsing:
		return "using"
	case TokenHelper:
		return "helper"
	default:
		return "unknown"
	}
}

// Option configures the tokenizer.
type Option func(*scanner)

// BackslashEscapes makes '\' escape the next byte inside '...' and "..."
// literals, as MySQL does. By default quotes are only escaped by doubling.
func BackslashEscapes() Option {
	return func(s *scanner) { s.backslash = true }
}

// Tokenize scans src and returns its flat token stream. Markers inside
// quoted strings and line comments are treated as literal text; ordinary
// block comments are preserved as text. Adjacent text is not coalesced.
func Tokenize(src string, opts ...Option) ([]Token, error) {
	s := &scanner{src: src, line: 1}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.run(); err != nil {
		return nil, err
	}
	return s.toks, nil
}

// scanner holds the tokenizer state. Line tracking is incremental because
// positions are only requested in increasing offset order.
type scanner struct {
	src       string
	toks      []Token
	backslash bool

	textStart int

	// incremental line/col tracking
	lnOff   int
	line    int
	lnStart int
}

func (s *scanner) pos(off int) Pos {
	for ; s.lnOff < off; s.lnOff++ {
		if s.src[s.lnOff] == '\n' {
			s.line++
			s.lnStart = s.lnOff + 1
		}
	}
	return Pos{Offset: off, Line: s.line, Col: off - s.lnStart + 1}
}

func (s *scanner) flushText(end int) {
	if end > s.textStart {
		s.toks = append(s.toks, Token{
			Kind:  TokenText,
			Pos:   s.pos(s.textStart),
			Value: s.src[s.textStart:end],
		})
	}
}

func (s *scanner) errorf(off int, format string, args ...any) error {
	return &SyntaxError{Pos: s.pos(off), Msg: fmt.Sprintf(format, args...)}
}

func (s *scanner) run() error {
	q := s.src

	// State machine for safe scanning through strings and comments.
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...`
		sLC   // -- line comment
	)
	state := sText
	openAt := 0

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			if c == '-' && i+1 < len(q) && q[i+1] == '-' {
				state = sLC
				i += 2
				continue
			}
			if c == '\'' || c == '"' || c == '`' {
				openAt = i
				switch c {
				case '\'':
					state = sSQ
				case '"':
					state = sDQ
				default:
					state = sBT
				}
				i++
				continue
			}
			if c == '/' && i+1 < len(q) && q[i+1] == '*' {
				next, err := s.comment(i)
				if err != nil {
					return err
				}
				i = next
				continue
			}
			i++

		case sSQ, sDQ, sBT:
			quote := byte('\'')
			if state == sDQ {
				quote = '"'
			} else if state == sBT {
				quote = '`'
			}
			if c == '\\' && s.backslash && state != sBT {
				i += 2
				continue
			}
			i++
			if c == quote {
				if i < len(q) && q[i] == quote {
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}
		}
	}

	switch state {
	case sSQ, sDQ, sBT:
		return s.errorf(openAt, "unterminated quoted literal")
	}
	s.flushText(len(q))
	return nil
}

// comment handles a block comment starting at i and returns the offset
// right after whatever it consumed.
func (s *scanner) comment(i int) (int, error) {
	q := s.src
	end := strings.Index(q[i+2:], "*/")
	if end < 0 {
		if i+2 < len(q) && isMarker(q[i+2]) {
			return 0, s.errorf(i, "unterminated marker")
		}
		return 0, s.errorf(i, "unterminated comment")
	}
	end += i + 2 // index of "*/"
	next := end + 2

	if i+2 >= end || !isMarker(q[i+2]) {
		// ordinary comment: stays literal
		return next, nil
	}

	s.flushText(i)
	body := strings.TrimSpace(q[i+3 : end])
	tok := Token{Pos: s.pos(i)}

	switch q[i+2] {
	case '@':
		if body == "" {
			return 0, s.errorf(i, "parameter marker without a name")
		}
		tok.Kind = TokenParameter
		tok.Value = body
		dflt, after := readDefault(q, next, s.backslash)
		tok.Default = dflt
		next = after
	case '#':
		if body == "" {
			return 0, s.errorf(i, "empty raw marker")
		}
		tok.Kind = TokenRaw
		tok.Value = body
	case '%':
		if body == "" {
			return 0, s.errorf(i, "empty code marker")
		}
		tok.Kind = TokenCode
		tok.Value = body
	case '!':
		kw, name, _ := strings.Cut(body, " ")
		name = strings.TrimSpace(name)
		switch kw {
		case "using":
			tok.Kind = TokenUsing
		case "helper":
			tok.Kind = TokenHelper
		default:
			return 0, s.errorf(i, "unknown declaration %q", kw)
		}
		if name == "" {
			return 0, s.errorf(i, "%s declaration without a name", kw)
		}
		tok.Value = name
	}

	s.toks = append(s.toks, tok)
	s.textStart = next
	return next, nil
}

// isMarker reports whether b opens a directive marker after "/*".
func isMarker(b byte) bool {
	return b == '@' || b == '#' || b == '%' || b == '!'
}

// readDefault consumes the placeholder literal that follows a parameter
// marker so the template stays valid standalone SQL. It recognizes a
// single-quoted string, a balanced parenthesized group, or a run of bytes up
// to whitespace, ',', ')' or ';'.
func readDefault(q string, i int, backslash bool) (string, int) {
	if i >= len(q) {
		return "", i
	}
	start := i
	switch q[i] {
	case '\'':
		i++
		for i < len(q) {
			if q[i] == '\\' && backslash {
				i += 2
				continue
			}
			if q[i] == '\'' {
				if i+1 < len(q) && q[i+1] == '\'' {
					i += 2
					continue
				}
				return q[start : i+1], i + 1
			}
			i++
		}
		return q[start:], len(q)
	case '(':
		depth := 0
		inQuote := false
		for ; i < len(q); i++ {
			c := q[i]
			if inQuote {
				if c == '\\' && backslash {
					i++
					continue
				}
				if c == '\'' {
					inQuote = false
				}
				continue
			}
			switch c {
			case '\'':
				inQuote = true
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return q[start : i+1], i + 1
				}
			}
		}
		return q[start:], len(q)
	}
	for i < len(q) && !isDefaultStop(q, i) {
		i++
	}
	return q[start:i], i
}

func isDefaultStop(q string, i int) bool {
	switch q[i] {
	case ' ', '\t', '\n', '\r', ',', ')', ';':
		return true
	case '/':
		return i+1 < len(q) && q[i+1] == '*'
	case '-':
		return i+1 < len(q) && q[i+1] == '-'
	}
	return false
}
