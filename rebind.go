package sqlacc

import (
	"fmt"
	"strconv"
	"strings"
)

// rebind rewrites the @name binds of an assembled statement into the
// dialect's placeholder syntax and returns the bound names in argument order.
//
// Postgres gets $n, one index per distinct name. MySQL gets ?, with one
// argument per occurrence. SQLite and SQLServer keep @name and receive
// sql.Named arguments, so their text is returned unchanged.
//
// Only names for which known returns true are rewritten; anything else
// (@@version, user variables, operators like @>) is copied through. Quoted
// strings, identifiers and comments are never rewritten.
func rebind(dialect Dialect, q string, known func(string) bool, config Config) (string, []string, error) {
	var buf strings.Builder
	rewrite := !dialect.named()
	if rewrite {
		buf.Grow(len(q) + 16)
	}

	var names []string
	index := map[string]int{}
	n := 0
	var dqTag string // active dollar-quoted tag (Postgres-like)

	// State machine for safe scanning through strings, comments, identifiers, etc.
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...` (MySQL/SQLite)
		sBR   // [...] (SQL Server)
		sLC   // line comment -- or # (MySQL only)
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$ (dollar-quoted)
	)
	state := sText

	write := func(s string) {
		if rewrite {
			buf.WriteString(s)
		}
	}
	writeByte := func(c byte) {
		if rewrite {
			buf.WriteByte(c)
		}
	}

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			switch {
			case c == '-' && i+1 < len(q) && q[i+1] == '-':
				state = sLC
				write("--")
				i += 2
				continue
			case c == '#' && dialect == MySQL:
				state = sLC
			case c == '/' && i+1 < len(q) && q[i+1] == '*':
				state = sBC
				write("/*")
				i += 2
				continue
			case c == '\'':
				state = sSQ
			case c == '"':
				state = sDQ
			case c == '`' && (dialect == MySQL || dialect == SQLite):
				state = sBT
			case c == '[' && dialect == SQLServer:
				state = sBR
			case c == '$':
				if tag, ok := readDollarTag(q[i:]); ok {
					state = sDQD
					dqTag = tag
					write(tag)
					i += len(tag)
					continue
				}
			case c == '@' && i+1 < len(q) && isAlphaUnderscore(q[i+1]) && !(i > 0 && q[i-1] == '@'):
				k := i + 2
				for k < len(q) && isAlphaNumUnderscore(q[k]) {
					k++
				}
				name := q[i+1 : k]
				if !known(name) {
					write(q[i:k])
					i = k
					continue
				}
				if config.MaxNameLen > 0 && len(name) > config.MaxNameLen {
					return "", nil, fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, name, len(name), config.MaxNameLen)
				}

				switch {
				case dialect == Postgres:
					idx, seen := index[name]
					if !seen {
						names = append(names, name)
						idx = len(names)
						index[name] = idx
						n++
					}
					writePlaceholder(&buf, dialect, idx)
				case dialect == MySQL:
					names = append(names, name)
					n++
					writePlaceholder(&buf, dialect, n)
				default:
					if _, seen := index[name]; !seen {
						names = append(names, name)
						index[name] = len(names)
						n++
					}
				}
				if config.MaxParams > 0 && n > config.MaxParams {
					return "", nil, fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, n, config.MaxParams)
				}
				i = k
				continue
			}
			writeByte(c)
			i++

		case sSQ, sDQ:
			quote := byte('\'')
			if state == sDQ {
				quote = '"'
			}
			if c == '\\' && dialect == MySQL {
				writeByte(c)
				i++
				if i < len(q) {
					writeByte(q[i])
					i++
				}
				continue
			}
			writeByte(c)
			i++
			if c == quote {
				if i < len(q) && q[i] == quote {
					writeByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBT, sBR:
			closer := byte('`')
			if state == sBR {
				closer = ']'
			}
			writeByte(c)
			i++
			if c == closer {
				if i < len(q) && q[i] == closer {
					writeByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			writeByte(c)
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			writeByte(c)
			i++
			if c == '*' && i < len(q) && q[i] == '/' {
				writeByte('/')
				i++
				state = sText
			}

		case sDQD:
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				write(q[i:])
				i = len(q)
			} else {
				write(q[i : i+p])
				write(dqTag)
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	if !rewrite {
		return q, names, nil
	}
	return buf.String(), names, nil
}

// writePlaceholder emits a dialect-specific placeholder token for argument idx.
func writePlaceholder(b *strings.Builder, d Dialect, idx int) {
	switch d {
	case Postgres:
		b.WriteByte('$')
		var tmp [20]byte
		b.Write(strconv.AppendInt(tmp[:0], int64(idx), 10))
	default: // MySQL
		b.WriteByte('?')
	}
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}
