package sqlacc

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gandaldf/sqlacc/template"
)

// BuildError reports a structural problem found while preparing a method.
// Pos is zero when the problem is not tied to a template location.
type BuildError struct {
	Method string
	Pos    template.Pos
	Err    error
}

func (e *BuildError) Error() string {
	if e.Pos.Line > 0 {
		return fmt.Sprintf("sqlacc: prepare %s at %s: %v", e.Method, e.Pos, e.Err)
	}
	return fmt.Sprintf("sqlacc: prepare %s: %v", e.Method, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// MappingError reports that no mapper can be built for a target type and a
// result shape. It is raised once per shape, when the mapper is first built.
type MappingError struct {
	Type  reflect.Type
	Shape Shape
	Err   error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("sqlacc: map %s from (%s): %v", e.Type, e.Shape, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// ColumnError wraps a conversion failure with the column it came from.
type ColumnError struct {
	Column string
	Index  int
	Err    error
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("sqlacc: column %d (%s): %v", e.Index, e.Column, e.Err)
}

func (e *ColumnError) Unwrap() error { return e.Err }

func buildErrorf(method string, pos template.Pos, sentinel error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		return &BuildError{Method: method, Pos: pos, Err: sentinel}
	}
	return &BuildError{Method: method, Pos: pos, Err: fmt.Errorf("%w: %s", sentinel, msg)}
}

// String renders the shape as "name type, ...".
func (s Shape) String() string {
	var b strings.Builder
	for i, c := range s {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Name)
		if c.Type != nil {
			b.WriteByte(' ')
			b.WriteString(c.Type.String())
		}
	}
	return b.String()
}
