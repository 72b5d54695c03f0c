// Package gen generates typed Go wrappers around prepared sqlacc methods
// from YAML descriptor files.
//
// A descriptor lists the methods of one generated type:
//
//	package: store
//	type: PlayerQueries
//	methods:
//	  - name: players_by_id
//	    returns: query
//	    result: Player
//	    optimize: true
//	    template: SELECT id, name FROM players WHERE id IN /*@ ids */(1)
//	    params:
//	      - ids []int
//	  - name: bump_score
//	    timeout: 2s
//	    template: UPDATE players SET score = score + 1 WHERE id = /*@ id */0
//	    params:
//	      - name: id
//	        type: int64
//
// Types are Go type expressions. Qualified types use their full import path,
// e.g. "github.com/google/uuid.UUID" or "time.Time".
package gen

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is one parsed descriptor.
type File struct {
	Package string   `yaml:"package"`
	Type    string   `yaml:"type"`
	Methods []Method `yaml:"methods"`

	// Path is the file the descriptor was read from, if any.
	Path string `yaml:"-"`
}

// Method describes one generated wrapper and the MethodSpec behind it.
type Method struct {
	Name     string        `yaml:"name"`
	Doc      string        `yaml:"doc"`
	Command  string        `yaml:"command"` // text (default) or procedure
	Returns  string        `yaml:"returns"` // exec (default), query, first, scalar or each
	Result   string        `yaml:"result"`
	Optimize bool          `yaml:"optimize"`
	Timeout  time.Duration `yaml:"timeout"`
	Template string        `yaml:"template"`
	Params   []Param       `yaml:"params"`

	Line int `yaml:"-"`
}

// Param is one method argument.
type Param struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Direction string `yaml:"direction"` // in (default), out, inout or return
	Kind      string `yaml:"kind"`      // value (default), record or timeout

	Line int `yaml:"-"`
}

// Return kinds.
const (
	ReturnsExec   = "exec"
	ReturnsQuery  = "query"
	ReturnsFirst  = "first"
	ReturnsScalar = "scalar"
	ReturnsEach   = "each"
)

var (
	ErrInvalidDescriptor = errors.New("gen: invalid descriptor")
	ErrInvalidType       = errors.New("gen: invalid type expression")
)

// DescriptorError locates a problem in a descriptor file.
type DescriptorError struct {
	File   string
	Method string
	Line   int
	Err    error
}

func (e *DescriptorError) Error() string {
	var b strings.Builder
	b.WriteString(e.File)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	if e.Method != "" {
		fmt.Fprintf(&b, ": method %s", e.Method)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// UnmarshalYAML accepts either a mapping or the "name type" shorthand.
func (p *Param) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		name, typ, ok := strings.Cut(strings.TrimSpace(node.Value), " ")
		if !ok || strings.TrimSpace(typ) == "" {
			return fmt.Errorf("line %d: parameter %q: want \"name type\"", node.Line, node.Value)
		}
		*p = Param{Name: name, Type: strings.TrimSpace(typ), Line: node.Line}
		return nil
	}
	type plain Param
	var v plain
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = Param(v)
	p.Line = node.Line
	return nil
}

// UnmarshalYAML records the line of the method for diagnostics.
func (m *Method) UnmarshalYAML(node *yaml.Node) error {
	type plain Method
	var v plain
	if err := node.Decode(&v); err != nil {
		return err
	}
	*m = Method(v)
	m.Line = node.Line
	return nil
}

// Load reads and validates the descriptor at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse decodes and validates a descriptor. name is used in errors only.
func Parse(name string, data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty document")
		}
		return nil, &DescriptorError{File: name, Err: fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)}
	}
	f.Path = name
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
