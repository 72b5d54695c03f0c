package sqlacc

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// --------------------------------
// Test utilities
// --------------------------------

// dcase groups a dialect with a display name for table-driven tests.
type dcase struct {
	name string
	d    Dialect
}

// allDialects returns the list of dialects to iterate over in tests.
func allDialects() []dcase {
	return []dcase{
		{"postgres", Postgres},
		{"mysql", MySQL},
		{"sqlite", SQLite},
		{"sqlserver", SQLServer},
	}
}

// fakeCommand is an in-memory Command. It records what the method put into
// it and serves canned results.
type fakeCommand struct {
	text     string
	typ      CommandType
	timeout  time.Duration
	tx       *sql.Tx
	params   []Parameter
	shape    Shape
	rows     [][]any
	scalar   any
	affected int64
	err      error
	closeErr error
	reader   *fakeReader
	// onExec runs before any Exec*, e.g. to fill output parameters.
	onExec func(c *fakeCommand)
}

func (c *fakeCommand) CreateParameter() Parameter { return NewParameter() }
func (c *fakeCommand) AddParameter(p Parameter)   { c.params = append(c.params, p) }
func (c *fakeCommand) Parameters() []Parameter    { return c.params }
func (c *fakeCommand) SetText(s string)           { c.text = s }
func (c *fakeCommand) Text() string               { return c.text }
func (c *fakeCommand) SetType(t CommandType)      { c.typ = t }
func (c *fakeCommand) SetTimeout(d time.Duration) { c.timeout = d }
func (c *fakeCommand) SetTx(tx *sql.Tx)           { c.tx = tx }

func (c *fakeCommand) exec() error {
	if c.onExec != nil {
		c.onExec(c)
	}
	return c.err
}

func (c *fakeCommand) ExecNonQuery(context.Context) (int64, error) {
	if err := c.exec(); err != nil {
		return 0, err
	}
	return c.affected, nil
}

func (c *fakeCommand) ExecScalar(context.Context) (any, error) {
	if err := c.exec(); err != nil {
		return nil, err
	}
	return c.scalar, nil
}

func (c *fakeCommand) ExecReader(context.Context) (Reader, error) {
	if err := c.exec(); err != nil {
		return nil, err
	}
	c.reader = &fakeReader{shape: c.shape, rows: c.rows, pos: -1, closeErr: c.closeErr}
	return c.reader, nil
}

// param returns the parameter bound under name.
func (c *fakeCommand) param(t *testing.T, name string) Parameter {
	t.Helper()
	for _, p := range c.params {
		if p.Name() == name {
			return p
		}
	}
	t.Fatalf("parameter %q not bound; have %v", name, c.names())
	return nil
}

func (c *fakeCommand) names() []string {
	out := make([]string, len(c.params))
	for i, p := range c.params {
		out[i] = p.Name()
	}
	return out
}

func (c *fakeCommand) values() []any {
	out := make([]any, len(c.params))
	for i, p := range c.params {
		out[i] = p.Value()
	}
	return out
}

type fakeReader struct {
	shape    Shape
	rows     [][]any
	pos      int
	closed   bool
	closeErr error
}

func (r *fakeReader) Columns(buf []Column) ([]Column, error) { return append(buf, r.shape...), nil }
func (r *fakeReader) Next() bool                             { r.pos++; return r.pos < len(r.rows) }
func (r *fakeReader) Err() error                             { return nil }
func (r *fakeReader) Close() error                           { r.closed = true; return r.closeErr }

func (r *fakeReader) Values(dst []any) error {
	copy(dst, r.rows[r.pos])
	return nil
}

// cols builds a shape of untyped columns.
func cols(names ...string) Shape {
	s := make(Shape, len(names))
	for i, n := range names {
		s[i] = Column{Name: n, Type: anyType}
	}
	return s
}

// mustPrepare prepares a method on e and fails the test on error.
func mustPrepare(t *testing.T, e *Engine, spec MethodSpec) *Method {
	t.Helper()
	m, err := e.Prepare(spec)
	require.NoError(t, err)
	return m
}

// newMockDB opens a sqlmock database with exact query matching.
func newMockDB(t testing.TB) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}
