package sqlacc

import (
	"context"
	"database/sql"
	"reflect"
	"time"
)

// Direction of a bound parameter.
type Direction uint8

const (
	DirIn Direction = iota
	DirOut
	DirInOut
	DirReturn
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirInOut:
		return "inout"
	case DirReturn:
		return "return"
	default:
		return "unknown"
	}
}

// CommandType tells the command how to interpret its text.
type CommandType uint8

const (
	CommandText      CommandType = iota // text is a statement
	CommandProcedure                    // text is a stored procedure name
)

// Parameter is a native command parameter.
type Parameter interface {
	Name() string
	SetName(string)
	DbType() DbType
	SetDbType(DbType)
	Size() int
	SetSize(int)
	Direction() Direction
	SetDirection(Direction)
	Value() any
	SetValue(any)
}

// Column is one entry of a result shape.
type Column struct {
	Name string
	Type reflect.Type
}

// Shape is the ordered column layout of a result set.
type Shape []Column

// Reader is a forward-only result cursor.
type Reader interface {
	// Columns appends the result shape to buf and returns it.
	Columns(buf []Column) ([]Column, error)
	Next() bool
	// Values copies the current row into dst, which must have one slot per
	// column. DB nulls are nil.
	Values(dst []any) error
	Err() error
	Close() error
}

// Command is the database boundary consumed by prepared methods.
type Command interface {
	CreateParameter() Parameter
	AddParameter(Parameter)
	Parameters() []Parameter
	SetText(string)
	Text() string
	SetType(CommandType)
	SetTimeout(time.Duration)
	SetTx(*sql.Tx)
	ExecNonQuery(ctx context.Context) (int64, error)
	ExecScalar(ctx context.Context) (any, error)
	ExecReader(ctx context.Context) (Reader, error)
}

// param is the Parameter implementation used by the database/sql adapter.
type param struct {
	name   string
	dbType DbType
	size   int
	dir    Direction
	value  any
}

// NewParameter returns a standalone Parameter, useful for Command
// implementations and tests.
func NewParameter() Parameter { return &param{} }

func (p *param) Name() string             { return p.name }
func (p *param) SetName(n string)         { p.name = n }
func (p *param) DbType() DbType           { return p.dbType }
func (p *param) SetDbType(t DbType)       { p.dbType = t }
func (p *param) Size() int                { return p.size }
func (p *param) SetSize(n int)            { p.size = n }
func (p *param) Direction() Direction     { return p.dir }
func (p *param) SetDirection(d Direction) { p.dir = d }
func (p *param) Value() any               { return p.value }
func (p *param) SetValue(v any)           { p.value = v }
