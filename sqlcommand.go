package sqlacc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// sqlCommand implements Command over database/sql. Statement text uses
// @name binds; positional dialects get it rewritten by rebind right before
// execution.
type sqlCommand struct {
	db      DB
	tx      *sql.Tx
	dialect Dialect
	config  Config
	text    string
	typ     CommandType
	timeout time.Duration
	params  []Parameter
}

// Command returns a database/sql backed Command bound to db.
// db is usually a *sql.DB, *sql.Tx or *sql.Conn.
func (e *Engine) Command(db DB) Command {
	return &sqlCommand{db: db, dialect: e.dialect, config: e.config}
}

func (c *sqlCommand) CreateParameter() Parameter { return &param{} }
func (c *sqlCommand) AddParameter(p Parameter)   { c.params = append(c.params, p) }
func (c *sqlCommand) Parameters() []Parameter    { return c.params }
func (c *sqlCommand) SetText(s string)           { c.text = s }
func (c *sqlCommand) Text() string               { return c.text }
func (c *sqlCommand) SetType(t CommandType)      { c.typ = t }
func (c *sqlCommand) SetTimeout(d time.Duration) { c.timeout = d }
func (c *sqlCommand) SetTx(tx *sql.Tx)           { c.tx = tx }

func (c *sqlCommand) executor() DB {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// outHolder carries a non-input parameter through sql.Out.
type outHolder struct {
	p    Parameter
	dest *any
}

// statement renders the final text and driver arguments.
func (c *sqlCommand) statement() (string, []any, []outHolder, error) {
	text := c.text
	if c.typ == CommandProcedure {
		text = c.procedureText()
	}

	byName := make(map[string]Parameter, len(c.params))
	for _, p := range c.params {
		byName[p.Name()] = p
	}
	if c.config.MaxParams > 0 && len(c.params) > c.config.MaxParams {
		return "", nil, nil, fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, len(c.params), c.config.MaxParams)
	}

	q, names, err := rebind(c.dialect, text, func(n string) bool {
		_, ok := byName[n]
		return ok
	}, c.config)
	if err != nil {
		return "", nil, nil, err
	}

	var outs []outHolder
	holders := map[string]*any{}
	arg := func(p Parameter) any {
		if p.Direction() == DirIn {
			return p.Value()
		}
		h, ok := holders[p.Name()]
		if !ok {
			h = new(any)
			*h = p.Value()
			holders[p.Name()] = h
			outs = append(outs, outHolder{p: p, dest: h})
		}
		return sql.Out{Dest: h, In: p.Direction() == DirInOut}
	}

	var args []any
	if c.dialect.named() {
		args = make([]any, 0, len(c.params))
		for _, p := range c.params {
			args = append(args, sql.Named(p.Name(), arg(p)))
		}
	} else {
		args = make([]any, 0, len(names))
		for _, n := range names {
			args = append(args, arg(byName[n]))
		}
	}
	return q, args, outs, nil
}

// procedureText renders a call to the procedure named by the command text.
func (c *sqlCommand) procedureText() string {
	var b strings.Builder
	name := strings.TrimSpace(c.text)
	if c.dialect == SQLServer {
		b.WriteString("EXEC ")
		for _, p := range c.params {
			if p.Direction() == DirReturn {
				b.WriteString("@" + p.Name() + " = ")
				break
			}
		}
		b.WriteString(name)
		first := true
		for _, p := range c.params {
			if p.Direction() == DirReturn {
				continue
			}
			if first {
				b.WriteByte(' ')
				first = false
			} else {
				b.WriteString(", ")
			}
			b.WriteString("@" + p.Name() + " = @" + p.Name())
			if p.Direction() != DirIn {
				b.WriteString(" OUTPUT")
			}
		}
		return b.String()
	}

	b.WriteString("CALL ")
	b.WriteString(name)
	b.WriteByte('(')
	first := true
	for _, p := range c.params {
		if p.Direction() == DirReturn {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString("@" + p.Name())
	}
	b.WriteByte(')')
	return b.String()
}

func (c *sqlCommand) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func readBackOuts(outs []outHolder) {
	for _, o := range outs {
		o.p.SetValue(*o.dest)
	}
}

func (c *sqlCommand) ExecNonQuery(ctx context.Context) (int64, error) {
	q, args, outs, err := c.statement()
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.context(ctx)
	defer cancel()

	res, err := c.executor().ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	readBackOuts(outs)
	return res.RowsAffected()
}

func (c *sqlCommand) ExecScalar(ctx context.Context) (any, error) {
	q, args, outs, err := c.statement()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.context(ctx)
	defer cancel()

	rows, err := c.executor().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var v any
	if rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		dst := make([]any, len(cols))
		dst[0] = &v
		for i := 1; i < len(dst); i++ {
			dst[i] = new(any)
		}
		if err := rows.Scan(dst...); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	readBackOuts(outs)
	return v, nil
}

func (c *sqlCommand) ExecReader(ctx context.Context) (Reader, error) {
	q, args, outs, err := c.statement()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.context(ctx)

	rows, err := c.executor().QueryContext(ctx, q, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &sqlReader{rows: rows, cancel: cancel, outs: outs}, nil
}

// sqlReader adapts *sql.Rows to Reader.
type sqlReader struct {
	rows   *sql.Rows
	cancel context.CancelFunc
	outs   []outHolder
	ptrs   []any
	cells  []any
}

func (r *sqlReader) Columns(buf []Column) ([]Column, error) {
	cts, err := r.rows.ColumnTypes()
	if err != nil {
		return buf, err
	}
	for _, ct := range cts {
		t := ct.ScanType()
		if t == nil {
			t = anyType
		}
		buf = append(buf, Column{Name: ct.Name(), Type: t})
	}
	return buf, nil
}

func (r *sqlReader) Next() bool { return r.rows.Next() }

func (r *sqlReader) Values(dst []any) error {
	if len(r.ptrs) != len(dst) {
		r.cells = make([]any, len(dst))
		r.ptrs = make([]any, len(dst))
		for i := range r.cells {
			r.ptrs[i] = &r.cells[i]
		}
	}
	if err := r.rows.Scan(r.ptrs...); err != nil {
		return err
	}
	copy(dst, r.cells)
	return nil
}

func (r *sqlReader) Err() error { return r.rows.Err() }

func (r *sqlReader) Close() error {
	err := r.rows.Close()
	readBackOuts(r.outs)
	r.cancel()
	return err
}
