package gen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dave/jennifer/jen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gandaldf/sqlacc/template"
)

const playersYAML = `
package: store
type: PlayerQueries
methods:
  - name: players_by_id
    returns: query
    result: Player
    optimize: true
    template: SELECT id, name FROM players WHERE id IN /*@ ids */(1)
    params:
      - ids []int
  - name: bump_score
    doc: BumpScore adds one point.
    timeout: 2s
    template: UPDATE players SET score = score + 1 WHERE id = /*@ id */0
    params:
      - name: id
        type: int64
      - name: limit
        kind: timeout
  - name: player_count
    returns: scalar
    result: int
    template: SELECT count(*) FROM players
  - name: get_player
    command: procedure
    returns: first
    result: "*Player"
    template: get_player
    params:
      - name: id
        type: github.com/google/uuid.UUID
      - name: total
        type: int
        direction: out
  - name: stream
    returns: each
    result: sqlacc.Tuple2[string, int]
    template: SELECT name, score FROM players
`

func render(t *testing.T, f *File) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Generate(f).Render(&buf))
	return buf.String()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --------------------------------
// Tests: descriptors
// --------------------------------

func TestParse_Defaults(t *testing.T) {
	f, err := Parse("players.yaml", []byte(playersYAML))
	require.NoError(t, err)

	assert.Equal(t, "store", f.Package)
	assert.Equal(t, "PlayerQueries", f.Type)
	require.Len(t, f.Methods, 5)

	m := f.Methods[0]
	assert.Equal(t, "text", m.Command)
	assert.Equal(t, ReturnsQuery, m.Returns)
	assert.Equal(t, []Param{{Name: "ids", Type: "[]int", Direction: "in", Kind: "value", Line: 11}}, m.Params)
	assert.Equal(t, 5, m.Line)

	m = f.Methods[1]
	assert.Equal(t, ReturnsExec, m.Returns)
	assert.Equal(t, 2*time.Second, m.Timeout)
	assert.Equal(t, "time.Duration", m.Params[1].Type)
	assert.Equal(t, "timeout", m.Params[1].Kind)
}

func TestParse_NamesFromPath(t *testing.T) {
	src := "methods:\n  - name: ping\n    template: SELECT 1\n"
	f, err := Parse(filepath.Join("internal", "user-store", "audit_log.yaml"), []byte(src))
	require.NoError(t, err)
	assert.Equal(t, "user_store", f.Package)
	assert.Equal(t, "AuditLogQueries", f.Type)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"empty", "", "empty document"},
		{"unknown key", "package: p\nbogus: 1\n", "bogus"},
		{"no methods", "package: p\ntype: T\n", "no methods"},
		{"no name", "package: p\ntype: T\nmethods:\n  - template: SELECT 1\n", "method without a name"},
		{"reserved", "package: p\ntype: T\nmethods:\n  - name: engine\n    template: SELECT 1\n", "reserved"},
		{"duplicate", "package: p\ntype: T\nmethods:\n  - name: a_b\n    template: SELECT 1\n  - name: AB\n    template: SELECT 1\n", "collides"},
		{"bad returns", "package: p\ntype: T\nmethods:\n  - name: a\n    returns: rows\n    template: SELECT 1\n", "unknown return kind"},
		{"missing result", "package: p\ntype: T\nmethods:\n  - name: a\n    returns: query\n    template: SELECT 1\n", "need a result type"},
		{"exec result", "package: p\ntype: T\nmethods:\n  - name: a\n    result: int\n    template: SELECT 1\n", "no result type"},
		{"bad result", "package: p\ntype: T\nmethods:\n  - name: a\n    returns: query\n    result: \"[]\"\n    template: SELECT 1\n", "missing type name"},
		{"empty template", "package: p\ntype: T\nmethods:\n  - name: a\n    template: \" \"\n", "empty template"},
		{"shorthand", "package: p\ntype: T\nmethods:\n  - name: a\n    template: SELECT 1\n    params: [ids]\n", "want \"name type\""},
		{"bad direction", "package: p\ntype: T\nmethods:\n  - name: a\n    template: SELECT /*@ x */1\n    params:\n      - name: x\n        type: int\n        direction: sideways\n", "unknown direction"},
		{"bad param type", "package: p\ntype: T\nmethods:\n  - name: a\n    template: SELECT /*@ x */1\n    params: [\"x strnig\"]\n", "unknown predeclared type"},
		{"unknown parameter", "package: p\ntype: T\nmethods:\n  - name: a\n    template: SELECT /*@ y */1\n    params: [\"x int\"]\n", "unknown parameter \"y\""},
		{"syntax", "package: p\ntype: T\nmethods:\n  - name: a\n    template: SELECT /*@ x\n", "unterminated"},
		{"bad type name", "package: p\ntype: lower\nmethods:\n  - name: a\n    template: SELECT 1\n", "exported identifier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("x.yaml", []byte(tt.src))
			require.Error(t, err)
			var de *DescriptorError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "x.yaml", de.File)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_SyntaxErrorIsTemplateError(t *testing.T) {
	_, err := Parse("x.yaml", []byte("package: p\ntype: T\nmethods:\n  - name: a\n    template: SELECT /*@ x\n"))
	var se *template.SyntaxError
	assert.ErrorAs(t, err, &se)
}

func TestParse_DynamicTemplatesSkipReferenceCheck(t *testing.T) {
	src := `
package: p
type: T
methods:
  - name: a
    template: "SELECT 1 /*% for v : items */, /*@ v */0/*% end */"
    params: ["items []int"]
`
	_, err := Parse("x.yaml", []byte(src))
	assert.NoError(t, err)
}

func TestParse_BackslashLiterals(t *testing.T) {
	src := `
package: p
type: T
methods:
  - name: standard
    template: |
      SELECT 1 FROM t WHERE p = 'C:\' AND id = /*@ id */1
    params: ["id int"]
  - name: mysql
    template: |
      SELECT 1 FROM t WHERE p = 'it\'s' AND id = /*@ id */1
    params: ["id int"]
`
	f, err := Parse("x.yaml", []byte(src))
	require.NoError(t, err)
	assert.Len(t, f.Methods, 2)
}

func TestDescriptorError_Message(t *testing.T) {
	err := &DescriptorError{File: "a.yaml", Method: "m", Line: 4, Err: ErrInvalidDescriptor}
	assert.Equal(t, "a.yaml:4: method m: gen: invalid descriptor", err.Error())
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

// --------------------------------
// Tests: type expressions
// --------------------------------

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"int", "var x int"},
		{"[]string", "var x []string"},
		{"*Player", "var x *Player"},
		{"map[string]any", "var x map[string]any"},
		{"time.Time", "var x time.Time"},
		{"[]*github.com/google/uuid.UUID", "var x []*uuid.UUID"},
		{"sqlacc.Tuple2[string, []int]", "var x sqlacc.Tuple2[string, []int]"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			te, err := parseType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, fmt.Sprintf("%#v", jen.Var().Id("x").Add(te.code())))
		})
	}

	for _, bad := range []string{"", "[]", "map[string", "x.", "/.T", "int]", "Tuple2[int", "[4]int", "strnig"} {
		_, err := parseType(bad)
		assert.ErrorIs(t, err, ErrInvalidType, "%q", bad)
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "PlayersById", GoName("players_by_id"))
	assert.Equal(t, "playersById", localName("players_by_id"))
	assert.Equal(t, "typeArg", localName("type"))
	assert.Equal(t, "dbArg", argName("db"))
	assert.Equal(t, "ids", argName("ids"))
}

// --------------------------------
// Tests: code generation
// --------------------------------

func TestGenerate(t *testing.T) {
	f, err := Parse("players.yaml", []byte(playersYAML))
	require.NoError(t, err)
	src := render(t, f)

	for _, want := range []string{
		"// Code generated by sqlaccgen. DO NOT EDIT.",
		"package store",
		`"github.com/gandaldf/sqlacc"`,
		`"github.com/google/uuid"`,
		"type PlayerQueries struct {",
		"func NewPlayerQueries(e *sqlacc.Engine) (*PlayerQueries, error) {",
		`sqlacc.Param[[]int]("ids"),`,
		`sqlacc.Timeout("limit"),`,
		`sqlacc.Out[int]("total"),`,
		"func (q *PlayerQueries) PlayersById(ctx context.Context, db sqlacc.DB, ids []int) ([]Player, error) {",
		"return sqlacc.Query[Player](ctx, q.playersById, db, ids)",
		"// BumpScore adds one point.",
		"func (q *PlayerQueries) BumpScore(ctx context.Context, db sqlacc.DB, id int64, limit time.Duration) (int64, error) {",
		"return q.bumpScore.Exec(ctx, db, id, limit)",
		"func (q *PlayerQueries) PlayerCount(ctx context.Context, db sqlacc.DB) (int, error) {",
		"return sqlacc.Scalar[int](ctx, q.playerCount, db)",
		"func (q *PlayerQueries) GetPlayer(ctx context.Context, db sqlacc.DB, id uuid.UUID, total *int) (*Player, error) {",
		"return sqlacc.QueryFirst[*Player](ctx, q.getPlayer, db, id, total)",
		"func (q *PlayerQueries) Stream(ctx context.Context, db sqlacc.DB) iter.Seq2[sqlacc.Tuple2[string, int], error] {",
		"return sqlacc.Each[sqlacc.Tuple2[string, int]](ctx, q.stream, db)",
		"func (q *PlayerQueries) Engine() *sqlacc.Engine {",
	} {
		assert.Contains(t, src, want)
	}
	for _, want := range []string{
		`Name:\s+"PlayersById"`,
		`Optimize:\s+true`,
		`Timeout:\s+2 \* time\.Second`,
		`Command:\s+sqlacc\.CommandProcedure`,
	} {
		assert.Regexp(t, want, src)
	}
}

func TestDurationCode(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Hour, "1 * time.Hour"},
		{90 * time.Second, "90 * time.Second"},
		{1500 * time.Millisecond, "1500 * time.Millisecond"},
		{3, "time.Duration(3)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fmt.Sprintf("%#v", durationCode(tt.d)))
	}
}

// --------------------------------
// Tests: writer
// --------------------------------

func writeDescriptor(t *testing.T, dir, name, src string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	return p
}

func TestGenerator_Run(t *testing.T) {
	dir := t.TempDir()
	a := writeDescriptor(t, dir, "players.yaml", playersYAML)
	b := writeDescriptor(t, dir, "audit-log.yml", "package: store\nmethods:\n  - name: ping\n    template: SELECT 1\n")
	g := New(WithWorkers(2), WithLogger(quietLogger()))

	written, err := g.Run(context.Background(), a, b)
	require.NoError(t, err)
	want := []string{
		filepath.Join(dir, "audit_log"+Suffix),
		filepath.Join(dir, "players"+Suffix),
	}
	assert.Equal(t, want, written)
	for _, p := range want {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Contains(t, string(data), "DO NOT EDIT")
	}

	written, err = g.Run(context.Background(), a, b)
	require.NoError(t, err)
	assert.Empty(t, written, "unchanged descriptors are not rewritten")
}

func TestGenerator_OutDir(t *testing.T) {
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "gen")
	p := writeDescriptor(t, src, "players.yaml", playersYAML)
	g := New(WithOutDir(out), WithLogger(quietLogger()))

	assert.Equal(t, filepath.Join(out, "players"+Suffix), g.OutputPath(p))
	_, err := g.Run(context.Background(), p)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(out, "players"+Suffix))
}

func TestGenerator_RunError(t *testing.T) {
	dir := t.TempDir()
	good := writeDescriptor(t, dir, "good.yaml", playersYAML)
	bad := writeDescriptor(t, dir, "bad.yaml", "package: p\ntype: T\n")

	_, err := New(WithLogger(quietLogger())).Run(context.Background(), good, bad)
	var de *DescriptorError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, bad, de.File)

	_, err = New(WithLogger(quietLogger())).Run(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "b.yaml", playersYAML)
	writeDescriptor(t, dir, "a.yml", playersYAML)
	writeDescriptor(t, dir, "notes.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755))

	got, err := Collect(dir, filepath.Join(dir, "a.yml"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}, got)

	_, err = Collect(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}
