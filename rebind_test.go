package sqlacc

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

// placeholderRegex matches the placeholders rebind produces for a dialect.
func placeholderRegex(d Dialect) *regexp.Regexp {
	switch d {
	case Postgres:
		return regexp.MustCompile(`\$(?:[1-9][0-9]*)`)
	case MySQL:
		return regexp.MustCompile(`\?`)
	default:
		return regexp.MustCompile(`@[A-Za-z_][A-Za-z0-9_]*`)
	}
}

func countPlaceholders(q string, d Dialect) int {
	return len(placeholderRegex(d).FindAllStringIndex(q, -1))
}

func knownSet(names ...string) func(string) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(n string) bool { return set[n] }
}

func mustRebind(t *testing.T, d Dialect, q string, known ...string) (string, []string) {
	t.Helper()
	out, names, err := rebind(d, q, knownSet(known...), defaultConfig(d, Config{}))
	if err != nil {
		t.Fatalf("rebind(%s): unexpected error: %v", d, err)
	}
	return out, names
}

// --------------------------------
// Tests: placeholder rendering
// --------------------------------

// TestRebind_DuplicatedNames_AllDialects checks the per-dialect treatment
// of a name used twice: Postgres reuses the index, MySQL repeats the
// argument, named dialects keep the text and bind once.
func TestRebind_DuplicatedNames_AllDialects(t *testing.T) {
	const q = "SELECT * FROM t WHERE a = @x OR b = @x AND c = @y"
	tests := map[Dialect]struct {
		out   string
		names []string
	}{
		Postgres:  {"SELECT * FROM t WHERE a = $1 OR b = $1 AND c = $2", []string{"x", "y"}},
		MySQL:     {"SELECT * FROM t WHERE a = ? OR b = ? AND c = ?", []string{"x", "x", "y"}},
		SQLite:    {q, []string{"x", "y"}},
		SQLServer: {q, []string{"x", "y"}},
	}
	for _, dc := range allDialects() {
		t.Run(dc.name, func(t *testing.T) {
			out, names := mustRebind(t, dc.d, q, "x", "y")
			want := tests[dc.d]
			if out != want.out {
				t.Fatalf("out=%q, want %q", out, want.out)
			}
			if strings.Join(names, ",") != strings.Join(want.names, ",") {
				t.Fatalf("names=%v, want %v", names, want.names)
			}
		})
	}
}

// TestRebind_QuotesAndComments_AllDialects verifies binds inside quoted
// text and comments are left alone.
func TestRebind_QuotesAndComments_AllDialects(t *testing.T) {
	for _, dc := range allDialects() {
		t.Run(dc.name, func(t *testing.T) {
			q := "SELECT '@x', \"@x\", @x -- @x\n/* @x */ FROM t"
			out, names := mustRebind(t, dc.d, q, "x")
			if len(names) != 1 {
				t.Fatalf("names=%v, want one", names)
			}
			for _, keep := range []string{"'@x'", "\"@x\"", "-- @x\n", "/* @x */"} {
				if !strings.Contains(out, keep) {
					t.Fatalf("missing %q in %q", keep, out)
				}
			}
		})
	}
}

// TestRebind_UnknownAndSystemNames_AllDialects ensures @@vars, operators and
// undeclared names are copied through.
func TestRebind_UnknownAndSystemNames_AllDialects(t *testing.T) {
	for _, dc := range allDialects() {
		t.Run(dc.name, func(t *testing.T) {
			q := "SELECT @@ROWCOUNT, tags @> @tags, @other"
			out, names := mustRebind(t, dc.d, q, "tags")
			if len(names) != 1 || names[0] != "tags" {
				t.Fatalf("names=%v", names)
			}
			for _, keep := range []string{"@@ROWCOUNT", "@>", "@other"} {
				if !strings.Contains(out, keep) {
					t.Fatalf("missing %q in %q", keep, out)
				}
			}
		})
	}
}

// TestRebind_DialectQuoting checks identifier quoting that only some
// dialects know about.
func TestRebind_DialectQuoting(t *testing.T) {
	out, names := mustRebind(t, MySQL, "SELECT `@a`, @a # @a\n", "a")
	if out != "SELECT `@a`, ? # @a\n" || len(names) != 1 {
		t.Fatalf("mysql: out=%q names=%v", out, names)
	}
	out, names = mustRebind(t, Postgres, "SELECT $$ @a $$, $tag$ @a $tag$, @a", "a")
	if out != "SELECT $$ @a $$, $tag$ @a $tag$, $1" || len(names) != 1 {
		t.Fatalf("postgres: out=%q names=%v", out, names)
	}
	out, _ = mustRebind(t, SQLServer, "SELECT [@a], @a", "a")
	if out != "SELECT [@a], @a" {
		t.Fatalf("sqlserver: out=%q", out)
	}
}

// TestRebind_Backslash checks that only MySQL treats '\' as an escape
// inside string literals.
func TestRebind_Backslash(t *testing.T) {
	out, names := mustRebind(t, Postgres, `SELECT 'C:\', @a`, "a")
	if out != `SELECT 'C:\', $1` || len(names) != 1 {
		t.Fatalf("postgres: out=%q names=%v", out, names)
	}
	out, names = mustRebind(t, MySQL, `SELECT 'it\'s @a', @a`, "a")
	if out != `SELECT 'it\'s @a', ?` || len(names) != 1 {
		t.Fatalf("mysql: out=%q names=%v", out, names)
	}
}

// TestRebind_ManyPlaceholders_AllDialects counts rendered placeholders.
func TestRebind_ManyPlaceholders_AllDialects(t *testing.T) {
	var b strings.Builder
	var known []string
	b.WriteString("SELECT ")
	for i := 0; i < 300; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		name := subName("p", i)
		known = append(known, name)
		b.WriteString("@" + name)
	}
	for _, dc := range allDialects() {
		out, names := mustRebind(t, dc.d, b.String(), known...)
		if got := countPlaceholders(out, dc.d); got != 300 {
			t.Fatalf("[%s] placeholders=%d, want 300", dc.name, got)
		}
		if len(names) != 300 {
			t.Fatalf("[%s] names=%d, want 300", dc.name, len(names))
		}
	}
}

// --------------------------------
// Tests: limits
// --------------------------------

// TestLimits_MaxParams_Custom triggers ErrTooManyParams with a low limit.
func TestLimits_MaxParams_Custom(t *testing.T) {
	for _, dc := range allDialects() {
		_, _, err := rebind(dc.d, "SELECT @a, @b, @c", knownSet("a", "b", "c"), defaultConfig(dc.d, Config{MaxParams: 2}))
		if !errors.Is(err, ErrTooManyParams) {
			t.Fatalf("[%s] expected ErrTooManyParams, got: %v", dc.name, err)
		}
	}
}

// TestLimits_NameLen verifies the default MaxNameLen of 64.
func TestLimits_NameLen(t *testing.T) {
	long := strings.Repeat("a", 65)
	for _, dc := range allDialects() {
		_, _, err := rebind(dc.d, "SELECT @"+long, knownSet(long), defaultConfig(dc.d, Config{}))
		if !errors.Is(err, ErrParamNameTooLong) {
			t.Fatalf("[%s] expected ErrParamNameTooLong, got: %v", dc.name, err)
		}
	}
}

// TestLimits_Defaults_ByDialect pins the per-dialect defaults.
func TestLimits_Defaults_ByDialect(t *testing.T) {
	want := map[Dialect]int{Postgres: 65535, MySQL: 65535, SQLite: 999, SQLServer: 2100}
	for _, dc := range allDialects() {
		c := defaultConfig(dc.d, Config{})
		if c.MaxParams != want[dc.d] {
			t.Fatalf("[%s] MaxParams=%d, want %d", dc.name, c.MaxParams, want[dc.d])
		}
		if c.MaxNameLen != 64 || c.EmptySet != "NULL" {
			t.Fatalf("[%s] unexpected defaults %+v", dc.name, c)
		}
	}
	if c := defaultConfig(Postgres, Config{MaxParams: -1}); c.MaxParams != -1 {
		t.Fatalf("negative MaxParams must stay unlimited, got %d", c.MaxParams)
	}
}

// TestDialectString ensures Dialect.String() returns expected values.
func TestDialectString(t *testing.T) {
	for _, dc := range allDialects() {
		if got := dc.d.String(); got != dc.name {
			t.Fatalf("String()=%q, want %q", got, dc.name)
		}
	}
	if got := Dialect(99).String(); got != "unknown" {
		t.Fatalf("String()=%q, want unknown", got)
	}
}
