package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_UnknownIdentifier(t *testing.T) {
	env, err := NewEnv([]string{"a"}, nil, nil)
	require.NoError(t, err)

	_, err = env.Compile("a > 1 && b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")

	_, err = env.Compile("a > 1")
	require.NoError(t, err)
}

func TestProgram_Bool(t *testing.T) {
	env, err := NewEnv([]string{"name", "n"}, nil, nil)
	require.NoError(t, err)

	prg, err := env.Compile(`name != "" && n > 2`)
	require.NoError(t, err)

	s, err := NewScope(map[string]any{"name": "bob", "n": 3})
	require.NoError(t, err)
	ok, err := prg.Bool(s)
	require.NoError(t, err)
	assert.True(t, ok)

	s, err = NewScope(map[string]any{"name": "", "n": 3})
	require.NoError(t, err)
	ok, err = prg.Bool(s)
	require.NoError(t, err)
	assert.False(t, ok)

	notBool, err := env.Compile("n + 1")
	require.NoError(t, err)
	_, err = notBool.Bool(s)
	assert.True(t, errors.Is(err, ErrNotBool))
}

func TestProgram_ItemsKeepsNativeElementTypes(t *testing.T) {
	env, err := NewEnv([]string{"ids"}, nil, nil)
	require.NoError(t, err)
	prg, err := env.Compile("ids")
	require.NoError(t, err)

	s, err := NewScope(map[string]any{"ids": []int32{4, 5}})
	require.NoError(t, err)
	items, err := prg.Items(s)
	require.NoError(t, err)
	assert.Equal(t, []any{int32(4), int32(5)}, items)

	s, err = NewScope(map[string]any{"ids": nil})
	require.NoError(t, err)
	items, err = prg.Items(s)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestProgram_ItemsFromLiteral(t *testing.T) {
	env, err := NewEnv(nil, nil, nil)
	require.NoError(t, err)
	prg, err := env.Compile(`["a", "b"]`)
	require.NoError(t, err)

	s, err := NewScope(nil)
	require.NoError(t, err)
	items, err := prg.Items(s)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, items)

	scalar, err := env.Compile("1")
	require.NoError(t, err)
	_, err = scalar.Items(s)
	assert.True(t, errors.Is(err, ErrNotList))
}

func TestEnv_ExtendAndScope(t *testing.T) {
	env, err := NewEnv([]string{"xs"}, nil, nil)
	require.NoError(t, err)
	assert.False(t, env.Has("x"))

	child, err := env.Extend("x")
	require.NoError(t, err)
	assert.True(t, child.Has("x"))
	assert.True(t, child.Has("xs"))
	assert.False(t, env.Has("x"))

	prg, err := child.Compile("x * 2")
	require.NoError(t, err)

	root, err := NewScope(map[string]any{"xs": []int{1}})
	require.NoError(t, err)
	inner := root.With("x", 21)

	v, err := prg.Eval(inner)
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)

	got, ok := inner.Lookup("xs")
	require.True(t, ok)
	assert.Equal(t, []int{1}, got)
	_, ok = root.Lookup("x")
	assert.False(t, ok)
}

func TestNewEnv_Namespaces(t *testing.T) {
	qualified := map[string]Namespace{"cfg": {Vars: map[string]any{"limit": 10}}}
	static := []Namespace{{Vars: map[string]any{"prefix": "t_"}}}
	env, err := NewEnv(nil, qualified, static)
	require.NoError(t, err)
	assert.True(t, env.Has("cfg"))
	assert.True(t, env.Has("prefix"))

	prg, err := env.Compile(`prefix + string(cfg.limit)`)
	require.NoError(t, err)
	s, err := NewScope(map[string]any{
		"cfg":    map[string]any{"limit": 10},
		"prefix": "t_",
	})
	require.NoError(t, err)
	v, err := prg.Eval(s)
	require.NoError(t, err)
	assert.Equal(t, "t_10", v)
}
