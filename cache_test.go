package sqlacc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var mapType = reflect.TypeFor[map[string]any]()

// countingBuild returns a build function that counts its invocations.
func countingBuild(r *Registry, t reflect.Type, n *atomic.Int64) func(Shape) (*rowMapper, error) {
	return func(s Shape) (*rowMapper, error) {
		n.Add(1)
		return buildMapper(r, t, s)
	}
}

// --------------------------------
// Tests: global cache
// --------------------------------

func TestGlobalCache_HitAfterMiss(t *testing.T) {
	g := NewGlobalCache()
	r := NewRegistry()
	var builds atomic.Int64
	build := countingBuild(r, mapType, &builds)

	m1, hit, err := g.lookup(mapType, cols("id", "name"), build)
	require.NoError(t, err)
	assert.False(t, hit)

	m2, hit, err := g.lookup(mapType, cols("id", "name"), build)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, m1, m2)
	assert.Equal(t, int64(1), builds.Load())

	_, hit, err = g.lookup(reflect.TypeFor[scoreRow](), cols("id", "name"), func(s Shape) (*rowMapper, error) {
		return buildMapper(r, reflect.TypeFor[scoreRow](), s)
	})
	require.NoError(t, err)
	assert.False(t, hit, "target type is part of the key")
	assert.Equal(t, 2, g.Stats().Count)
}

func TestGlobalCache_FoldsColumnNames(t *testing.T) {
	g := NewGlobalCache()
	var builds atomic.Int64
	build := countingBuild(NewRegistry(), mapType, &builds)

	_, _, err := g.lookup(mapType, cols("ID"), build)
	require.NoError(t, err)
	_, hit, err := g.lookup(mapType, cols("id"), build)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, g.Stats().Count)
}

func TestGlobalCache_ColumnTypesAreKey(t *testing.T) {
	g := NewGlobalCache()
	var builds atomic.Int64
	build := countingBuild(NewRegistry(), mapType, &builds)

	a := Shape{{Name: "v", Type: reflect.TypeFor[int64]()}}
	b := Shape{{Name: "v", Type: reflect.TypeFor[string]()}}
	_, _, err := g.lookup(mapType, a, build)
	require.NoError(t, err)
	_, hit, err := g.lookup(mapType, b, build)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int64(2), builds.Load())
}

func TestGlobalCache_OwnsShape(t *testing.T) {
	g := NewGlobalCache()
	var builds atomic.Int64
	shape := cols("a", "b")
	_, _, err := g.lookup(mapType, shape, countingBuild(NewRegistry(), mapType, &builds))
	require.NoError(t, err)

	shape[0].Name = "changed"
	_, hit, err := g.lookup(mapType, cols("a", "b"), countingBuild(NewRegistry(), mapType, &builds))
	require.NoError(t, err)
	assert.True(t, hit, "caller buffers must not alias cached shapes")
}

func TestGlobalCache_Resize(t *testing.T) {
	g := NewGlobalCache()
	var builds atomic.Int64
	build := countingBuild(NewRegistry(), mapType, &builds)

	assert.Equal(t, 16, g.Stats().Width)
	for i := 0; i < 49; i++ {
		_, _, err := g.lookup(mapType, cols(fmt.Sprintf("c%d", i)), build)
		require.NoError(t, err)
	}
	s := g.Stats()
	assert.Equal(t, 49, s.Count)
	assert.Equal(t, 32, s.Width)
	assert.GreaterOrEqual(t, s.Depth, 1)

	for i := 0; i < 49; i++ {
		_, hit, err := g.lookup(mapType, cols(fmt.Sprintf("c%d", i)), build)
		require.NoError(t, err)
		require.True(t, hit, "entry %d lost across resize", i)
	}
	assert.Equal(t, int64(49), builds.Load())
}

func TestGlobalCache_ErrorsAreNotCached(t *testing.T) {
	g := NewGlobalCache()
	boom := errors.New("boom")
	calls := 0
	build := func(Shape) (*rowMapper, error) {
		calls++
		return nil, boom
	}
	for i := 0; i < 2; i++ {
		_, _, err := g.lookup(mapType, cols("x"), build)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 2, calls)
	assert.Zero(t, g.Stats().Count)
}

func TestGlobalCache_Clear(t *testing.T) {
	g := NewGlobalCache()
	var builds atomic.Int64
	build := countingBuild(NewRegistry(), mapType, &builds)
	for i := 0; i < 60; i++ {
		_, _, err := g.lookup(mapType, cols(fmt.Sprintf("c%d", i)), build)
		require.NoError(t, err)
	}
	g.Clear()
	assert.Equal(t, CacheStats{Count: 0, Width: 16, Depth: 0}, g.Stats())

	_, hit, err := g.lookup(mapType, cols("c0"), build)
	require.NoError(t, err)
	assert.False(t, hit)
}

// TestGlobalCache_Concurrent hammers three shapes from many goroutines and
// expects exactly one build per shape.
func TestGlobalCache_Concurrent(t *testing.T) {
	g := NewGlobalCache()
	var builds atomic.Int64
	build := countingBuild(NewRegistry(), mapType, &builds)
	shapes := []Shape{cols("a"), cols("a", "b"), cols("a", "b", "c")}

	var eg errgroup.Group
	for _, s := range shapes {
		for i := 0; i < 50; i++ {
			eg.Go(func() error {
				m, _, err := g.lookup(mapType, s, build)
				if err != nil {
					return err
				}
				if m == nil {
					return errors.New("nil mapper")
				}
				return nil
			})
		}
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, 3, g.Stats().Count)
	assert.Equal(t, int64(3), builds.Load())
}

// --------------------------------
// Tests: per-site cache
// --------------------------------

func TestQueryInfo_ExactNames(t *testing.T) {
	q := newQueryInfo(false)
	var builds atomic.Int64
	build := countingBuild(NewRegistry(), mapType, &builds)

	_, hit, err := q.lookup(mapType, cols("ID"), build)
	require.NoError(t, err)
	assert.False(t, hit)
	_, hit, err = q.lookup(mapType, cols("id"), build)
	require.NoError(t, err)
	assert.False(t, hit)
	_, hit, err = q.lookup(mapType, cols("id"), build)
	require.NoError(t, err)
	assert.True(t, hit)

	assert.Equal(t, CacheStats{Count: 2, Width: 1, Depth: 2}, q.Stats())
}

func TestQueryInfo_OptimizedSlot(t *testing.T) {
	q := newQueryInfo(true)
	require.True(t, q.Optimized())
	var builds atomic.Int64
	build := countingBuild(NewRegistry(), mapType, &builds)

	m1, _, err := q.lookup(mapType, cols("a"), build)
	require.NoError(t, err)
	assert.Same(t, m1, q.slot.Load().mapper)
	assert.Nil(t, q.head.Load())

	// a different shape falls back to the list
	m2, hit, err := q.lookup(mapType, cols("b"), build)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NotSame(t, m1, m2)
	require.NotNil(t, q.head.Load())

	got, hit, err := q.lookup(mapType, cols("a"), build)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, m1, got)
	assert.Equal(t, 2, q.Stats().Count)

	q.Clear()
	assert.Nil(t, q.slot.Load())
	assert.Zero(t, q.Stats().Count)
}

// TestQueryInfo_Converges checks that concurrent misses publish one mapper
// that every caller ends up using.
func TestQueryInfo_Converges(t *testing.T) {
	for _, optimize := range []bool{false, true} {
		t.Run(fmt.Sprint("optimize=", optimize), func(t *testing.T) {
			q := newQueryInfo(optimize)
			var builds atomic.Int64
			build := countingBuild(NewRegistry(), mapType, &builds)

			got := make([]*rowMapper, 64)
			var eg errgroup.Group
			for i := range got {
				eg.Go(func() error {
					m, _, err := q.lookup(mapType, cols("id", "name"), build)
					got[i] = m
					return err
				})
			}
			require.NoError(t, eg.Wait())

			for _, m := range got {
				assert.Same(t, got[0], m)
			}
			assert.Equal(t, 1, q.Stats().Count)
			assert.GreaterOrEqual(t, builds.Load(), int64(1))
		})
	}
}

// TestQueryInfo_ConcurrentShapes hammers three shapes from many goroutines.
// Each shape ends up cached once and every caller of a shape sees the same
// published mapper.
func TestQueryInfo_ConcurrentShapes(t *testing.T) {
	for _, optimize := range []bool{false, true} {
		t.Run(fmt.Sprint("optimize=", optimize), func(t *testing.T) {
			q := newQueryInfo(optimize)
			var builds atomic.Int64
			build := countingBuild(NewRegistry(), mapType, &builds)
			shapes := []Shape{cols("a"), cols("a", "b"), cols("a", "b", "c")}

			got := make([][]*rowMapper, len(shapes))
			var eg errgroup.Group
			for si, s := range shapes {
				got[si] = make([]*rowMapper, 50)
				for i := range got[si] {
					eg.Go(func() error {
						m, _, err := q.lookup(mapType, s, build)
						got[si][i] = m
						return err
					})
				}
			}
			require.NoError(t, eg.Wait())

			for si := range shapes {
				require.NotNil(t, got[si][0])
				for _, m := range got[si] {
					assert.Same(t, got[si][0], m)
				}
			}
			assert.NotSame(t, got[0][0], got[1][0])
			assert.Equal(t, 3, q.Stats().Count)
			assert.GreaterOrEqual(t, builds.Load(), int64(3))
		})
	}
}

func TestQueryInfo_BuildError(t *testing.T) {
	q := newQueryInfo(false)
	_, _, err := q.lookup(reflect.TypeFor[scoreRow](), cols("x"), func(s Shape) (*rowMapper, error) {
		return buildMapper(NewRegistry(), reflect.TypeFor[scoreRow](), s)
	})
	assert.ErrorIs(t, err, ErrUnmappable)
	assert.Zero(t, q.Stats().Count)
}

// --------------------------------
// Tests: engine wiring
// --------------------------------

func TestEngine_ClearCaches(t *testing.T) {
	e := New(SQLite)
	m := mustPrepare(t, e, MethodSpec{Name: "m", Template: "SELECT 1", Optimize: true})
	require.True(t, m.Info().Optimized())

	_, err := m.siteLookup(context.Background())(mapType, cols("a"))
	require.NoError(t, err)
	_, err = MapperFor[map[string]any](e, cols("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Info().Stats().Count)
	assert.Equal(t, 1, e.Global().Stats().Count)

	e.ClearCaches()
	assert.Zero(t, m.Info().Stats().Count)
	assert.Zero(t, e.Global().Stats().Count)
}

func TestEngine_OptimizeConfig(t *testing.T) {
	e := New(SQLite, WithConfig(Config{Optimize: true}))
	m := mustPrepare(t, e, MethodSpec{Name: "m", Template: "SELECT 1"})
	assert.True(t, m.Info().Optimized())

	m = mustPrepare(t, New(SQLite), MethodSpec{Name: "m", Template: "SELECT 1"})
	assert.False(t, m.Info().Optimized())
}

// --------------------------------
// Tests: name folding
// --------------------------------

func TestFoldName(t *testing.T) {
	assert.Equal(t, "user_id", foldName("user_id"))
	assert.Equal(t, "user_id", foldName("User_ID"))
	assert.Equal(t, foldName("ÀB"), foldName("àb"))
	assert.True(t, foldEqual("ÉCOLE", "école"))
	assert.True(t, foldEqual("Id", "iD"))
	assert.False(t, foldEqual("id", "ids"))
	assert.True(t, foldEqualShape(cols("A", "b"), cols("a", "B")))
	assert.False(t, foldEqualShape(cols("a"), cols("a", "b")))
}
