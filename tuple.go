package sqlacc

import (
	"reflect"
)

// Tuple2 is a two-slot result: each row is split across First and Second.
// A slot whose columns are all null is left nil (pointer slots) or zero.
type Tuple2[A, B any] struct {
	First  A
	Second B
}

// Tuple3 is a three-slot result.
type Tuple3[A, B, C any] struct {
	First  A
	Second B
	Third  C
}

// Tuple4 is a four-slot result.
type Tuple4[A, B, C, D any] struct {
	First  A
	Second B
	Third  C
	Fourth D
}

func (Tuple2[A, B]) arity() int       { return 2 }
func (Tuple3[A, B, C]) arity() int    { return 3 }
func (Tuple4[A, B, C, D]) arity() int { return 4 }

type tupleKind interface{ arity() int }

var tupleIface = reflect.TypeFor[tupleKind]()

func isTuple(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && t.Implements(tupleIface)
}

// slotMatcher decides which columns a tuple slot can take.
type slotMatcher struct {
	scalar bool
	used   bool            // scalar slots take one column
	set    *fieldSet       // struct slots
	ctor   *constructor    // struct slots with a registered constructor
	taken  map[string]bool // struct members already assigned
}

func newSlotMatcher(r *Registry, t reflect.Type) *slotMatcher {
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if isScalar(r, base) || base.Kind() != reflect.Struct {
		return &slotMatcher{scalar: true}
	}
	return &slotMatcher{set: fieldIndexMap(base), ctor: r.ctorFor(base), taken: map[string]bool{}}
}

// take claims name if the slot has an unassigned member matching it.
func (m *slotMatcher) take(name string) bool {
	if m.scalar {
		if m.used {
			return false
		}
		m.used = true
		return true
	}
	key := foldName(name)
	if m.taken[key] {
		return false
	}
	if _, ok := m.set.lookupFold(name); !ok && !m.ctorHas(name) {
		return false
	}
	m.taken[key] = true
	return true
}

func (m *slotMatcher) ctorHas(name string) bool {
	if m.ctor == nil {
		return false
	}
	for _, n := range m.ctor.names {
		if foldEqual(n, name) {
			return true
		}
	}
	return false
}

// buildTuple partitions columns across the tuple's slots left to right: a
// column goes to the current slot while it has an unassigned matching
// member, otherwise to the next slot that has one. Columns no slot wants
// are ignored.
func buildTuple(r *Registry, t reflect.Type, shape Shape) (fillFunc, error) {
	n := reflect.Zero(t).Interface().(tupleKind).arity()
	matchers := make([]*slotMatcher, n)
	for i := range matchers {
		matchers[i] = newSlotMatcher(r, t.Field(i).Type)
	}
	slotCols := make([][]int, n)
	cur, assigned := 0, 0
	for c, col := range shape {
		for s := cur; s < n; s++ {
			if matchers[s].take(col.Name) {
				slotCols[s] = append(slotCols[s], c)
				cur = s
				assigned++
				break
			}
		}
	}
	if assigned == 0 {
		return nil, ErrUnmappable
	}

	fills := make([]fillFunc, n)
	for i := range fills {
		if len(slotCols[i]) == 0 {
			continue
		}
		fill, _, err := buildFill(r, t.Field(i).Type, shape, slotCols[i])
		if err != nil {
			return nil, err
		}
		fills[i] = fill
	}
	return func(vals []any, dst reflect.Value) error {
		for i, fill := range fills {
			if fill == nil || allNull(vals, slotCols[i]) {
				continue
			}
			if err := fill(vals, dst.Field(i)); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func allNull(vals []any, cols []int) bool {
	for _, c := range cols {
		if vals[c] != nil {
			return false
		}
	}
	return true
}
