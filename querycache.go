package sqlacc

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// QueryInfo is the per-method mapper cache. In optimized mode it holds a
// single slot for a shape-stable method; otherwise an append-only list of
// (type, shape) entries. Readers never lock. Column names compare exactly.
type QueryInfo struct {
	optimize bool

	mu   sync.Mutex
	slot atomic.Pointer[siteEntry]
	head atomic.Pointer[siteEntry]
	n    atomic.Int64
}

type siteEntry struct {
	target reflect.Type
	shape  Shape
	mapper *rowMapper
	next   *siteEntry
}

func newQueryInfo(optimize bool) *QueryInfo {
	return &QueryInfo{optimize: optimize}
}

func (e *siteEntry) matches(target reflect.Type, shape Shape) bool {
	if e.target != target || len(e.shape) != len(shape) {
		return false
	}
	for i := range shape {
		if e.shape[i] != shape[i] {
			return false
		}
	}
	return true
}

func (q *QueryInfo) find(target reflect.Type, shape Shape) *siteEntry {
	if q.optimize {
		if e := q.slot.Load(); e != nil && e.matches(target, shape) {
			return e
		}
	}
	for e := q.head.Load(); e != nil; e = e.next {
		if e.matches(target, shape) {
			return e
		}
	}
	return nil
}

// lookup returns the mapper for (target, shape). On a miss it re-checks
// under the lock, builds outside it, then re-checks before publishing, so
// concurrent misses may build twice but publish once.
func (q *QueryInfo) lookup(target reflect.Type, shape Shape, build func(Shape) (*rowMapper, error)) (*rowMapper, bool, error) {
	if e := q.find(target, shape); e != nil {
		return e.mapper, true, nil
	}

	q.mu.Lock()
	e := q.find(target, shape)
	q.mu.Unlock()
	if e != nil {
		return e.mapper, true, nil
	}

	owned := append(Shape(nil), shape...)
	m, err := build(owned)
	if err != nil {
		return nil, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.find(target, shape); e != nil {
		return e.mapper, true, nil
	}
	ne := &siteEntry{target: target, shape: owned, mapper: m}
	if q.optimize && q.slot.Load() == nil {
		q.slot.Store(ne)
	} else {
		ne.next = q.head.Load()
		q.head.Store(ne)
	}
	q.n.Add(1)
	return m, false, nil
}

// Optimized reports whether the cache runs in single-slot mode.
func (q *QueryInfo) Optimized() bool { return q.optimize }

// Stats reports the number of cached mappers.
func (q *QueryInfo) Stats() CacheStats {
	s := CacheStats{Count: int(q.n.Load()), Width: 1}
	for e := q.head.Load(); e != nil; e = e.next {
		s.Depth++
	}
	if q.slot.Load() != nil {
		s.Depth++
	}
	return s
}

// Clear drops every cached mapper.
func (q *QueryInfo) Clear() {
	q.mu.Lock()
	q.slot.Store(nil)
	q.head.Store(nil)
	q.n.Store(0)
	q.mu.Unlock()
}
