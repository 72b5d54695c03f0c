package sqlacc

import (
	"hash/maphash"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const (
	globalInitialBuckets = 16
	globalLoadFactor     = 3 // average chain length that triggers a resize
)

// CacheStats is a snapshot of a mapper cache.
type CacheStats struct {
	Count int // entries
	Width int // buckets (1 for per-site caches)
	Depth int // longest chain
}

// GlobalCache maps (target type, result shape) to a mapper. It serves
// callers that have no call site of their own (ScanRows, MapperFor).
// Lookups are lock-free; inserts and resizes serialize on a mutex and
// publish with atomic stores. Column names compare case-insensitively.
type GlobalCache struct {
	mu    sync.Mutex
	table atomic.Pointer[globalTable]
	seed  maphash.Seed
}

type globalTable struct {
	buckets []atomic.Pointer[globalEntry]
	mask    uint64
	count   atomic.Int64
}

type globalEntry struct {
	hash   uint64
	target reflect.Type
	shape  Shape
	mapper *rowMapper
	next   *globalEntry
}

// NewGlobalCache returns an empty cache.
func NewGlobalCache() *GlobalCache {
	g := &GlobalCache{seed: maphash.MakeSeed()}
	g.table.Store(newGlobalTable(globalInitialBuckets))
	return g
}

func newGlobalTable(n int) *globalTable {
	return &globalTable{buckets: make([]atomic.Pointer[globalEntry], n), mask: uint64(n - 1)}
}

func (g *GlobalCache) hash(t reflect.Type, shape Shape) uint64 {
	var h maphash.Hash
	h.SetSeed(g.seed)
	maphash.WriteComparable(&h, t)
	for _, c := range shape {
		h.WriteString(foldName(c.Name))
		h.WriteByte(0)
		maphash.WriteComparable(&h, c.Type)
	}
	return h.Sum64()
}

func (t *globalTable) find(hash uint64, target reflect.Type, shape Shape) *globalEntry {
	for e := t.buckets[hash&t.mask].Load(); e != nil; e = e.next {
		if e.hash == hash && e.target == target && foldEqualShape(e.shape, shape) {
			return e
		}
	}
	return nil
}

// lookup returns the mapper for (target, shape), building and inserting it
// on a miss. The build runs under the cache lock.
func (g *GlobalCache) lookup(target reflect.Type, shape Shape, build func(Shape) (*rowMapper, error)) (*rowMapper, bool, error) {
	h := g.hash(target, shape)
	if e := g.table.Load().find(h, target, shape); e != nil {
		return e.mapper, true, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.table.Load()
	if e := t.find(h, target, shape); e != nil {
		return e.mapper, true, nil
	}
	owned := append(Shape(nil), shape...)
	m, err := build(owned)
	if err != nil {
		return nil, false, err
	}
	if t.count.Load()+1 > int64(len(t.buckets))*globalLoadFactor {
		t = g.grow(t)
	}
	b := &t.buckets[h&t.mask]
	b.Store(&globalEntry{hash: h, target: target, shape: owned, mapper: m, next: b.Load()})
	t.count.Add(1)
	return m, false, nil
}

// grow doubles the bucket array. Entries are copied so readers still on the
// old table keep consistent chains. Caller holds g.mu.
func (g *GlobalCache) grow(old *globalTable) *globalTable {
	t := newGlobalTable(len(old.buckets) * 2)
	for i := range old.buckets {
		for e := old.buckets[i].Load(); e != nil; e = e.next {
			b := &t.buckets[e.hash&t.mask]
			cp := *e
			cp.next = b.Load()
			b.Store(&cp)
		}
	}
	t.count.Store(old.count.Load())
	g.table.Store(t)
	return t
}

// Stats reports the entry count, bucket count and longest chain.
func (g *GlobalCache) Stats() CacheStats {
	t := g.table.Load()
	s := CacheStats{Count: int(t.count.Load()), Width: len(t.buckets)}
	for i := range t.buckets {
		d := 0
		for e := t.buckets[i].Load(); e != nil; e = e.next {
			d++
		}
		s.Depth = max(s.Depth, d)
	}
	return s
}

// Clear drops every entry.
func (g *GlobalCache) Clear() {
	g.mu.Lock()
	g.table.Store(newGlobalTable(globalInitialBuckets))
	g.mu.Unlock()
}

func foldEqualShape(a, b Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || !foldEqual(a[i].Name, b[i].Name) {
			return false
		}
	}
	return true
}

// foldName returns the case-folded form of a column or field name.
// ASCII names take a fast path; the Caser is not safe for concurrent use so
// each call makes its own.
func foldName(s string) string {
	ascii, upper := true, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= utf8.RuneSelf {
			ascii = false
			break
		}
		upper = upper || ('A' <= c && c <= 'Z')
	}
	if ascii {
		if !upper {
			return s
		}
		return strings.ToLower(s)
	}
	return cases.Fold().String(s)
}

func foldEqual(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) == len(b) && isASCII(a) && isASCII(b) {
		return strings.EqualFold(a, b)
	}
	return foldName(a) == foldName(b)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
