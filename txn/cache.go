package txn

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"
)

const DefaultCacheSize = 4096

// recordCache holds terminal records only: they never change again, so they never expire.
// ACTIVE records are always read from the RecordStore.
type recordCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newRecordCache(size int) *recordCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &recordCache{cache: lru.New(size)}
}

func (c *recordCache) get(id Timestamp) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Record).Clone(), true
}

func (c *recordCache) add(rec *Record) {
	if !rec.State.Terminal() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(rec.ID, rec.Clone())
}

func (c *recordCache) remove(id Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(id)
}

func (c *recordCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// IgnoreRange is an inclusive range of transaction ids whose writes are never visible.
type IgnoreRange struct {
	Start Timestamp
	End   Timestamp
}

// "start-end" or "id"
func ParseIgnoreRanges(specs []string) ([]IgnoreRange, error) {
	ranges := make([]IgnoreRange, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		lo, hi, found := strings.Cut(spec, "-")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "ignore range %q", spec)
		}
		end := start
		if found {
			if end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 64); err != nil {
				return nil, errors.Wrapf(err, "ignore range %q", spec)
			}
		}
		if start == 0 || end < start {
			return nil, errors.Errorf("ignore range %q is empty", spec)
		}
		ranges = append(ranges, IgnoreRange{Start: Timestamp(start), End: Timestamp(end)})
	}
	return ranges, nil
}

// IgnoreList answers "is this writer known to be invisible to everyone": configured ranges
// plus ids learned at run time (rolled back, foreign namespace).
type IgnoreList struct {
	ranges []IgnoreRange

	mu      sync.Mutex
	learned *lru.Cache
}

func NewIgnoreList(ranges []IgnoreRange, capacity int) *IgnoreList {
	sorted := append([]IgnoreRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &IgnoreList{ranges: sorted, learned: lru.New(capacity)}
}

func (l *IgnoreList) Range(id Timestamp) (IgnoreRange, bool) {
	for _, r := range l.ranges {
		if r.Start > id {
			break
		}
		if r.End >= id {
			return r, true
		}
	}
	return IgnoreRange{}, false
}

func (l *IgnoreList) Contains(id Timestamp) bool {
	if _, ok := l.Range(id); ok {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.learned.Get(id)
	return ok
}

// Learn records id as invisible to everyone. rolledBack tells a rolled-back writer, whose
// versions are garbage, from a foreign one whose versions belong to someone else.
func (l *IgnoreList) Learn(id Timestamp, rolledBack bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.learned.Add(id, rolledBack)
}

// RolledBack reports whether id was learned as rolled back.
func (l *IgnoreList) RolledBack(id Timestamp) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.learned.Get(id)
	return ok && v.(bool)
}
