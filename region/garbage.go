package region

import (
	"bytes"
	"sort"
	"sync"

	"cabbageSI/storage"
)

const maxGarbageRows = 4096

// garbageRows are rows a scan found rolled-back versions in. Compaction visits them first.
type garbageRows struct {
	mu   sync.Mutex
	rows map[string]struct{}
}

func newGarbageRows() *garbageRows {
	return &garbageRows{rows: make(map[string]struct{})}
}

// note returns false once the set is full or already holds row.
func (g *garbageRows) note(row []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rows[string(row)]; ok || len(g.rows) >= maxGarbageRows {
		return false
	}
	g.rows[string(row)] = struct{}{}
	return true
}

func (g *garbageRows) forget(row []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rows, string(row))
}

func (g *garbageRows) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rows)
}

// within returns the noted rows inside rng in key order.
func (g *garbageRows) within(rng storage.ScanRange) [][]byte {
	g.mu.Lock()
	var rows [][]byte
	for k := range g.rows {
		key := []byte(k)
		if rng.Start != nil && bytes.Compare(key, rng.Start) < 0 {
			continue
		}
		if rng.End != nil && bytes.Compare(key, rng.End) >= 0 {
			continue
		}
		rows = append(rows, key)
	}
	g.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return bytes.Compare(rows[i], rows[j]) < 0 })
	return rows
}
