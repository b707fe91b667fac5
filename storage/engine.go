package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"cabbageSI/bitcask"
	"cabbageSI/util"
)

// Engine is the raw sorted key/value store. Scan is [from, to); a nil to is unbounded.
// Get returns nil for a missing key.
type Engine interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Scan(from, to []byte) ([]*bitcask.ByteMap, error)
	ScanPrefix(prefix []byte) ([]*bitcask.ByteMap, error)
	Status() (*bitcask.Status, error)
	Flush() error
	Close() error
}

var _ Engine = (*bitcask.BitCask)(nil)
var _ Engine = (*MemEngine)(nil)

type memItem struct {
	key   []byte
	value []byte
}

func (it *memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(*memItem).key) < 0
}

// MemEngine keeps everything in a btree. Nothing survives the process.
type MemEngine struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

func NewMemEngine() *MemEngine {
	return &MemEngine{tree: btree.New(16)}
}

func (m *MemEngine) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := m.tree.Get(&memItem{key: key})
	if found == nil {
		return nil, nil
	}
	return append([]byte{}, found.(*memItem).value...), nil
}

func (m *MemEngine) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(&memItem{
		key:   append([]byte(nil), key...),
		value: append([]byte{}, value...),
	})
	return nil
}

func (m *MemEngine) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Delete(&memItem{key: key})
	return nil
}

func (m *MemEngine) Scan(from, to []byte) ([]*bitcask.ByteMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*bitcask.ByteMap{}
	visit := func(i btree.Item) bool {
		it := i.(*memItem)
		out = append(out, &bitcask.ByteMap{Key: it.key, Value: append([]byte{}, it.value...)})
		return true
	}
	if to == nil {
		m.tree.AscendGreaterOrEqual(&memItem{key: from}, visit)
	} else {
		m.tree.AscendRange(&memItem{key: from}, &memItem{key: to}, visit)
	}
	return out, nil
}

func (m *MemEngine) ScanPrefix(prefix []byte) ([]*bitcask.ByteMap, error) {
	return m.Scan(prefix, util.PrefixEnd(prefix))
}

func (m *MemEngine) Status() (*bitcask.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	size := uint64(0)
	m.tree.Ascend(func(i btree.Item) bool {
		it := i.(*memItem)
		size += uint64(len(it.key) + len(it.value))
		return true
	})
	return &bitcask.Status{
		Name: "memory",
		Keys: uint64(m.tree.Len()),
		Size: size,
	}, nil
}

func (m *MemEngine) Flush() error { return nil }

func (m *MemEngine) Close() error { return nil }

