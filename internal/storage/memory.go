package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

type memItem struct {
	key   []byte
	value []byte
}

func memLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memoryBackend keeps keys in a copy-on-write btree. Scans iterate a
// snapshot clone so fn may write to the store without deadlocking.
type memoryBackend struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[memItem]
	closed bool
}

// NewMemory returns an empty in-memory backend.
func NewMemory() Backend {
	return &memoryBackend{
		tree: btree.NewG[memItem](32, memLess),
	}
}

func (m *memoryBackend) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	item, ok := m.tree.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(item.value), nil
}

func (m *memoryBackend) Scan(lower, upper []byte, fn func(key, value []byte) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	snapshot := m.tree.Clone()
	m.mu.RUnlock()

	iter := func(item memItem) bool {
		return fn(item.key, item.value)
	}
	switch {
	case lower == nil && upper == nil:
		snapshot.Ascend(iter)
	case upper == nil:
		snapshot.AscendGreaterOrEqual(memItem{key: lower}, iter)
	case lower == nil:
		snapshot.AscendLessThan(memItem{key: upper}, iter)
	default:
		snapshot.AscendRange(memItem{key: lower}, memItem{key: upper}, iter)
	}
	return nil
}

func (m *memoryBackend) Apply(ops []Op, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, op := range ops {
		if op.Delete {
			m.tree.Delete(memItem{key: op.Key})
			continue
		}
		m.tree.ReplaceOrInsert(memItem{key: bytes.Clone(op.Key), value: bytes.Clone(op.Value)})
	}
	return nil
}

func (m *memoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tree.Clear(false)
	return nil
}

// NewMemoryStore returns a Store over a fresh in-memory backend.
func NewMemoryStore() *Store {
	return New(NewMemory(), Options{Name: BackendMemory})
}
