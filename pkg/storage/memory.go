package storage

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

type memItem struct {
	key   string
	value []byte
}

func memLess(a, b memItem) bool { return a.key < b.key }

func newMemTree() *btree.BTreeG[memItem] {
	return btree.NewBTreeGOptions(memLess, btree.Options{NoLocks: true})
}

// MemoryStore is an ordered in-memory store backed by a B-tree. Nothing is
// persisted. Transactions run against a copy-on-write clone of the tree that
// replaces the live tree only when the callback succeeds.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[memItem]
	closed bool
}

var (
	_ Transactional = (*MemoryStore)(nil)
	_ Scanner       = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tree: newMemTree()}
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return memGet(m.tree, key)
}

func (m *MemoryStore) Put(key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tree.Set(memItem{key: string(key), value: clone(value)})
	return nil
}

func (m *MemoryStore) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tree.Delete(memItem{key: string(key)})
	return nil
}

func (m *MemoryStore) GetBulk(keys [][]byte) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if err := checkKey(key); err != nil {
			return nil, err
		}
		if item, ok := m.tree.Get(memItem{key: string(key)}); ok {
			out[item.key] = clone(item.value)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutBulk(entries map[string][]byte) error {
	for k := range entries {
		if k == "" {
			return ErrInvalidKey
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k, v := range entries {
		m.tree.Set(memItem{key: k, value: clone(v)})
	}
	return nil
}

// Update runs fn against a private copy of the tree and publishes it on
// success. Writers are serialised.
func (m *MemoryStore) Update(fn func(txn Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	work := m.tree.Copy()
	if err := fn(memTxn{tree: work}); err != nil {
		return err
	}
	m.tree = work
	return nil
}

// Scan iterates over a point-in-time snapshot, so fn may call back into the
// store.
func (m *MemoryStore) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	snap := m.tree.Copy()
	m.mu.Unlock()

	var err error
	p := string(prefix)
	snap.Ascend(memItem{key: p}, func(item memItem) bool {
		if !strings.HasPrefix(item.key, p) {
			return false
		}
		if err = ctx.Err(); err != nil {
			return false
		}
		err = fn([]byte(item.key), clone(item.value))
		return err == nil
	})
	if errors.Is(err, ErrIterationStopped) {
		return nil
	}
	return err
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Close drops all data.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.tree = newMemTree()
	return nil
}

func memGet(tree *btree.BTreeG[memItem], key []byte) ([]byte, error) {
	item, ok := tree.Get(memItem{key: string(key)})
	if !ok {
		return nil, ErrNotFound
	}
	return clone(item.value), nil
}

type memTxn struct {
	tree *btree.BTreeG[memItem]
}

func (t memTxn) Get(key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return memGet(t.tree, key)
}

func (t memTxn) Put(key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	t.tree.Set(memItem{key: string(key), value: clone(value)})
	return nil
}

func (t memTxn) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	t.tree.Delete(memItem{key: string(key)})
	return nil
}
