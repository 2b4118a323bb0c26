package keystore

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/spacemeshos/go-merklesync/sync2/types"
)

const memStoreDegree = 32

// MemStore is an in-memory KeyStore backed by a B-tree.
type MemStore struct {
	mtx sync.RWMutex
	t   *btree.BTreeG[types.Key]
}

var _ KeyStore = &MemStore{}

// NewMemStore creates a new MemStore containing the specified keys.
func NewMemStore(keys ...types.Key) *MemStore {
	s := &MemStore{
		t: btree.NewG(memStoreDegree, func(a, b types.Key) bool {
			return a.Compare(b) < 0
		}),
	}
	for _, k := range keys {
		s.t.ReplaceOrInsert(k)
	}
	return s
}

// Add implements KeyStore.
func (s *MemStore) Add(k types.Key) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, found := s.t.ReplaceOrInsert(k); found {
		return fmt.Errorf("%w: %s", ErrKeyExists, k)
	}
	return nil
}

// Remove implements KeyStore.
func (s *MemStore) Remove(k types.Key) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, found := s.t.Delete(k); !found {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, k)
	}
	return nil
}

// Has implements KeyStore.
func (s *MemStore) Has(k types.Key) (bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.t.Has(k), nil
}

// Range implements KeyStore.
func (s *MemStore) Range(x, y types.Key, limit int) ([]types.Key, error) {
	if x.Compare(y) > 0 {
		panic("BUG: MemStore.Range: x > y")
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var r []types.Key
	s.t.AscendGreaterOrEqual(x, func(k types.Key) bool {
		if k.Compare(y) > 0 || (limit >= 0 && len(r) >= limit) {
			return false
		}
		r = append(r, k)
		return true
	})
	return r, nil
}

// Count implements KeyStore.
func (s *MemStore) Count() (int, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.t.Len(), nil
}
