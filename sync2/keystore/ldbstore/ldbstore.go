// Package ldbstore implements a KeyStore on top of LevelDB.
package ldbstore

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-merklesync/database"
	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

var keyPrefix = []byte("k/")

func dbKey(k types.Key) []byte {
	return append(append(make([]byte, 0, len(keyPrefix)+types.KeySize), keyPrefix...), k[:]...)
}

// Store is a KeyStore backed by LevelDB.
type Store struct {
	mtx    sync.Mutex
	db     database.Database
	count  int
	logger *zap.Logger
}

var (
	_ keystore.KeyStore   = &Store{}
	_ keystore.BatchAdder = &Store{}
)

// Opt configures the Store.
type Opt func(*Store)

// WithLogger specifies the logger for the Store.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store using the specified database.
// The existing keys are counted upon creation.
func New(db database.Database, opts ...Opt) (*Store, error) {
	s := &Store{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	it := s.find(types.ZeroKey, types.MaxKey)
	defer it.Release()
	for it.Next() {
		s.count++
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("count keys: %w", err)
	}
	s.logger.Debug("opened leveldb key store", zap.Int("count", s.count))
	return s, nil
}

func (s *Store) find(x, y types.Key) database.Iterator {
	var limit []byte
	if next, overflow := y.Inc(); overflow {
		limit = []byte{keyPrefix[0], keyPrefix[1] + 1}
	} else {
		limit = dbKey(next)
	}
	return s.db.Find(dbKey(x), limit)
}

// Add implements keystore.KeyStore.
func (s *Store) Add(k types.Key) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	has, err := s.db.Has(dbKey(k))
	switch {
	case err != nil:
		return fmt.Errorf("add %s: %w", k, err)
	case has:
		return fmt.Errorf("%w: %s", keystore.ErrKeyExists, k)
	}
	if err := s.db.Put(dbKey(k), nil); err != nil {
		return fmt.Errorf("add %s: %w", k, err)
	}
	s.count++
	return nil
}

// Remove implements keystore.KeyStore.
func (s *Store) Remove(k types.Key) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	has, err := s.db.Has(dbKey(k))
	switch {
	case err != nil:
		return fmt.Errorf("remove %s: %w", k, err)
	case !has:
		return fmt.Errorf("%w: %s", keystore.ErrKeyNotFound, k)
	}
	if err := s.db.Delete(dbKey(k)); err != nil {
		return fmt.Errorf("remove %s: %w", k, err)
	}
	s.count--
	return nil
}

// Has implements keystore.KeyStore.
func (s *Store) Has(k types.Key) (bool, error) {
	has, err := s.db.Has(dbKey(k))
	if err != nil {
		return false, fmt.Errorf("has %s: %w", k, err)
	}
	return has, nil
}

// Range implements keystore.KeyStore.
func (s *Store) Range(x, y types.Key, limit int) ([]types.Key, error) {
	if x.Compare(y) > 0 {
		panic("BUG: ldbstore.Range: x > y")
	}
	if limit == 0 {
		return nil, nil
	}
	it := s.find(x, y)
	defer it.Release()
	var r []types.Key
	for it.Next() {
		k, err := types.KeyFromBytes(it.Key()[len(keyPrefix):])
		if err != nil {
			return nil, fmt.Errorf("bad key in db: %w", err)
		}
		r = append(r, k)
		if limit > 0 && len(r) == limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("range: %w", err)
	}
	return r, nil
}

// Count implements keystore.KeyStore.
func (s *Store) Count() (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.count, nil
}

// AddBatch implements keystore.BatchAdder.
func (s *Store) AddBatch(keys []types.Key) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	b := s.db.NewBatch()
	for _, k := range keys {
		if err := b.Put(dbKey(k), nil); err != nil {
			return fmt.Errorf("batch add %s: %w", k, err)
		}
		if b.ValueSize() >= database.IdealBatchSize {
			if err := b.Write(); err != nil {
				return err
			}
			b.Reset()
		}
	}
	if err := b.Write(); err != nil {
		return err
	}
	s.count += len(keys)
	return nil
}
