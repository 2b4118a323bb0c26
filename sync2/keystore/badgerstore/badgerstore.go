// Package badgerstore implements a KeyStore on top of the Badger embedded key-value
// database.
package badgerstore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// Store is a KeyStore backed by Badger.
type Store struct {
	db     *badger.DB
	count  atomic.Int64
	logger *zap.Logger
}

var _ keystore.KeyStore = &Store{}

// Opt configures the Store.
type Opt func(*config)

type config struct {
	logger   *zap.Logger
	inMemory bool
}

// WithLogger specifies the logger for the Store. Badger's own messages are logged
// through it, too.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *config) {
		c.logger = logger
	}
}

// WithInMemory makes the Store keep all of its data in memory.
func WithInMemory() Opt {
	return func(c *config) {
		c.inMemory = true
	}
}

// Open opens a Badger database in the specified directory, creating it if
// necessary. The directory is ignored for in-memory stores.
func Open(dir string, opts ...Opt) (*Store, error) {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	bopts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{cfg.logger.Named("badger").Sugar()})
	if cfg.inMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger db %q: %w", dir, err)
	}
	s := &Store{db: db, logger: cfg.logger}
	n := 0
	if err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	}); err != nil {
		return nil, errors.Join(fmt.Errorf("count keys: %w", err), db.Close())
	}
	s.count.Store(int64(n))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add implements keystore.KeyStore.
func (s *Store) Add(k types.Key) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k[:])
		switch {
		case err == nil:
			return keystore.ErrKeyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(k[:], nil)
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", k, err)
	}
	s.count.Add(1)
	return nil
}

// Remove implements keystore.KeyStore.
func (s *Store) Remove(k types.Key) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k[:])
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return keystore.ErrKeyNotFound
		case err != nil:
			return err
		}
		return txn.Delete(k[:])
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", k, err)
	}
	s.count.Add(-1)
	return nil
}

// Has implements keystore.KeyStore.
func (s *Store) Has(k types.Key) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k[:])
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("has %s: %w", k, err)
	}
	return found, nil
}

// Range implements keystore.KeyStore.
func (s *Store) Range(x, y types.Key, limit int) ([]types.Key, error) {
	if x.Compare(y) > 0 {
		panic("BUG: badgerstore.Range: x > y")
	}
	if limit == 0 {
		return nil, nil
	}
	var r []types.Key
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{})
		defer it.Close()
		for it.Seek(x[:]); it.Valid(); it.Next() {
			k, err := types.KeyFromBytes(it.Item().Key())
			if err != nil {
				return fmt.Errorf("bad key in db: %w", err)
			}
			if k.Compare(y) > 0 {
				break
			}
			r = append(r, k)
			if limit > 0 && len(r) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range: %w", err)
	}
	return r, nil
}

// Count implements keystore.KeyStore.
func (s *Store) Count() (int, error) {
	return int(s.count.Load()), nil
}

type badgerLogger struct {
	*zap.SugaredLogger
}

var _ badger.Logger = badgerLogger{}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
