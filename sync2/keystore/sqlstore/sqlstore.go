// Package sqlstore implements a KeyStore on top of an SQLite database.
package sqlstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/spacemeshos/go-merklesync/sql"
	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations creates the key table.
var Migrations = sql.LoadMigrations(embedded, "migrations")

// DefaultCacheSize is the default size of the key membership cache.
const DefaultCacheSize = 4096

// Store is a KeyStore backed by an SQLite database.
// Membership checks are served from an LRU cache when possible.
type Store struct {
	mtx   sync.Mutex
	db    sql.TxExecutor
	cache *lru.Cache[types.Key, bool]
}

var (
	_ keystore.KeyStore   = &Store{}
	_ keystore.BatchAdder = &Store{}
)

// Opt configures the Store.
type Opt func(*config)

type config struct {
	cacheSize int
}

// WithCacheSize sets the size of the membership cache.
func WithCacheSize(n int) Opt {
	return func(c *config) {
		c.cacheSize = n
	}
}

// New creates a Store using the specified database, which must have the Migrations
// applied.
func New(db sql.TxExecutor, opts ...Opt) *Store {
	cfg := config{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := lru.New[types.Key, bool](cfg.cacheSize)
	if err != nil {
		panic("BUG: bad cache size: " + err.Error())
	}
	return &Store{db: db, cache: cache}
}

func insertKey(ex sql.Executor, k types.Key) error {
	_, err := ex.Exec("insert into keys (key) values (?1)",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, k[:])
		}, nil)
	return err
}

// Add implements keystore.KeyStore.
func (s *Store) Add(k types.Key) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	err := insertKey(s.db, k)
	switch {
	case errors.Is(err, sql.ErrObjectExists):
		s.cache.Add(k, true)
		return fmt.Errorf("%w: %s", keystore.ErrKeyExists, k)
	case err != nil:
		return fmt.Errorf("add %s: %w", k, err)
	}
	s.cache.Add(k, true)
	return nil
}

// AddBatch implements keystore.BatchAdder.
// The keys are inserted within a single transaction, so if any of them fails to be
// added, none of them are.
func (s *Store) AddBatch(keys []types.Key) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.db.WithTx(context.Background(), func(tx *sql.Tx) error {
		for _, k := range keys {
			err := insertKey(tx, k)
			switch {
			case errors.Is(err, sql.ErrObjectExists):
				return fmt.Errorf("%w: %s", keystore.ErrKeyExists, k)
			case err != nil:
				return fmt.Errorf("batch add %s: %w", k, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		s.cache.Add(k, true)
	}
	return nil
}

// Remove implements keystore.KeyStore.
func (s *Store) Remove(k types.Key) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var n int
	if _, err := s.db.Exec("delete from keys where key = ?1 returning 1",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, k[:])
		}, func(stmt *sql.Statement) bool {
			n++
			return true
		}); err != nil {
		return fmt.Errorf("remove %s: %w", k, err)
	}
	s.cache.Add(k, false)
	if n == 0 {
		return fmt.Errorf("%w: %s", keystore.ErrKeyNotFound, k)
	}
	return nil
}

// Has implements keystore.KeyStore.
func (s *Store) Has(k types.Key) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if has, ok := s.cache.Get(k); ok {
		return has, nil
	}
	rows, err := s.db.Exec("select 1 from keys where key = ?1",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, k[:])
		}, nil)
	if err != nil {
		return false, fmt.Errorf("has %s: %w", k, err)
	}
	s.cache.Add(k, rows != 0)
	return rows != 0, nil
}

// Range implements keystore.KeyStore.
func (s *Store) Range(x, y types.Key, limit int) ([]types.Key, error) {
	if x.Compare(y) > 0 {
		panic("BUG: sqlstore.Range: x > y")
	}
	if limit == 0 {
		return nil, nil
	}
	var (
		r   []types.Key
		err error
	)
	if _, execErr := s.db.Exec(
		// negative limit means no limit in SQLite
		"select key from keys where key >= ?1 and key <= ?2 order by key limit ?3",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, x[:])
			stmt.BindBytes(2, y[:])
			stmt.BindInt64(3, int64(limit))
		}, func(stmt *sql.Statement) bool {
			var k types.Key
			if stmt.ColumnLen(0) != types.KeySize {
				err = fmt.Errorf("%w: bad key in db", types.ErrInvalidLength)
				return false
			}
			stmt.ColumnBytes(0, k[:])
			r = append(r, k)
			return true
		}); execErr != nil {
		return nil, fmt.Errorf("range: %w", execErr)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Count implements keystore.KeyStore.
func (s *Store) Count() (int, error) {
	var n int
	if _, err := s.db.Exec("select count(*) from keys", nil,
		func(stmt *sql.Statement) bool {
			n = stmt.ColumnInt(0)
			return true
		}); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
