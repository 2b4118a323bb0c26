package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-merklesync/sql"
	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/keystore/kstest"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

func TestStore(t *testing.T) {
	kstest.Run(t, func(t *testing.T) keystore.KeyStore {
		db := sql.InMemory(sql.WithMigrations(Migrations))
		t.Cleanup(func() { require.NoError(t, db.Close()) })
		return New(db, WithCacheSize(16))
	})
}

func TestCache(t *testing.T) {
	db := sql.InMemory(sql.WithMigrations(Migrations))
	defer db.Close()
	s := New(db)
	k := types.RandomKey()
	require.NoError(t, s.Add(k))
	n := db.QueryCount()
	for range 3 {
		has, err := s.Has(k)
		require.NoError(t, err)
		require.True(t, has)
	}
	require.Equal(t, n, db.QueryCount())

	other := types.RandomKey()
	has, err := s.Has(other)
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, n+1, db.QueryCount())
	has, err = s.Has(other)
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, n+1, db.QueryCount())

	// the cache must be updated on writes
	require.NoError(t, s.Add(other))
	has, err = s.Has(other)
	require.NoError(t, err)
	require.True(t, has)
	require.NoError(t, s.Remove(k))
	has, err = s.Has(k)
	require.NoError(t, err)
	require.False(t, has)
}

func TestAddBatch(t *testing.T) {
	db := sql.InMemory(sql.WithMigrations(Migrations))
	defer db.Close()
	s := New(db)
	keys := kstest.SortedKeys(100)
	require.NoError(t, s.AddBatch(keys[:50]))
	n, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, 50, n)

	// the whole batch is rolled back if any of the keys is present
	require.ErrorIs(t, s.AddBatch(keys[49:]), keystore.ErrKeyExists)
	n, err = s.Count()
	require.NoError(t, err)
	require.Equal(t, 50, n)
	has, err := s.Has(keys[99])
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, s.AddBatch(keys[50:]))
	r, err := s.Range(types.ZeroKey, types.MaxKey, -1)
	require.NoError(t, err)
	require.Equal(t, keys, r)
}

func TestPersistent(t *testing.T) {
	uri := "file:" + filepath.Join(t.TempDir(), "keys.sql")
	db, err := sql.Open(uri, sql.WithMigrations(Migrations))
	require.NoError(t, err)
	keys := kstest.SortedKeys(20)
	kstest.Populate(t, New(db), keys)
	require.NoError(t, db.Close())

	db, err = sql.Open(uri, sql.WithMigrations(Migrations))
	require.NoError(t, err)
	defer db.Close()
	version, err := sql.Version(db)
	require.NoError(t, err)
	require.Equal(t, 1, version)
	r, err := New(db).Range(types.ZeroKey, types.MaxKey, -1)
	require.NoError(t, err)
	require.Equal(t, keys, r)
}
