package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReopenDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test")
	db, err := NewLDBDatabase(path, 0, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	key := []byte("some key")
	require.NoError(t, db.Put(key, []byte("wonderful")))
	db.Close()

	db, err = NewLDBDatabase(path, 0, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()
	v, err := db.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("wonderful"), v)
	require.Equal(t, path, db.Path())
}

func TestDelete(t *testing.T) {
	key := []byte("some key")
	db := NewMemDatabase()
	defer db.Close()
	require.NoError(t, db.Put(key, []byte("wonderful")))
	has, err := db.Has(key)
	require.NoError(t, err)
	require.True(t, has)
	require.NoError(t, db.Delete(key))
	_, err = db.Get(key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBatchAndFind(t *testing.T) {
	db := NewMemDatabase()
	defer db.Close()
	b := db.NewBatch()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Put([]byte(k), []byte("v"+k)))
	}
	require.Equal(t, 8, b.ValueSize())
	require.NoError(t, b.Write())
	b.Reset()
	require.Zero(t, b.ValueSize())

	it := db.Find([]byte("b"), []byte("d"))
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		require.Equal(t, "v"+string(it.Key()), string(it.Value()))
	}
	it.Release()
	require.NoError(t, it.Error())
	require.Equal(t, []string{"b", "c"}, keys)
}
