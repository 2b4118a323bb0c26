package ldbstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/go-merklesync/database"
	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/keystore/kstest"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

func TestStore(t *testing.T) {
	kstest.Run(t, func(t *testing.T) keystore.KeyStore {
		db := database.NewMemDatabase()
		t.Cleanup(db.Close)
		s, err := New(db, WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)
		return s
	})
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys")
	db, err := database.NewLDBDatabase(path, 0, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)
	keys := kstest.SortedKeys(50)
	require.NoError(t, s.AddBatch(keys[:40]))
	kstest.Populate(t, s, keys[40:])
	require.NoError(t, s.Add(types.MaxKey))
	db.Close()

	db, err = database.NewLDBDatabase(path, 0, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()
	s, err = New(db)
	require.NoError(t, err)
	n, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, 51, n)
	r, err := s.Range(types.ZeroKey, types.MaxKey, -1)
	require.NoError(t, err)
	require.Equal(t, append(keys, types.MaxKey), r)
}
