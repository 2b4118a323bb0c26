package badgerstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/keystore/kstest"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

func TestStore(t *testing.T) {
	kstest.Run(t, func(t *testing.T) keystore.KeyStore {
		s, err := Open("", WithInMemory(), WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, s.Close()) })
		return s
	})
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	keys := kstest.SortedKeys(30)
	kstest.Populate(t, s, keys)
	require.NoError(t, s.Remove(keys[0]))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, 29, n)
	r, err := s.Range(types.ZeroKey, types.MaxKey, -1)
	require.NoError(t, err)
	require.Equal(t, keys[1:], r)
}
