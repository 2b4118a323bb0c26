// Package kstest contains the conformance tests shared by KeyStore implementations.
package kstest

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// NewStoreFunc creates an empty KeyStore for a test.
type NewStoreFunc func(t *testing.T) keystore.KeyStore

// SortedKeys returns n random keys in ascending order.
func SortedKeys(n int) []types.Key {
	keys := make([]types.Key, n)
	for i := range keys {
		keys[i] = types.RandomKey()
	}
	slices.SortFunc(keys, func(a, b types.Key) int { return a.Compare(b) })
	return slices.Compact(keys)
}

// Populate adds the keys to the store.
func Populate(t *testing.T, ks keystore.KeyStore, keys []types.Key) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, ks.Add(k))
	}
}

// Run runs the conformance tests against the KeyStore implementation.
func Run(t *testing.T, newStore NewStoreFunc) {
	t.Run("add remove", func(t *testing.T) { testAddRemove(t, newStore(t)) })
	t.Run("range", func(t *testing.T) { testRange(t, newStore(t)) })
	t.Run("key range", func(t *testing.T) { testKeyRange(t, newStore(t)) })
	t.Run("matching keys", func(t *testing.T) { testMatchingKeys(t, newStore(t)) })
}

func testAddRemove(t *testing.T, ks keystore.KeyStore) {
	n, err := ks.Count()
	require.NoError(t, err)
	require.Zero(t, n)

	k := types.RandomKey()
	has, err := ks.Has(k)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, ks.Add(k))
	require.ErrorIs(t, ks.Add(k), keystore.ErrKeyExists)
	has, err = ks.Has(k)
	require.NoError(t, err)
	require.True(t, has)
	n, err = ks.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, ks.Remove(k))
	require.ErrorIs(t, ks.Remove(k), keystore.ErrKeyNotFound)
	has, err = ks.Has(k)
	require.NoError(t, err)
	require.False(t, has)
	n, err = ks.Count()
	require.NoError(t, err)
	require.Zero(t, n)
}

func testRange(t *testing.T, ks keystore.KeyStore) {
	keys := SortedKeys(200)
	Populate(t, ks, keys)

	all, err := ks.Range(types.ZeroKey, types.MaxKey, -1)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(keys, all))

	first, err := ks.Range(types.ZeroKey, types.MaxKey, 10)
	require.NoError(t, err)
	require.Equal(t, keys[:10], first)

	sub, err := ks.Range(keys[20], keys[40], -1)
	require.NoError(t, err)
	require.Equal(t, keys[20:41], sub)

	sub, err = ks.Range(keys[20], keys[40], 5)
	require.NoError(t, err)
	require.Equal(t, keys[20:25], sub)

	none, err := ks.Range(keys[5], keys[5], 0)
	require.NoError(t, err)
	require.Empty(t, none)

	n, err := ks.Count()
	require.NoError(t, err)
	require.Equal(t, len(keys), n)
}

func testKeyRange(t *testing.T, ks keystore.KeyStore) {
	keys := SortedKeys(100)
	Populate(t, ks, keys)

	r, err := keystore.KeyRange(ks, keys[10], keys[19], -1)
	require.NoError(t, err)
	require.Equal(t, keys[10:20], r)

	// wraparound
	r, err = keystore.KeyRange(ks, keys[90], keys[9], -1)
	require.NoError(t, err)
	require.Equal(t, append(slices.Clone(keys[90:]), keys[:10]...), r)

	r, err = keystore.KeyRange(ks, keys[90], keys[9], 15)
	require.NoError(t, err)
	require.Equal(t, append(slices.Clone(keys[90:]), keys[:5]...), r)

	r, err = keystore.KeyRange(ks, keys[90], keys[9], 7)
	require.NoError(t, err)
	require.Equal(t, keys[90:97], r)
}

func testMatchingKeys(t *testing.T, ks keystore.KeyStore) {
	prefix := types.RandomKey()
	var want []types.Key
	for range 20 {
		// same 2 leading slots as the prefix
		k := types.RandomKey()
		k = k.SetSlot(0, prefix.Slot(0)).SetSlot(1, prefix.Slot(1))
		want = append(want, k)
	}
	slices.SortFunc(want, func(a, b types.Key) int { return a.Compare(b) })
	want = slices.Compact(want)
	Populate(t, ks, want)
	other := prefix.SetSlot(1, (prefix.Slot(1)+1)%types.MaxFanout)
	require.NoError(t, ks.Add(other.ClearSuffix(2)))

	got, err := keystore.MatchingKeys(ks, 2, prefix, -1)
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = keystore.MatchingKeys(ks, 2, prefix, 3)
	require.NoError(t, err)
	require.Equal(t, want[:3], got)

	got, err = keystore.MatchingKeys(ks, 0, prefix, -1)
	require.NoError(t, err)
	require.Len(t, got, len(want)+1)
}
