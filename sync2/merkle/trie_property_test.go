package merkle

import (
	"maps"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// genKey generates keys clustered around a few prefixes so that the trie gets
// split at different depths.
func genKey() *rapid.Generator[types.Key] {
	return rapid.Custom(func(t *rapid.T) types.Key {
		var k types.Key
		copy(k[:], rapid.SliceOfN(rapid.Byte(), types.KeySize, types.KeySize).Draw(t, "bytes"))
		nslots := rapid.SampledFrom([]int{0, 1, 2, types.MaxDepth - 1}).Draw(t, "nslots")
		cluster := rapid.SampledFrom([]types.Key{types.ZeroKey, types.MaxKey}).Draw(t, "cluster")
		for i := range nslots {
			k = k.SetSlot(i, cluster.Slot(i))
		}
		return k
	})
}

func genKeys(maxLen int) *rapid.Generator[[]types.Key] {
	return rapid.SliceOfNDistinct(genKey(), 0, maxLen, func(k types.Key) types.Key { return k })
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := genKeys(300).Draw(t, "keys")
		tr := New(keystore.NewMemStore())
		for _, k := range keys {
			require.NoError(t, tr.Insert(k))
		}
		got, err := tr.KeyRange(types.ZeroKey, types.MaxKey, len(keys)+1)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(sortedKeys(keys), got, cmpopts.EquateEmpty()))
		require.NoError(t, tr.CheckInvariants())
	})
}

func TestIdempotenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := genKeys(300).Draw(t, "keys")
		tr := New(keystore.NewMemStore())
		for _, k := range keys {
			require.NoError(t, tr.Insert(k))
		}
		k := genKey().Filter(func(k types.Key) bool {
			return !slices.Contains(keys, k)
		}).Draw(t, "extra")
		count, hash := tr.Root().Count(), tr.Root().Hash()
		require.NoError(t, tr.Insert(k))
		require.NoError(t, tr.Remove(k))
		require.Equal(t, count, tr.Root().Count())
		require.Equal(t, hash, tr.Root().Hash())
	})
}

func TestTrieStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := New(keystore.NewMemStore())
		model := make(map[types.Key]struct{})
		t.Repeat(map[string]func(*rapid.T){
			"insert": func(t *rapid.T) {
				k := genKey().Draw(t, "key")
				err := tr.Insert(k)
				if _, found := model[k]; found {
					require.ErrorIs(t, err, ErrDuplicateKey)
					return
				}
				require.NoError(t, err)
				model[k] = struct{}{}
			},
			"remove": func(t *rapid.T) {
				if len(model) == 0 {
					t.Skip("empty")
				}
				keys := sortedKeys(slices.Collect(maps.Keys(model)))
				k := rapid.SampledFrom(keys).Draw(t, "key")
				require.NoError(t, tr.Remove(k))
				delete(model, k)
			},
			"": func(t *rapid.T) {
				require.Equal(t, len(model), tr.Count())
				require.NoError(t, tr.CheckInvariants())
			},
		})
	})
}
