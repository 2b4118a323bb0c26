package merklesync

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-merklesync/log/logtest"
	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/merkle"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

var testVNode = types.MustKeyFromHex("0102030405060708090a0b0c0d0e0f1011121314")

const testContentType ContentType = 1

func newTestTrie(t *testing.T, keys []types.Key) *merkle.Trie {
	tr := merkle.New(keystore.NewMemStore(), merkle.WithLogger(logtest.New(t)))
	for _, k := range keys {
		require.NoError(t, tr.Insert(k))
	}
	return tr
}

func randomKeys(n int) []types.Key {
	seen := make(map[types.Key]struct{}, n)
	keys := make([]types.Key, 0, n)
	for len(keys) < n {
		k := types.RandomKey()
		if _, found := seen[k]; !found {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// clusteredKeys returns n distinct keys sharing the first nslots slots, which
// makes the trie containing them deep.
func clusteredKeys(prefix types.Key, nslots, n int) []types.Key {
	keys := randomKeys(n)
	for i := range keys {
		keys[i] = prefix.ClearSuffix(nslots)
		tail := types.RandomKey()
		for slot := nslots; slot < types.NumSlots; slot++ {
			keys[i] = keys[i].SetSlot(slot, tail.Slot(slot))
		}
	}
	slices.SortFunc(keys, func(a, b types.Key) int { return a.Compare(b) })
	return slices.Compact(keys)
}

func sorted(keys []types.Key) []types.Key {
	keys = slices.Clone(keys)
	slices.SortFunc(keys, func(a, b types.Key) int { return a.Compare(b) })
	return keys
}

func newTestHandler(t *testing.T, tr *merkle.Trie, opts ...HandlerOpt) *Handler {
	reg := NewRegistry()
	if tr != nil {
		reg.Register(testVNode, testContentType, tr)
	}
	opts = append([]HandlerOpt{WithHandlerLogger(logtest.New(t))}, opts...)
	return NewHandler(reg, opts...)
}
