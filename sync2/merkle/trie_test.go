package merkle

import (
	"bytes"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

type countingTracer struct {
	splits, merges int
}

func (ct *countingTracer) OnSplit(int, types.Key) { ct.splits++ }
func (ct *countingTracer) OnMerge(int, types.Key) { ct.merges++ }

func newTrie(t *testing.T, opts ...Opt) *Trie {
	opts = append([]Opt{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(keystore.NewMemStore(), opts...)
}

func randomKeys(n int) []types.Key {
	keys := make([]types.Key, n)
	for i := range keys {
		keys[i] = types.RandomKey()
	}
	return keys
}

func sortedKeys(keys []types.Key) []types.Key {
	keys = slices.Clone(keys)
	slices.SortFunc(keys, func(a, b types.Key) int { return a.Compare(b) })
	return keys
}

// keysWithPrefix returns n distinct keys that share the first nslots slots with
// the prefix.
func keysWithPrefix(prefix types.Key, nslots, n int) []types.Key {
	seen := make(map[types.Key]struct{})
	var keys []types.Key
	for len(keys) < n {
		k := types.RandomKey()
		for i := range nslots {
			k = k.SetSlot(i, prefix.Slot(i))
		}
		if _, found := seen[k]; !found {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

func insertAll(t *testing.T, tr *Trie, keys []types.Key) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, tr.Insert(k))
	}
}

func TestEmptyTrie(t *testing.T) {
	tr := newTrie(t)
	root := tr.Root()
	require.True(t, root.IsLeaf())
	require.Zero(t, root.Count())
	require.Equal(t, types.EmptyHash, root.Hash())
	require.Zero(t, tr.Count())
	require.NoError(t, tr.CheckInvariants())
	keys, err := tr.KeyRange(types.ZeroKey, types.MaxKey, -1)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestInsertRemove(t *testing.T) {
	tr := newTrie(t)
	k := types.RandomKey()
	require.NoError(t, tr.Insert(k))
	require.ErrorIs(t, tr.Insert(k), ErrDuplicateKey)
	exists, err := tr.KeyExists(k)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, 1, tr.Count())
	require.Equal(t, LeafHash([]types.Key{k}), tr.Root().Hash())
	require.NoError(t, tr.CheckInvariants())

	require.NoError(t, tr.Remove(k))
	require.ErrorIs(t, tr.Remove(k), ErrNotFound)
	exists, err = tr.KeyExists(k)
	require.NoError(t, err)
	require.False(t, exists)
	require.Zero(t, tr.Count())
	require.Equal(t, types.EmptyHash, tr.Root().Hash())
	require.NoError(t, tr.CheckInvariants())
}

func TestRoundTrip(t *testing.T) {
	tr := newTrie(t)
	keys := randomKeys(1000)
	insertAll(t, tr, keys)
	require.NoError(t, tr.CheckInvariants())
	got, err := tr.KeyRange(types.ZeroKey, types.MaxKey, len(keys)+1)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(sortedKeys(keys), got))
	require.False(t, tr.Root().IsLeaf())
	require.Equal(t, len(keys), tr.Root().Count())
}

func TestHashIndependentOfOrder(t *testing.T) {
	keys := randomKeys(500)
	tr1 := newTrie(t)
	insertAll(t, tr1, keys)
	shuffled := slices.Clone(keys)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	tr2 := newTrie(t)
	insertAll(t, tr2, shuffled)
	require.Equal(t, tr1.Root().Hash(), tr2.Root().Hash())

	// removing and re-adding keys doesn't change the hash
	for _, k := range keys[:200] {
		require.NoError(t, tr2.Remove(k))
	}
	require.NotEqual(t, tr1.Root().Hash(), tr2.Root().Hash())
	insertAll(t, tr2, keys[:200])
	require.Equal(t, tr1.Root().Hash(), tr2.Root().Hash())
	require.NoError(t, tr2.CheckInvariants())
}

func TestSplitMerge(t *testing.T) {
	var ct countingTracer
	tr := newTrie(t, WithTracer(&ct))
	keys := randomKeys(LeafCapacity + 1)
	insertAll(t, tr, keys[:LeafCapacity])
	require.True(t, tr.Root().IsLeaf())
	require.Zero(t, ct.splits)
	members, err := tr.KeyRange(types.ZeroKey, types.MaxKey, -1)
	require.NoError(t, err)
	hashBefore := tr.Root().Hash()

	require.NoError(t, tr.Insert(keys[LeafCapacity]))
	require.Equal(t, 1, ct.splits)
	require.Zero(t, ct.merges)
	require.False(t, tr.Root().IsLeaf())
	require.NoError(t, tr.CheckInvariants())

	require.NoError(t, tr.Remove(keys[LeafCapacity]))
	require.Equal(t, 1, ct.splits)
	require.Equal(t, 1, ct.merges)
	require.True(t, tr.Root().IsLeaf())
	require.Equal(t, hashBefore, tr.Root().Hash())
	membersAfter, err := tr.KeyRange(types.ZeroKey, types.MaxKey, -1)
	require.NoError(t, err)
	require.Equal(t, members, membersAfter)
	require.NoError(t, tr.CheckInvariants())
}

func TestSplitBoundary(t *testing.T) {
	tr := newTrie(t)
	keys := randomKeys(LeafCapacity + 1)
	insertAll(t, tr, keys[:LeafCapacity])
	root := tr.Root()
	require.True(t, root.IsLeaf())
	k65 := keys[LeafCapacity]
	require.NoError(t, tr.Insert(k65))

	depth, prefix := root.Depth(), root.Prefix()
	child := tr.LookupExact(depth+1, prefix.SetSlot(depth, k65.Slot(depth)))
	require.NotNil(t, child)
	require.Positive(t, child.Count())

	in, ok := tr.Root().(*Internal)
	require.True(t, ok)
	require.Equal(t, types.MaxFanout, in.NumChildren())
	total := 0
	for slot := range in.NumChildren() {
		total += in.Child(slot).Count()
	}
	require.Equal(t, LeafCapacity+1, total)
}

func TestCascadingSplit(t *testing.T) {
	var ct countingTracer
	tr := newTrie(t, WithTracer(&ct))
	prefix := types.RandomKey()
	keys := keysWithPrefix(prefix, 3, LeafCapacity+1)
	insertAll(t, tr, keys)
	// all the keys share the first 3 slots, so nodes at depths 0 to 3 hold
	// all of them
	require.Equal(t, 4, ct.splits)
	require.NoError(t, tr.CheckInvariants())
	n := tr.LookupExact(3, prefix.ClearSuffix(3))
	require.NotNil(t, n)
	require.False(t, n.IsLeaf())
	require.Equal(t, LeafCapacity+1, n.Count())
	require.Nil(t, tr.LookupExact(5, keys[0]))
	require.NotNil(t, tr.LookupExact(4, keys[0]))

	require.NoError(t, tr.Remove(keys[0]))
	require.Equal(t, 1, ct.merges)
	require.True(t, tr.Root().IsLeaf())
	require.NoError(t, tr.CheckInvariants())
}

func TestMaxDepth(t *testing.T) {
	var ct countingTracer
	tr := newTrie(t, WithTracer(&ct))
	prefix := types.RandomKey()
	// 65 keys differing only in the last two slots
	var keys []types.Key
	for i := range LeafCapacity + 1 {
		keys = append(keys, prefix.SetSlot(types.MaxDepth-1, i/16).SetSlot(types.MaxDepth, i%16))
	}
	insertAll(t, tr, keys)
	require.Equal(t, types.MaxDepth, ct.splits)
	require.NoError(t, tr.CheckInvariants())

	parent := tr.LookupExact(types.MaxDepth-1, prefix.ClearSuffix(types.MaxDepth-1))
	require.NotNil(t, parent)
	require.False(t, parent.IsLeaf())
	for slot, want := range []int{16, 16, 16, 16, 1, 0} {
		n := tr.LookupExact(types.MaxDepth, keys[0].SetSlot(types.MaxDepth-1, slot))
		require.NotNil(t, n)
		require.True(t, n.IsLeaf())
		require.Equal(t, want, n.Count())
		require.Equal(t, types.MaxDepth, n.Depth())
	}
	n := tr.Lookup(types.NumSlots, keys[0])
	require.Equal(t, types.MaxDepth, n.Depth())

	for _, k := range keys {
		require.NoError(t, tr.Remove(k))
	}
	require.Equal(t, 1, ct.merges)
	require.Zero(t, tr.Count())
	require.NoError(t, tr.CheckInvariants())
}

func TestLookup(t *testing.T) {
	tr := newTrie(t)
	insertAll(t, tr, randomKeys(200))
	k := types.RandomKey()
	n := tr.Lookup(types.MaxDepth, k)
	require.True(t, n.IsLeaf())
	require.Equal(t, 1, n.Depth())
	require.Equal(t, k.ClearSuffix(1), n.Prefix())
	require.Nil(t, tr.LookupExact(2, k))
	require.Same(t, tr.Root(), tr.Lookup(0, k))
	require.Same(t, n, tr.LookupExact(1, k))

	var found Node
	require.NoError(t, tr.ReadNode(1, k, func(n Node) error {
		found = n
		return nil
	}))
	require.Same(t, n, found)
	require.NoError(t, tr.ReadNode(2, k, func(n Node) error {
		require.Nil(t, n)
		return nil
	}))
	require.Panics(t, func() { tr.ReadNode(types.NumSlots, k, func(Node) error { return nil }) })
}

func TestKeyRangeWraparound(t *testing.T) {
	tr := newTrie(t)
	keys := sortedKeys(randomKeys(100))
	insertAll(t, tr, keys)
	got, err := tr.KeyRange(keys[95], keys[4], -1)
	require.NoError(t, err)
	require.Equal(t, append(slices.Clone(keys[95:]), keys[:5]...), got)
	got, err = tr.KeyRange(keys[10], keys[20], 3)
	require.NoError(t, err)
	require.Equal(t, keys[10:13], got)
}

func TestDeferredRehash(t *testing.T) {
	keys := randomKeys(1000)
	eager := newTrie(t)
	insertAll(t, eager, keys)

	deferred := newTrie(t, WithDeferredRehash())
	insertAll(t, deferred, keys)
	require.Equal(t, eager.Count(), deferred.Count())
	require.True(t, deferred.Root().Dirty())
	require.False(t, eager.Root().Dirty())
	require.ErrorIs(t, deferred.CheckInvariants(), ErrInvariantViolation)
	require.NoError(t, deferred.HashTree())
	require.False(t, deferred.Root().Dirty())
	require.NoError(t, deferred.CheckInvariants())
	require.Equal(t, eager.Root().Hash(), deferred.Root().Hash())

	for _, k := range keys[:500] {
		require.NoError(t, deferred.Remove(k))
		require.NoError(t, eager.Remove(k))
	}
	require.NoError(t, deferred.SetDeferredRehash(false))
	require.NoError(t, deferred.CheckInvariants())
	require.Equal(t, eager.Root().Hash(), deferred.Root().Hash())

	// eager mode from now on
	require.NoError(t, deferred.Insert(keys[0]))
	require.NoError(t, deferred.CheckInvariants())
}

type batchStore struct {
	*keystore.MemStore
	batches int
}

func (bs *batchStore) AddBatch(keys []types.Key) error {
	bs.batches++
	for _, k := range keys {
		if err := bs.Add(k); err != nil {
			return err
		}
	}
	return nil
}

func TestInsertBatch(t *testing.T) {
	keys := randomKeys(2000)
	for _, tc := range []struct {
		name string
		opts []Opt
	}{
		{name: "eager"},
		{name: "deferred", opts: []Opt{WithDeferredRehash()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ref := newTrie(t)
			insertAll(t, ref, keys)

			bs := &batchStore{MemStore: keystore.NewMemStore()}
			var tracer countingTracer
			opts := append([]Opt{WithLogger(zaptest.NewLogger(t)), WithTracer(&tracer)}, tc.opts...)
			tr := New(bs, opts...)
			insertAll(t, tr, keys[:30])
			// duplicates within the batch and keys already present are skipped
			batch := append(slices.Clone(keys[10:]), keys[100:200]...)
			n, err := tr.InsertBatch(batch)
			require.NoError(t, err)
			require.Equal(t, len(keys)-30, n)
			require.Equal(t, 1, bs.batches)
			require.Positive(t, tracer.splits)
			require.Equal(t, len(keys), tr.Count())
			require.NoError(t, tr.HashTree())
			require.NoError(t, tr.CheckInvariants())
			require.Equal(t, ref.Root().Hash(), tr.Root().Hash())

			n, err = tr.InsertBatch(keys[:5])
			require.NoError(t, err)
			require.Zero(t, n)
			require.Equal(t, 1, bs.batches)
		})
	}
}

func TestInsertBatchNoBatchAdder(t *testing.T) {
	keys := randomKeys(500)
	ref := newTrie(t)
	insertAll(t, ref, keys)
	tr := newTrie(t)
	n, err := tr.InsertBatch(keys)
	require.NoError(t, err)
	require.Equal(t, len(keys), n)
	require.NoError(t, tr.CheckInvariants())
	require.Equal(t, ref.Root().Hash(), tr.Root().Hash())
}

func TestLoad(t *testing.T) {
	keys := randomKeys(700)
	built := newTrie(t)
	insertAll(t, built, keys)

	for _, deferred := range []bool{false, true} {
		var opts []Opt
		if deferred {
			opts = append(opts, WithDeferredRehash())
		}
		var ct countingTracer
		opts = append(opts, WithTracer(&ct))
		loaded := New(keystore.NewMemStore(keys...), opts...)
		require.NoError(t, loaded.Load())
		require.Zero(t, ct.splits)
		if deferred {
			require.NoError(t, loaded.HashTree())
		}
		require.NoError(t, loaded.CheckInvariants())
		require.Equal(t, built.Root().Hash(), loaded.Root().Hash())
		require.Equal(t, len(keys), loaded.Count())
	}
}

func TestCheckInvariantsDetectsStaleStore(t *testing.T) {
	tr := newTrie(t)
	insertAll(t, tr, randomKeys(100))
	// bypass the trie
	require.NoError(t, tr.Store().Add(types.RandomKey()))
	require.ErrorIs(t, tr.CheckInvariants(), ErrInvariantViolation)
}

func TestDump(t *testing.T) {
	tr := newTrie(t)
	insertAll(t, tr, randomKeys(100))
	var buf bytes.Buffer
	tr.Dump(&buf)
	require.Contains(t, buf.String(), "internal <0:0000000000 count=100")
	require.Contains(t, buf.String(), "  leaf <1:")
}
