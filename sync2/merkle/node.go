package merkle

import (
	"fmt"

	"github.com/spacemeshos/go-merklesync/hash"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// LeafCapacity is the maximum number of keys in a leaf node. A node holding more keys
// is always an internal node.
const LeafCapacity = 64

// Node is a trie node summarizing the keys under a (depth, prefix) address.
// A Node is either a *Leaf or an *Internal.
type Node interface {
	// Depth returns the number of leading key slots fixed by the node's prefix.
	Depth() int
	// Prefix returns the node's prefix with all the slots starting with Depth
	// cleared.
	Prefix() types.Key
	// Count returns the number of keys under the node.
	Count() int
	// Hash returns the hash summarizing the keys under the node.
	// It is zero if Count is zero.
	Hash() types.Hash
	// IsLeaf returns true for leaf nodes.
	IsLeaf() bool
	// Dirty returns true if the node's hash is pending recalculation.
	Dirty() bool
}

type nodeBase struct {
	depth  int
	prefix types.Key
	count  int
	hash   types.Hash
	dirty  bool
}

func (n *nodeBase) Depth() int        { return n.depth }
func (n *nodeBase) Prefix() types.Key { return n.prefix }
func (n *nodeBase) Count() int        { return n.count }
func (n *nodeBase) Hash() types.Hash  { return n.hash }
func (n *nodeBase) Dirty() bool       { return n.dirty }

func (n *nodeBase) String() string {
	return fmt.Sprintf("<%d:%s count=%d hash=%s>",
		n.depth, n.prefix.ShortString(), n.count, n.hash.ShortString())
}

// Leaf is a node without children. Its keys are retrieved from the KeyStore.
type Leaf struct {
	nodeBase
}

var _ Node = &Leaf{}

// IsLeaf implements Node.
func (l *Leaf) IsLeaf() bool { return true }

// Internal is a node that has Fanout(Depth()) children, one per value of the key
// slot at Depth().
type Internal struct {
	nodeBase
	children []Node
}

var _ Node = &Internal{}

// IsLeaf implements Node.
func (in *Internal) IsLeaf() bool { return false }

// NumChildren returns the number of children of the node.
func (in *Internal) NumChildren() int { return len(in.children) }

// Child returns the child node for the specified slot value.
func (in *Internal) Child(slot int) Node { return in.children[slot] }

func childPrefix(depth int, prefix types.Key, slot int) types.Key {
	return prefix.SetSlot(depth, slot).ClearSuffix(depth + 1)
}

// LeafHash returns the hash of a leaf with the specified keys, which must be sorted in
// ascending order.
func LeafHash(keys []types.Key) types.Hash {
	if len(keys) == 0 {
		return types.EmptyHash
	}
	h := hash.GetHasher()
	defer hash.PutHasher(h)
	for _, k := range keys {
		h.Write(k[:])
	}
	var r types.Hash
	h.Sum(r[:0])
	return r
}

// InternalHash returns the hash of an internal node with the specified child hashes
// given in slot order.
func InternalHash(count int, childHashes []types.Hash) types.Hash {
	if count == 0 {
		return types.EmptyHash
	}
	h := hash.GetHasher()
	defer hash.PutHasher(h)
	for _, ch := range childHashes {
		h.Write(ch[:])
	}
	var r types.Hash
	h.Sum(r[:0])
	return r
}

func (in *Internal) childHashes() []types.Hash {
	hs := make([]types.Hash, len(in.children))
	for i, c := range in.children {
		hs[i] = c.Hash()
	}
	return hs
}

// ChildHashes returns the hashes of the node's children in slot order.
func (in *Internal) ChildHashes() []types.Hash {
	return in.childHashes()
}

func (in *Internal) rehash() {
	in.hash = InternalHash(in.count, in.childHashes())
	in.dirty = false
}

// buildNode creates the subtree for the specified sorted keys, splitting into
// internal nodes where the keys don't fit in a leaf.
func buildNode(depth int, prefix types.Key, keys []types.Key, deferHash bool, onSplit func(int, types.Key)) Node {
	if len(keys) <= LeafCapacity {
		l := &Leaf{nodeBase{depth: depth, prefix: prefix, count: len(keys)}}
		if deferHash {
			l.dirty = true
		} else {
			l.hash = LeafHash(keys)
		}
		return l
	}
	if depth >= types.MaxDepth {
		panic(fmt.Sprintf("BUG: %d keys under a single prefix at depth %d", len(keys), depth))
	}
	if onSplit != nil {
		onSplit(depth, prefix)
	}
	in := &Internal{
		nodeBase: nodeBase{depth: depth, prefix: prefix, count: len(keys)},
		children: make([]Node, types.Fanout(depth)),
	}
	start := 0
	for slot := range in.children {
		end := start
		for end < len(keys) && keys[end].Slot(depth) == slot {
			end++
		}
		in.children[slot] = buildNode(depth+1, childPrefix(depth, prefix, slot), keys[start:end], deferHash, onSplit)
		start = end
	}
	if start != len(keys) {
		panic("BUG: keys not sorted or not matching the prefix")
	}
	if deferHash {
		in.dirty = true
	} else {
		in.rehash()
	}
	return in
}
