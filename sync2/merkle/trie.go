// Package merkle implements a Merkle hash trie over a set of 160-bit keys.
//
// The trie branches on 6-bit key slots, so each internal node has 64 children,
// except at the maximum depth where only 4 bits remain. Each node carries the number
// of keys under it and a SHA1 hash summarizing these keys: for a leaf, it is the hash
// of the concatenated keys in ascending order, and for an internal node it's the hash
// of the concatenated child hashes in slot order. Empty nodes have zero hash.
//
// The keys themselves are kept in a KeyStore, and leaves only hold their key count
// and hash. The trie shape is fully determined by the key set: a node holding more
// than LeafCapacity keys is an internal node, and any other node is a leaf.
// This makes it possible to compare tries of different peers node by node.
package merkle

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-merklesync/log"
	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

var (
	// ErrDuplicateKey is returned when inserting a key that is already present.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned when removing a key that is not present.
	ErrNotFound = errors.New("key not found")
	// ErrInvariantViolation is returned by CheckInvariants.
	ErrInvariantViolation = errors.New("trie invariant violation")
)

// Tracer receives notifications about trie structure changes.
type Tracer interface {
	// OnSplit is called when a leaf is converted into an internal node.
	OnSplit(depth int, prefix types.Key)
	// OnMerge is called when an internal node is converted back into a leaf.
	OnMerge(depth int, prefix types.Key)
}

type nullTracer struct{}

func (nullTracer) OnSplit(int, types.Key) {}
func (nullTracer) OnMerge(int, types.Key) {}

// Opt configures the Trie.
type Opt func(*Trie)

// WithLogger specifies the logger for the Trie.
func WithLogger(logger *zap.Logger) Opt {
	return func(t *Trie) {
		t.logger = logger
	}
}

// WithTracer specifies a tracer for the Trie.
func WithTracer(tracer Tracer) Opt {
	return func(t *Trie) {
		t.tracer = tracer
	}
}

// WithDeferredRehash makes the Trie postpone hash recalculation until HashTree is
// called. Counts are always kept up to date.
func WithDeferredRehash() Opt {
	return func(t *Trie) {
		t.deferred = true
	}
}

// Trie is a Merkle hash trie over the keys in a KeyStore.
// Insert and Remove update both the trie and the KeyStore.
// It is safe for concurrent use, but the Node values it returns must not be
// accessed concurrently with Insert, Remove, Load or HashTree.
type Trie struct {
	mtx      sync.RWMutex
	ks       keystore.KeyStore
	root     Node
	deferred bool
	tracer   Tracer
	logger   *zap.Logger
}

// New creates a new empty Trie backed by the specified KeyStore.
// If the KeyStore is not empty, Load must be called before the Trie is used.
func New(ks keystore.KeyStore, opts ...Opt) *Trie {
	t := &Trie{
		ks:     ks,
		root:   &Leaf{},
		tracer: nullTracer{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the KeyStore backing the Trie.
func (t *Trie) Store() keystore.KeyStore {
	return t.ks
}

// Load rebuilds the trie from the contents of the KeyStore.
func (t *Trie) Load() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	keys, err := t.ks.Range(types.ZeroKey, types.MaxKey, -1)
	if err != nil {
		return fmt.Errorf("load trie: %w", err)
	}
	t.root = buildNode(0, types.ZeroKey, keys, t.deferred, nil)
	t.logger.Debug("trie loaded",
		zap.Int("count", len(keys)),
		log.ZShortStringer("hash", t.root.Hash()),
		zap.Bool("deferred", t.deferred))
	return nil
}

// SetDeferredRehash turns deferred rehash mode on or off. When it's turned off,
// the pending hash recalculation is done immediately.
func (t *Trie) SetDeferredRehash(deferred bool) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.deferred = deferred
	if !deferred {
		return t.hashNode(t.root)
	}
	return nil
}

// HashTree recalculates the hashes of all the nodes changed since the last
// recalculation, in a single post-order pass.
func (t *Trie) HashTree() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.hashNode(t.root)
}

func (t *Trie) hashNode(n Node) error {
	switch n := n.(type) {
	case *Internal:
		if !n.dirty {
			return nil
		}
		for _, c := range n.children {
			if err := t.hashNode(c); err != nil {
				return err
			}
		}
		n.rehash()
	case *Leaf:
		if !n.dirty {
			return nil
		}
		return t.rehashLeaf(n)
	}
	return nil
}

func (t *Trie) rehashLeaf(l *Leaf) error {
	keys, err := keystore.MatchingKeys(t.ks, l.depth, l.prefix, LeafCapacity+1)
	if err != nil {
		l.dirty = true
		return fmt.Errorf("rehash leaf: %w", err)
	}
	l.hash = LeafHash(keys)
	l.dirty = false
	return nil
}

// descend returns the internal nodes on the path to the leaf
// containing the key, along with the leaf itself.
func (t *Trie) descend(k types.Key) ([]*Internal, *Leaf) {
	var path []*Internal
	n := t.root
	for {
		switch nn := n.(type) {
		case *Internal:
			path = append(path, nn)
			n = nn.children[k.Slot(nn.depth)]
		case *Leaf:
			return path, nn
		default:
			panic(fmt.Sprintf("BUG: bad node type %T", n))
		}
	}
}

func (t *Trie) replace(path []*Internal, n Node) {
	if len(path) == 0 {
		t.root = n
		return
	}
	parent := path[len(path)-1]
	parent.children[n.Prefix().Slot(parent.depth)] = n
}

func (t *Trie) updatePath(path []*Internal, bottom Node) error {
	if t.deferred {
		switch b := bottom.(type) {
		case *Leaf:
			b.dirty = true
		case *Internal:
			b.dirty = true
		}
		for _, in := range path {
			in.dirty = true
		}
		return nil
	}
	var err error
	if l, ok := bottom.(*Leaf); ok {
		err = t.rehashLeaf(l)
	}
	for i := len(path) - 1; i >= 0; i-- {
		if err != nil {
			path[i].dirty = true
		} else {
			path[i].rehash()
		}
	}
	return err
}

// Insert adds the key to the trie and to the KeyStore.
// It returns ErrDuplicateKey if the key is already present.
func (t *Trie) Insert(k types.Key) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	path, leaf := t.descend(k)
	if err := t.ks.Add(k); err != nil {
		if errors.Is(err, keystore.ErrKeyExists) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, k)
		}
		return fmt.Errorf("insert %s: %w", k, err)
	}
	if leaf.count < LeafCapacity {
		for _, in := range path {
			in.count++
		}
		leaf.count++
		return t.updatePath(path, leaf)
	}
	keys, err := keystore.MatchingKeys(t.ks, leaf.depth, leaf.prefix, -1)
	if err != nil {
		err = fmt.Errorf("split leaf: %w", err)
		if rmErr := t.ks.Remove(k); rmErr != nil {
			return errors.Join(err, rmErr)
		}
		return err
	}
	for _, in := range path {
		in.count++
	}
	n := buildNode(leaf.depth, leaf.prefix, keys, t.deferred, t.onSplit)
	t.replace(path, n)
	return t.updatePath(path, n)
}

// InsertBatch adds the keys that are not present yet to the trie and to the
// KeyStore, and returns the number of keys added. If the KeyStore is a
// keystore.BatchAdder, the keys are passed to it in a single AddBatch call.
// Errors returned after the keys are stored leave the trie out of sync with the
// KeyStore, and Load must be called to rebuild it.
func (t *Trie) InsertBatch(keys []types.Key) (int, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	keys = slices.Clone(keys)
	slices.SortFunc(keys, func(a, b types.Key) int { return a.Compare(b) })
	keys = slices.Compact(keys)
	added := keys[:0]
	for _, k := range keys {
		has, err := t.ks.Has(k)
		if err != nil {
			return 0, fmt.Errorf("insert batch: %w", err)
		}
		if !has {
			added = append(added, k)
		}
	}
	if len(added) == 0 {
		return 0, nil
	}
	if err := t.addToStore(added); err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	// the keys are sorted, so the keys under each leaf are contiguous
	for i := 0; i < len(added); {
		path, leaf := t.descend(added[i])
		n := 1
		for i+n < len(added) && types.PrefixMatch(leaf.depth, leaf.prefix, added[i+n]) {
			n++
		}
		i += n
		if err := t.grow(path, leaf, n); err != nil {
			return 0, fmt.Errorf("insert batch: %w", err)
		}
	}
	return len(added), nil
}

func (t *Trie) addToStore(keys []types.Key) error {
	if ba, ok := t.ks.(keystore.BatchAdder); ok {
		return ba.AddBatch(keys)
	}
	for i, k := range keys {
		err := t.ks.Add(k)
		if err == nil {
			continue
		}
		for _, added := range keys[:i] {
			if rmErr := t.ks.Remove(added); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
		}
		return err
	}
	return nil
}

// grow updates the trie after n keys under the leaf were added to the KeyStore.
func (t *Trie) grow(path []*Internal, leaf *Leaf, n int) error {
	for _, in := range path {
		in.count += n
	}
	if leaf.count+n <= LeafCapacity {
		leaf.count += n
		return t.updatePath(path, leaf)
	}
	keys, err := keystore.MatchingKeys(t.ks, leaf.depth, leaf.prefix, -1)
	if err != nil {
		return fmt.Errorf("split leaf: %w", err)
	}
	if len(keys) != leaf.count+n {
		return fmt.Errorf("split leaf: expected %d keys in the store, got %d", leaf.count+n, len(keys))
	}
	node := buildNode(leaf.depth, leaf.prefix, keys, t.deferred, t.onSplit)
	t.replace(path, node)
	return t.updatePath(path, node)
}

func (t *Trie) onSplit(depth int, prefix types.Key) {
	t.logger.Debug("split leaf", zap.Int("depth", depth), log.ZShortStringer("prefix", prefix))
	t.tracer.OnSplit(depth, prefix)
}

// Remove removes the key from the trie and from the KeyStore.
// It returns ErrNotFound if the key is not present.
func (t *Trie) Remove(k types.Key) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	path, leaf := t.descend(k)
	if err := t.ks.Remove(k); err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return fmt.Errorf("remove %s: %w", k, err)
	}
	for _, in := range path {
		in.count--
	}
	for i, in := range path {
		if in.count > LeafCapacity {
			continue
		}
		// collapse the topmost internal node that no longer needs to be split
		l := &Leaf{nodeBase{depth: in.depth, prefix: in.prefix, count: in.count}}
		path = path[:i]
		t.replace(path, l)
		t.logger.Debug("merge internal node",
			zap.Int("depth", l.depth),
			log.ZShortStringer("prefix", l.prefix))
		t.tracer.OnMerge(l.depth, l.prefix)
		return t.updatePath(path, l)
	}
	leaf.count--
	return t.updatePath(path, leaf)
}

// Root returns the root node of the trie.
func (t *Trie) Root() Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.root
}

// Count returns the number of keys in the trie.
func (t *Trie) Count() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.root.Count()
}

func (t *Trie) lookup(depth int, prefix types.Key) Node {
	n := t.root
	for n.Depth() < depth {
		in, ok := n.(*Internal)
		if !ok {
			break
		}
		n = in.children[prefix.Slot(in.depth)]
	}
	return n
}

// Lookup returns the deepest node no deeper than depth that matches the prefix.
// It never fails, but the node returned may be an ancestor of the node at
// (depth, prefix).
func (t *Trie) Lookup(depth int, prefix types.Key) Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.lookup(depth, prefix)
}

// LookupExact returns the node at exactly the specified depth that matches the
// prefix, or nil if the trie doesn't extend that deep.
func (t *Trie) LookupExact(depth int, prefix types.Key) Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	if n := t.lookup(depth, prefix); n.Depth() == depth {
		return n
	}
	return nil
}

// ReadNode calls fn with the node at exactly the specified depth that matches the
// prefix, or nil if there's no such node. The trie is not modified while fn runs.
func (t *Trie) ReadNode(depth int, prefix types.Key, fn func(n Node) error) error {
	if depth < 0 || depth > types.MaxDepth {
		panic(fmt.Sprintf("BUG: bad depth %d", depth))
	}
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	n := t.lookup(depth, prefix)
	if n.Depth() != depth {
		n = nil
	}
	return fn(n)
}

// KeyRange returns up to limit keys within the circular interval [x, y] in ascending
// order starting from x. Negative limit means no limit.
func (t *Trie) KeyRange(x, y types.Key, limit int) ([]types.Key, error) {
	return keystore.KeyRange(t.ks, x, y, limit)
}

// KeyExists returns true if the key is present in the trie.
func (t *Trie) KeyExists(k types.Key) (bool, error) {
	return t.ks.Has(k)
}

// CheckInvariants recalculates the counts and the hashes of all nodes from
// scratch and verifies that they match the cached ones.
func (t *Trie) CheckInvariants() error {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	if t.root.Depth() != 0 || t.root.Prefix() != types.ZeroKey {
		return fmt.Errorf("%w: bad root node %v", ErrInvariantViolation, t.root)
	}
	_, _, err := t.checkNode(t.root)
	return err
}

func (t *Trie) checkNode(n Node) (count int, h types.Hash, err error) {
	fail := func(format string, args ...any) (int, types.Hash, error) {
		return 0, types.EmptyHash, fmt.Errorf("%w: node %v: %s",
			ErrInvariantViolation, n, fmt.Sprintf(format, args...))
	}
	if n.Prefix() != n.Prefix().ClearSuffix(n.Depth()) {
		return fail("prefix not canonical")
	}
	switch n := n.(type) {
	case *Leaf:
		if n.dirty {
			return fail("hash not recalculated")
		}
		keys, err := keystore.MatchingKeys(t.ks, n.depth, n.prefix, -1)
		if err != nil {
			return 0, types.EmptyHash, err
		}
		count, h = len(keys), LeafHash(keys)
		if count > LeafCapacity {
			return fail("leaf holds %d keys", count)
		}
	case *Internal:
		if n.dirty {
			return fail("hash not recalculated")
		}
		if n.depth >= types.MaxDepth {
			return fail("internal node at max depth")
		}
		if len(n.children) != types.Fanout(n.depth) {
			return fail("bad number of children %d", len(n.children))
		}
		hs := make([]types.Hash, len(n.children))
		for slot, c := range n.children {
			if c.Depth() != n.depth+1 || c.Prefix() != childPrefix(n.depth, n.prefix, slot) {
				return fail("bad child %v at slot %d", c, slot)
			}
			cc, ch, err := t.checkNode(c)
			if err != nil {
				return 0, types.EmptyHash, err
			}
			count += cc
			hs[slot] = ch
		}
		h = InternalHash(count, hs)
		if count <= LeafCapacity {
			return fail("internal node holds only %d keys", count)
		}
	}
	if count != n.Count() {
		return fail("count mismatch: actual %d", count)
	}
	if h != n.Hash() {
		return fail("hash mismatch: actual %s", h.ShortString())
	}
	return count, h, nil
}

// Dump prints the trie structure for debugging purposes.
func (t *Trie) Dump(w io.Writer) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	t.dumpNode(w, t.root)
}

func (t *Trie) dumpNode(w io.Writer, n Node) {
	indent := strings.Repeat("  ", n.Depth())
	switch n := n.(type) {
	case *Leaf:
		fmt.Fprintf(w, "%sleaf %s\n", indent, n.String())
	case *Internal:
		fmt.Fprintf(w, "%sinternal %s\n", indent, n.String())
		for _, c := range n.children {
			if c.Count() != 0 {
				t.dumpNode(w, c)
			}
		}
	}
}
