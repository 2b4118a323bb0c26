// Package keystore defines the ordered key set that backs a Merkle trie, along with
// its in-memory implementation. Persistent backends live in the subpackages.
package keystore

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-merklesync/sync2/types"
)

var (
	// ErrKeyExists is returned when adding a key that is already present.
	ErrKeyExists = errors.New("key already exists")
	// ErrKeyNotFound is returned when removing a key that is not present.
	ErrKeyNotFound = errors.New("key not found")
)

// KeyStore is an ordered set of keys.
// Implementations must be safe for concurrent use.
type KeyStore interface {
	// Add adds the key to the store, returning ErrKeyExists if it's already present.
	Add(k types.Key) error
	// Remove removes the key from the store, returning ErrKeyNotFound if it's not
	// present.
	Remove(k types.Key) error
	// Has returns true if the key is present in the store.
	Has(k types.Key) (bool, error)
	// Range returns up to limit keys k such that x <= k <= y, in ascending order.
	// x must not be greater than y. Negative limit means no limit.
	Range(x, y types.Key, limit int) ([]types.Key, error)
	// Count returns the number of keys in the store.
	Count() (int, error)
}

// BatchAdder is implemented by the KeyStores that can add multiple keys at once
// more efficiently than with separate Add calls.
type BatchAdder interface {
	// AddBatch adds the keys to the store. None of the keys may be present in the
	// store already.
	AddBatch(keys []types.Key) error
}

// MatchingKeys returns up to limit keys that belong to the subtree at the specified
// depth and prefix, in ascending order.
func MatchingKeys(ks KeyStore, depth int, prefix types.Key, limit int) ([]types.Key, error) {
	r := types.SlotRange(depth, prefix)
	keys, err := ks.Range(r.Min, r.Max, limit)
	if err != nil {
		return nil, fmt.Errorf("matching keys at depth %d: %w", depth, err)
	}
	return keys, nil
}

// KeyRange returns up to limit keys within the circular interval [x, y].
// If x > y, the interval wraps around through zero and the keys are returned
// starting from x, that is, keys in [x, MaxKey] followed by keys in [0, y].
// Negative limit means no limit.
func KeyRange(ks KeyStore, x, y types.Key, limit int) ([]types.Key, error) {
	iv := types.Interval{Min: x, Max: y}
	pieces := iv.Pieces()
	if iv.Wraps() {
		pieces[0], pieces[1] = pieces[1], pieces[0]
	}
	var r []types.Key
	for _, p := range pieces {
		n := -1
		if limit >= 0 {
			n = limit - len(r)
			if n == 0 {
				break
			}
		}
		keys, err := ks.Range(p.Min, p.Max, n)
		if err != nil {
			return nil, fmt.Errorf("key range: %w", err)
		}
		r = append(r, keys...)
	}
	return r, nil
}
