package hash

import (
	"crypto/sha1"
	"hash"
	"sync"
)

// Size is the size of the SHA1 digest used for trie node hashes.
const Size = sha1.Size

// Pool is a global SHA1 hasher pool. It is meant to amortize allocations
// of hashers over time by allowing clients to reuse them.
var pool = &sync.Pool{
	New: func() any {
		return sha1.New()
	},
}

// GetHasher will get a SHA1 hasher from the pool.
// It may or may not allocate a new one. The hasher is always reset.
func GetHasher() hash.Hash {
	h := pool.Get().(hash.Hash)
	h.Reset()
	return h
}

// PutHasher returns the hasher back to the pool.
func PutHasher(hasher hash.Hash) {
	pool.Put(hasher)
}

// Sum computes the SHA1 digest of the concatenation of the chunks.
func Sum(chunks ...[]byte) (r [Size]byte) {
	h := GetHasher()
	defer PutHasher(h)
	for _, c := range chunks {
		h.Write(c)
	}
	h.Sum(r[:0])
	return r
}
