package types

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const (
	// KeySize is the size of a key in bytes.
	KeySize = 20
	// KeyBits is the size of a key in bits.
	KeyBits = KeySize * 8
	// SlotBits is the width of a regular slot (trie digit) in bits.
	SlotBits = 6
	// NumSlots is the number of slots in a key. The last slot only has
	// KeyBits - SlotBits*(NumSlots-1) = 4 bits.
	NumSlots = (KeyBits + SlotBits - 1) / SlotBits
	// MaxDepth is the depth of the deepest trie node. A node at MaxDepth
	// branches on the last (short) slot.
	MaxDepth = NumSlots - 1
	// MaxFanout is the branching factor of an internal node at depth < MaxDepth.
	MaxFanout = 1 << SlotBits
)

// ErrInvalidLength is returned when the key or hash is constructed from a byte slice of
// wrong size.
var ErrInvalidLength = errors.New("invalid length")

// SlotWidth returns the width of the specified slot in bits.
func SlotWidth(slot int) int {
	checkSlot(slot)
	if slot == NumSlots-1 {
		return KeyBits - SlotBits*(NumSlots-1)
	}
	return SlotBits
}

// Fanout returns the number of children of an internal node at the specified depth.
func Fanout(depth int) int {
	return 1 << SlotWidth(depth)
}

func checkSlot(slot int) {
	if slot < 0 || slot >= NumSlots {
		panic(fmt.Sprintf("BUG: bad slot index %d", slot))
	}
}

func checkDepth(depth int) {
	if depth < 0 || depth > NumSlots {
		panic(fmt.Sprintf("BUG: bad depth %d", depth))
	}
}

// Key is a 160-bit identifier on the circular keyspace [0, 2^160).
// Keys are ordered as big-endian unsigned integers.
type Key [KeySize]byte

var (
	// ZeroKey is the smallest key.
	ZeroKey Key
	// MaxKey is the largest key.
	MaxKey = func() Key {
		var k Key
		for i := range k {
			k[i] = 0xff
		}
		return k
	}()
)

// KeyFromBytes creates a Key from a byte slice which must be exactly KeySize bytes long.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: key of %d bytes", ErrInvalidLength, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromHex converts a hex string to Key.
func KeyFromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("bad hex key %q: %w", s, err)
	}
	return KeyFromBytes(b)
}

// MustKeyFromHex converts a hex string to Key, panicking on error.
// It is intended to be used in tests.
func MustKeyFromHex(s string) Key {
	k, err := KeyFromHex(s)
	if err != nil {
		panic("bad hex key: " + err.Error())
	}
	return k
}

// KeyFromBig converts a non-negative integer to a Key, taking it modulo 2^160.
func KeyFromBig(v *big.Int) Key {
	var k Key
	m := new(big.Int).Lsh(big.NewInt(1), KeyBits)
	new(big.Int).Mod(v, m).FillBytes(k[:])
	return k
}

// RandomKey generates a random key for testing.
func RandomKey() Key {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		panic("rand: " + err.Error())
	}
	return k
}

// Bytes returns the key as a byte slice.
func (k Key) Bytes() []byte { return k[:] }

// Big returns the position of the key on the keyspace ring.
func (k Key) Big() *big.Int { return new(big.Int).SetBytes(k[:]) }

// String implements fmt.Stringer.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString implements log.ShortString.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:5])
}

// Compare compares two keys numerically.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// IsZero returns true if all the bits of the key are zero.
func (k Key) IsZero() bool {
	return k == ZeroKey
}

func (k Key) bit(n int) bool {
	return k[n/8]&(0x80>>uint(n%8)) != 0
}

// Slot returns the value of the specified slot.
func (k Key) Slot(slot int) int {
	start := slot * SlotBits
	v := 0
	for n := range SlotWidth(slot) {
		v <<= 1
		if k.bit(start + n) {
			v |= 1
		}
	}
	return v
}

// SetSlot returns a copy of the key with the specified slot set to v.
func (k Key) SetSlot(slot, v int) Key {
	w := SlotWidth(slot)
	if v < 0 || v >= 1<<w {
		panic(fmt.Sprintf("BUG: bad value %d for slot %d", v, slot))
	}
	start := slot * SlotBits
	for n := range w {
		mask := byte(0x80 >> uint((start+n)%8))
		if v&(1<<uint(w-1-n)) != 0 {
			k[(start+n)/8] |= mask
		} else {
			k[(start+n)/8] &^= mask
		}
	}
	return k
}

func suffixStart(depth int) int {
	checkDepth(depth)
	return min(depth*SlotBits, KeyBits)
}

// ClearSuffix returns a copy of the key with all the slots starting with depth
// zeroed. The result is the canonical prefix of the subtree at the given depth.
func (k Key) ClearSuffix(depth int) Key {
	bit := suffixStart(depth)
	bi := bit / 8
	if bi >= KeySize {
		return k
	}
	clear(k[bi+1:])
	k[bi] &^= 0xff >> uint(bit%8)
	return k
}

// SuffixMax returns a copy of the key with all the bits of the slots starting with
// depth set. The result is the largest key in the subtree at the given depth.
func (k Key) SuffixMax(depth int) Key {
	bit := suffixStart(depth)
	bi := bit / 8
	if bi >= KeySize {
		return k
	}
	for i := bi + 1; i < KeySize; i++ {
		k[i] = 0xff
	}
	k[bi] |= 0xff >> uint(bit%8)
	return k
}

// Inc returns the key incremented by one. It returns true if the increment has caused
// an overflow, in which case the result is ZeroKey.
func (k Key) Inc() (Key, bool) {
	for i := KeySize - 1; i >= 0; i-- {
		k[i]++
		if k[i] != 0 {
			return k, false
		}
	}
	return k, true
}

// PrefixMatch returns true if a and b agree on their first nslots slots.
func PrefixMatch(nslots int, a, b Key) bool {
	return a.ClearSuffix(nslots) == b.ClearSuffix(nslots)
}

// Hash is a SHA1 digest summarizing a subtree. The zero Hash denotes an empty subtree.
type Hash [KeySize]byte

// EmptyHash is the hash of an empty subtree.
var EmptyHash Hash

// HashFromBytes creates a Hash from a byte slice which must be exactly KeySize bytes long.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: hash of %d bytes", ErrInvalidLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// IsZero returns true for the empty subtree hash.
func (h Hash) IsZero() bool {
	return h == EmptyHash
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString implements log.ShortString.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:5])
}
