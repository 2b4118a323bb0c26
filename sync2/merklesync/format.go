package merklesync

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spacemeshos/go-merklesync/codec"
	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/merkle"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// MaxKeysPerResponse is the maximum number of keys in a KeysResponse.
const MaxKeysPerResponse = merkle.LeafCapacity

// Format returns the wire form of the node at (depth, prefix) in the trie.
// The keys of a leaf are read from the trie's KeyStore, and the count and hash of
// the leaf are recomputed from them, so the result is always self-consistent.
// Internal node hashes are taken from the trie as is. Internal nodes with a pending
// hash recalculation are not formatted and ErrNotHashed is returned for them, so a
// trie with deferred rehashing must be rehashed with HashTree before it is served.
// ErrNodeNotFound is returned if the trie doesn't have a node at (depth, prefix).
func Format(trie *merkle.Trie, depth int, prefix types.Key) (*WireNode, error) {
	if depth < 0 || depth > types.MaxDepth {
		return nil, fmt.Errorf("%w: bad depth %d", ErrNodeNotFound, depth)
	}
	prefix = prefix.ClearSuffix(depth)
	var wn *WireNode
	if err := trie.ReadNode(depth, prefix, func(n merkle.Node) error {
		if n == nil {
			return ErrNodeNotFound
		}
		wn = &WireNode{
			Depth:  uint8(depth),
			Prefix: prefix,
			IsLeaf: n.IsLeaf(),
		}
		if in, ok := n.(*merkle.Internal); ok {
			if in.Dirty() {
				return fmt.Errorf("%w: %d:%s", ErrNotHashed, depth, prefix.ShortString())
			}
			wn.Count = uint32(in.Count())
			wn.Hash = in.Hash()
			wn.Children = in.ChildHashes()
			return nil
		}
		// One more than the capacity to detect a leaf that's out of sync with the
		// store.
		keys, err := keystore.MatchingKeys(trie.Store(), depth, prefix, merkle.LeafCapacity+1)
		if err != nil {
			return fmt.Errorf("get leaf keys: %w", err)
		}
		if len(keys) > merkle.LeafCapacity {
			keys = keys[:merkle.LeafCapacity]
		}
		wn.Keys = keys
		wn.Count = uint32(len(keys))
		wn.Hash = merkle.LeafHash(keys)
		return nil
	}); err != nil {
		return nil, err
	}
	return wn, nil
}

// EncodeRequest serializes a request prefixed by its message type.
func EncodeRequest(req Request) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte(byte(req.Type()))
	if _, err := codec.EncodeTo(&b, req); err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Type(), err)
	}
	return b.Bytes(), nil
}

// DecodeRequest parses a request serialized by EncodeRequest.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) == 0 {
		return nil, errors.New("empty request")
	}
	var req Request
	switch t := MessageType(data[0]); t {
	case MessageTypeSendNode:
		req = &SendNodeRequest{}
	case MessageTypeGetKeys:
		req = &GetKeysRequest{}
	default:
		return nil, fmt.Errorf("unknown message type %s", t)
	}
	if err := codec.Decode(data[1:], req); err != nil {
		return nil, fmt.Errorf("decode %s request: %w", req.Type(), err)
	}
	return req, nil
}
