package merklesync

import (
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-merklesync/sync2/merkle"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// WireNode is the serialized form of a trie node exchanged between peers.
// A leaf carries its keys in ascending order, and an internal node carries the
// hashes of its children in slot order.
type WireNode struct {
	Depth    uint8
	Prefix   types.Key
	Count    uint32
	Hash     types.Hash
	IsLeaf   bool
	Children []types.Hash
	Keys     []types.Key
}

// EncodeScale implements scale.Encodable.
func (w *WireNode) EncodeScale(e *scale.Encoder) (int, error) {
	var total int
	{
		n, err := scale.EncodeByte(e, w.Depth)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := w.Prefix.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(e, w.Count)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := w.Hash.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeBool(e, w.IsLeaf)
		if err != nil {
			return total, err
		}
		total += n
	}
	if w.IsLeaf {
		n, err := scale.EncodeStructSliceWithLimit(e, w.Keys, merkle.LeafCapacity)
		if err != nil {
			return total, err
		}
		total += n
	} else {
		n, err := scale.EncodeStructSliceWithLimit(e, w.Children, types.MaxFanout)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (w *WireNode) DecodeScale(d *scale.Decoder) (int, error) {
	var total int
	{
		v, c, err := scale.DecodeByte(d)
		if err != nil {
			return total, err
		}
		total += c
		w.Depth = v
	}
	{
		c, err := w.Prefix.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += c
	}
	{
		v, c, err := scale.DecodeCompact32(d)
		if err != nil {
			return total, err
		}
		total += c
		w.Count = v
	}
	{
		c, err := w.Hash.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += c
	}
	{
		v, c, err := scale.DecodeBool(d)
		if err != nil {
			return total, err
		}
		total += c
		w.IsLeaf = v
	}
	if w.IsLeaf {
		v, c, err := scale.DecodeStructSliceWithLimit[types.Key](d, merkle.LeafCapacity)
		if err != nil {
			return total, err
		}
		total += c
		w.Keys = v
	} else {
		v, c, err := scale.DecodeStructSliceWithLimit[types.Hash](d, types.MaxFanout)
		if err != nil {
			return total, err
		}
		total += c
		w.Children = v
	}
	return total, nil
}

// Interval returns the key range covered by the node.
func (w *WireNode) Interval() types.Interval {
	return types.SlotRange(int(w.Depth), w.Prefix)
}

// ChildPrefix returns the prefix of the child at the specified slot.
func (w *WireNode) ChildPrefix(slot int) types.Key {
	return w.Prefix.SetSlot(int(w.Depth), slot).ClearSuffix(int(w.Depth) + 1)
}

// Validate checks that the node is well-formed and its hash is consistent with
// its contents. It doesn't check the hash against any trie.
func (w *WireNode) Validate() error {
	depth := int(w.Depth)
	if depth > types.MaxDepth {
		return fmt.Errorf("%w: bad node depth %d", ErrInternal, depth)
	}
	if w.Prefix != w.Prefix.ClearSuffix(depth) {
		return fmt.Errorf("%w: non-canonical prefix %s at depth %d", ErrInternal, w.Prefix, depth)
	}
	if w.IsLeaf {
		if len(w.Children) != 0 {
			return fmt.Errorf("%w: leaf with children", ErrInternal)
		}
		if len(w.Keys) > merkle.LeafCapacity || int(w.Count) != len(w.Keys) {
			return fmt.Errorf("%w: leaf count %d doesn't match %d keys", ErrInternal, w.Count, len(w.Keys))
		}
		for i, k := range w.Keys {
			if !types.PrefixMatch(depth, k, w.Prefix) {
				return fmt.Errorf("%w: leaf key %s outside the prefix", ErrInternal, k)
			}
			if i > 0 && w.Keys[i-1].Compare(k) >= 0 {
				return fmt.Errorf("%w: leaf keys not in ascending order", ErrInternal)
			}
		}
		if w.Hash != merkle.LeafHash(w.Keys) {
			return fmt.Errorf("%w: leaf hash mismatch", ErrInternal)
		}
		return nil
	}
	if depth >= types.MaxDepth {
		return fmt.Errorf("%w: internal node at max depth", ErrInternal)
	}
	if len(w.Keys) != 0 {
		return fmt.Errorf("%w: internal node with keys", ErrInternal)
	}
	if len(w.Children) != types.Fanout(depth) {
		return fmt.Errorf("%w: internal node with %d children", ErrInternal, len(w.Children))
	}
	if w.Count <= merkle.LeafCapacity {
		return fmt.Errorf("%w: internal node with only %d keys", ErrInternal, w.Count)
	}
	if w.Hash != merkle.InternalHash(int(w.Count), w.Children) {
		return fmt.Errorf("%w: internal node hash mismatch", ErrInternal)
	}
	return nil
}

// MessageType identifies a request.
type MessageType byte

const (
	// MessageTypeSendNode requests a node by its (depth, prefix) address.
	MessageTypeSendNode MessageType = iota + 1
	// MessageTypeGetKeys requests the keys within a range.
	MessageTypeGetKeys
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSendNode:
		return "sendNode"
	case MessageTypeGetKeys:
		return "getKeys"
	default:
		return fmt.Sprintf("<unknown %d>", byte(t))
	}
}

// Status is the result code of a response.
type Status uint8

const (
	// StatusOK means the request was served.
	StatusOK Status = iota
	// StatusNotFound means the requested node doesn't exist.
	StatusNotFound
	// StatusMismatch means the responder doesn't serve the requested
	// vnode / content type combination.
	StatusMismatch
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusMismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("<unknown %d>", uint8(s))
	}
}

// Request is a message sent by the syncing peer.
type Request interface {
	scale.Encodable
	scale.Decodable
	Type() MessageType
}

// SendNodeRequest asks for the trie node at (Depth, Prefix).
type SendNodeRequest struct {
	VNode       types.Key
	ContentType uint8
	Depth       uint8
	Prefix      types.Key
}

var _ Request = &SendNodeRequest{}

// Type implements Request.
func (r *SendNodeRequest) Type() MessageType { return MessageTypeSendNode }

// EncodeScale implements scale.Encodable.
func (r *SendNodeRequest) EncodeScale(e *scale.Encoder) (int, error) {
	var total int
	{
		n, err := r.VNode.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByte(e, r.ContentType)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByte(e, r.Depth)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.Prefix.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (r *SendNodeRequest) DecodeScale(d *scale.Decoder) (int, error) {
	var total int
	{
		n, err := r.VNode.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		v, n, err := scale.DecodeByte(d)
		if err != nil {
			return total, err
		}
		total += n
		r.ContentType = v
	}
	{
		v, n, err := scale.DecodeByte(d)
		if err != nil {
			return total, err
		}
		total += n
		r.Depth = v
	}
	{
		n, err := r.Prefix.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// GetKeysRequest asks for up to Limit keys within [Min, Max] in ascending order.
// Zero Limit means the responder's default batch size.
type GetKeysRequest struct {
	VNode       types.Key
	ContentType uint8
	Min, Max    types.Key
	Limit       uint32
}

var _ Request = &GetKeysRequest{}

// Type implements Request.
func (r *GetKeysRequest) Type() MessageType { return MessageTypeGetKeys }

// EncodeScale implements scale.Encodable.
func (r *GetKeysRequest) EncodeScale(e *scale.Encoder) (int, error) {
	var total int
	{
		n, err := r.VNode.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByte(e, r.ContentType)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.Min.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.Max.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(e, r.Limit)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (r *GetKeysRequest) DecodeScale(d *scale.Decoder) (int, error) {
	var total int
	{
		n, err := r.VNode.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		v, n, err := scale.DecodeByte(d)
		if err != nil {
			return total, err
		}
		total += n
		r.ContentType = v
	}
	{
		n, err := r.Min.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.Max.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		v, n, err := scale.DecodeCompact32(d)
		if err != nil {
			return total, err
		}
		total += n
		r.Limit = v
	}
	return total, nil
}

// NodeResponse is the response to SendNodeRequest. Node is only present if Status
// is StatusOK.
type NodeResponse struct {
	Status Status
	Node   *WireNode
}

// EncodeScale implements scale.Encodable.
func (r *NodeResponse) EncodeScale(e *scale.Encoder) (int, error) {
	var total int
	{
		n, err := scale.EncodeByte(e, byte(r.Status))
		if err != nil {
			return total, err
		}
		total += n
	}
	if r.Status == StatusOK {
		if r.Node == nil {
			return total, fmt.Errorf("%w: no node in OK response", ErrInternal)
		}
		n, err := r.Node.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (r *NodeResponse) DecodeScale(d *scale.Decoder) (int, error) {
	var total int
	{
		v, n, err := scale.DecodeByte(d)
		if err != nil {
			return total, err
		}
		total += n
		r.Status = Status(v)
	}
	if r.Status == StatusOK {
		r.Node = &WireNode{}
		n, err := r.Node.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// KeysResponse is the response to GetKeysRequest. More is true if there are keys
// in the requested range beyond the last key returned.
type KeysResponse struct {
	Status Status
	Keys   []types.Key
	More   bool
}

// EncodeScale implements scale.Encodable.
func (r *KeysResponse) EncodeScale(e *scale.Encoder) (int, error) {
	var total int
	{
		n, err := scale.EncodeByte(e, byte(r.Status))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(e, r.Keys, MaxKeysPerResponse)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeBool(e, r.More)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (r *KeysResponse) DecodeScale(d *scale.Decoder) (int, error) {
	var total int
	{
		v, n, err := scale.DecodeByte(d)
		if err != nil {
			return total, err
		}
		total += n
		r.Status = Status(v)
	}
	{
		v, n, err := scale.DecodeStructSliceWithLimit[types.Key](d, MaxKeysPerResponse)
		if err != nil {
			return total, err
		}
		total += n
		r.Keys = v
	}
	{
		v, n, err := scale.DecodeBool(d)
		if err != nil {
			return total, err
		}
		total += n
		r.More = v
	}
	return total, nil
}
