package merklesync

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacemeshos/go-merklesync/codec"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// Requester sends a request to a peer and returns the response.
// *server.Server implements this interface.
type Requester interface {
	Request(ctx context.Context, pid peer.ID, req []byte, extraProtocols ...string) ([]byte, error)
}

type requestFunc func(ctx context.Context, req []byte) ([]byte, error)

// remote implements Remote on top of a request/response exchange.
type remote struct {
	vnode types.Key
	ct    ContentType
	limit uint32
	do    requestFunc
}

var _ Remote = &remote{}

func (r *remote) request(ctx context.Context, req Request, resp codec.Decodable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	respData, err := r.do(ctx, data)
	if err != nil {
		return err
	}
	if err := codec.Decode(respData, resp); err != nil {
		return fmt.Errorf("%w: bad %s response: %w", ErrInternal, req.Type(), err)
	}
	return nil
}

func statusError(s Status) error {
	switch s {
	case StatusOK:
		return nil
	case StatusNotFound:
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNodeNotFound)
	case StatusMismatch:
		return fmt.Errorf("%w: %w", ErrProtocol, ErrMismatch)
	default:
		return fmt.Errorf("%w: unknown status %s", ErrInternal, s)
	}
}

// SendNode implements Remote.
func (r *remote) SendNode(ctx context.Context, depth int, prefix types.Key) (*WireNode, error) {
	if depth < 0 || depth > types.MaxDepth {
		panic(fmt.Sprintf("BUG: bad depth %d", depth))
	}
	var resp NodeResponse
	if err := r.request(ctx, &SendNodeRequest{
		VNode:       r.vnode,
		ContentType: r.ct,
		Depth:       uint8(depth),
		Prefix:      prefix,
	}, &resp); err != nil {
		return nil, err
	}
	if err := statusError(resp.Status); err != nil {
		return nil, err
	}
	return resp.Node, nil
}

// GetKeys implements Remote.
func (r *remote) GetKeys(ctx context.Context, min, max types.Key) ([]types.Key, bool, error) {
	var resp KeysResponse
	if err := r.request(ctx, &GetKeysRequest{
		VNode:       r.vnode,
		ContentType: r.ct,
		Min:         min,
		Max:         max,
		Limit:       r.limit,
	}, &resp); err != nil {
		return nil, false, err
	}
	if err := statusError(resp.Status); err != nil {
		return nil, false, err
	}
	return resp.Keys, resp.More, nil
}

// RemoteOpt configures a Remote created by NewLocalRemote or NewClient.
type RemoteOpt func(*remote)

// WithKeysLimit specifies the maximum number of keys requested per GetKeys
// call. Zero means the responder's default.
func WithKeysLimit(limit int) RemoteOpt {
	if limit < 0 || limit > MaxKeysPerResponse {
		panic(fmt.Sprintf("BUG: bad keys limit %d", limit))
	}
	return func(r *remote) {
		r.limit = uint32(limit)
	}
}

func newRemote(vnode types.Key, ct ContentType, do requestFunc, opts []RemoteOpt) *remote {
	r := &remote{vnode: vnode, ct: ct, do: do}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewLocalRemote returns a Remote that serves the requests using a Handler within
// the same process. The requests and responses are still serialized.
func NewLocalRemote(h *Handler, vnode types.Key, ct ContentType, opts ...RemoteOpt) Remote {
	return newRemote(vnode, ct, h.Handle, opts)
}

// NewClient returns a Remote that sends the requests to the specified peer.
func NewClient(r Requester, pid peer.ID, vnode types.Key, ct ContentType, opts ...RemoteOpt) Remote {
	return newRemote(vnode, ct, func(ctx context.Context, req []byte) ([]byte, error) {
		return r.Request(ctx, pid, req)
	}, opts)
}
