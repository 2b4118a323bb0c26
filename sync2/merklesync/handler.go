package merklesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-merklesync/codec"
	"github.com/spacemeshos/go-merklesync/log"
	"github.com/spacemeshos/go-merklesync/sync2/merkle"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// ContentType distinguishes between the different kinds of items stored under the
// same vnode.
type ContentType = uint8

type registryKey struct {
	vnode types.Key
	ct    ContentType
}

// Registry holds the tries served to the remote peers, keyed by vnode ID and
// content type.
type Registry struct {
	mtx   sync.RWMutex
	tries map[registryKey]*merkle.Trie
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tries: make(map[registryKey]*merkle.Trie)}
}

// Register adds a trie to the registry, replacing the one previously registered
// for the same vnode and content type, if any.
func (r *Registry) Register(vnode types.Key, ct ContentType, trie *merkle.Trie) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.tries[registryKey{vnode: vnode, ct: ct}] = trie
}

// Unregister removes the trie from the registry.
func (r *Registry) Unregister(vnode types.Key, ct ContentType) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.tries, registryKey{vnode: vnode, ct: ct})
}

// Get returns the trie registered for the vnode and content type.
func (r *Registry) Get(vnode types.Key, ct ContentType) (*merkle.Trie, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	t, found := r.tries[registryKey{vnode: vnode, ct: ct}]
	return t, found
}

// Entry is a trie registered in a Registry.
type Entry struct {
	VNode       types.Key
	ContentType ContentType
	Trie        *merkle.Trie
}

// Entries returns all the registered tries.
func (r *Registry) Entries() []Entry {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	entries := make([]Entry, 0, len(r.tries))
	for k, t := range r.tries {
		entries = append(entries, Entry{VNode: k.vnode, ContentType: k.ct, Trie: t})
	}
	return entries
}

// HandlerOpt configures the Handler.
type HandlerOpt func(*Handler)

// WithHandlerLogger specifies the logger for the Handler.
func WithHandlerLogger(logger *zap.Logger) HandlerOpt {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithBatchLimit specifies the maximum number of keys returned in response to a
// single GetKeys request.
func WithBatchLimit(n int) HandlerOpt {
	if n <= 0 || n > MaxKeysPerResponse {
		panic(fmt.Sprintf("BUG: bad batch limit %d", n))
	}
	return func(h *Handler) {
		h.batchLimit = n
	}
}

// Handler serves SendNode and GetKeys requests for the tries in a Registry.
type Handler struct {
	logger     *zap.Logger
	reg        *Registry
	batchLimit int
}

// NewHandler creates a new Handler.
func NewHandler(reg *Registry, opts ...HandlerOpt) *Handler {
	h := &Handler{
		logger:     zap.NewNop(),
		reg:        reg,
		batchLimit: MaxKeysPerResponse,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SendNode serves a SendNodeRequest.
func (h *Handler) SendNode(req *SendNodeRequest) (*NodeResponse, error) {
	trie, found := h.reg.Get(req.VNode, req.ContentType)
	if !found {
		return &NodeResponse{Status: StatusMismatch}, nil
	}
	if int(req.Depth) > types.MaxDepth {
		return &NodeResponse{Status: StatusNotFound}, nil
	}
	wn, err := Format(trie, int(req.Depth), req.Prefix)
	switch {
	case errors.Is(err, ErrNodeNotFound):
		return &NodeResponse{Status: StatusNotFound}, nil
	case err != nil:
		return nil, err
	}
	return &NodeResponse{Status: StatusOK, Node: wn}, nil
}

// GetKeys serves a GetKeysRequest.
func (h *Handler) GetKeys(req *GetKeysRequest) (*KeysResponse, error) {
	trie, found := h.reg.Get(req.VNode, req.ContentType)
	if !found {
		return &KeysResponse{Status: StatusMismatch}, nil
	}
	limit := h.batchLimit
	if req.Limit != 0 && int(req.Limit) < limit {
		limit = int(req.Limit)
	}
	keys, err := trie.KeyRange(req.Min, req.Max, limit+1)
	if err != nil {
		return nil, err
	}
	resp := &KeysResponse{Status: StatusOK, Keys: keys}
	if len(keys) > limit {
		resp.Keys = keys[:limit]
		resp.More = true
	}
	return resp, nil
}

// Handle decodes a request, serves it and returns the encoded response.
// It can be used as a p2p/server Handler.
func (h *Handler) Handle(ctx context.Context, msg []byte) ([]byte, error) {
	req, err := DecodeRequest(msg)
	if err != nil {
		h.logger.Debug("bad request", log.ZContext(ctx), zap.Error(err))
		return nil, err
	}
	var (
		resp   codec.Encodable
		status Status
	)
	switch req := req.(type) {
	case *SendNodeRequest:
		r, err := h.SendNode(req)
		if err != nil {
			return nil, err
		}
		resp, status = r, r.Status
	case *GetKeysRequest:
		r, err := h.GetKeys(req)
		if err != nil {
			return nil, err
		}
		resp, status = r, r.Status
	default:
		panic(fmt.Sprintf("BUG: unexpected request type %T", req))
	}
	servedRequests.WithLabelValues(req.Type().String(), status.String()).Inc()
	h.logger.Debug("served request", log.ZContext(ctx),
		zap.Stringer("type", req.Type()),
		zap.Stringer("status", status))
	return codec.Encode(resp)
}
