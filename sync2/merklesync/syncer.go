// Package merklesync implements set reconciliation between two peers holding
// Merkle tries over their key sets.
//
// The syncing peer walks the remote trie from the root, fetching only those
// subtrees whose hashes differ from the local ones. Where either side has a leaf,
// the keys within the leaf's range are fetched from the remote in batches and
// compared with the local ones. Each key present on only one side is reported to
// the caller, who is responsible for actually transferring the missing items.
package merklesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-merklesync/log"
	"github.com/spacemeshos/go-merklesync/sync2/merkle"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

var (
	// ErrAlreadyRunning is returned by Start if a sync session is in progress.
	ErrAlreadyRunning = errors.New("sync already running")
	// ErrSyncerDone is returned by Start after a sync session has completed or
	// the Syncer has been closed.
	ErrSyncerDone = errors.New("syncer is done")
	// ErrClosed is returned by Sync when the Syncer is closed before the sync
	// session completes.
	ErrClosed = errors.New("syncer closed")
	// ErrTransport wraps the errors that happen when communicating with the remote.
	ErrTransport = errors.New("transport error")
	// ErrProtocol wraps the errors the remote signals via the response status.
	ErrProtocol = errors.New("protocol error")
	// ErrInternal indicates malformed data, either received from the remote or
	// passed by the caller.
	ErrInternal = errors.New("internal error")
	// ErrNodeNotFound is returned when the requested trie node doesn't exist.
	ErrNodeNotFound = errors.New("node not found")
	// ErrMismatch is returned when the remote doesn't serve the requested trie.
	ErrMismatch = errors.New("vnode or content type mismatch")
	// ErrNotHashed is returned by Format for a node whose hash is not yet
	// recalculated.
	ErrNotHashed = errors.New("node hash not recalculated")
)

// DefaultMaxInFlight is the default maximum number of concurrent requests
// per sync session.
const DefaultMaxInFlight = 16

//go:generate mockgen -typed -package=merklesync -destination=./mocks_test.go -source=./syncer.go

// Remote represents the peer being synced against.
// Protocol failures are reported by wrapping ErrProtocol.
type Remote interface {
	// SendNode returns the remote trie node at the specified address.
	SendNode(ctx context.Context, depth int, prefix types.Key) (*WireNode, error)
	// GetKeys returns the keys within [min, max] in ascending order. If the
	// number of keys exceeds the batch limit of the remote, only the first
	// batch is returned and more is true.
	GetKeys(ctx context.Context, min, max types.Key) (keys []types.Key, more bool, err error)
}

// Direction indicates which side of the sync lacks a key.
type Direction int

const (
	// RemoteMissing means the key is present locally but missing on the remote.
	RemoteMissing Direction = iota
	// LocalMissing means the key is present on the remote but missing locally.
	LocalMissing
)

func (d Direction) String() string {
	switch d {
	case RemoteMissing:
		return "remote"
	case LocalMissing:
		return "local"
	default:
		return fmt.Sprintf("<unknown %d>", int(d))
	}
}

// MissingFunc is called for each key present on only one of the sides.
// It is never called concurrently. It must not call any methods of the Syncer.
type MissingFunc func(k types.Key, dir Direction)

// DoneFunc is called once the sync session is finished.
type DoneFunc func(err error)

// Tracer receives notifications about the sync walk.
type Tracer interface {
	// OnSkip is called when a subtree is skipped because the corresponding local
	// node has disappeared due to concurrent local changes.
	OnSkip(depth int, prefix types.Key)
}

type nullTracer struct{}

func (nullTracer) OnSkip(int, types.Key) {}

// Opt configures the Syncer.
type Opt func(*Syncer)

// WithLogger specifies the logger for the Syncer.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithMaxInFlight specifies the maximum number of concurrent requests in a sync
// session.
func WithMaxInFlight(n int) Opt {
	if n <= 0 {
		panic(fmt.Sprintf("BUG: bad max in-flight request count %d", n))
	}
	return func(s *Syncer) {
		s.maxInFlight = n
	}
}

// WithTracer specifies a tracer for the Syncer.
func WithTracer(t Tracer) Opt {
	return func(s *Syncer) {
		s.tracer = t
	}
}

type syncerState int

const (
	stateIdle syncerState = iota
	stateRunning
	stateDone
)

// Syncer runs a single sync session between the local trie and a Remote.
// It never modifies the local trie.
type Syncer struct {
	logger      *zap.Logger
	trie        *merkle.Trie
	remote      Remote
	maxInFlight int
	tracer      Tracer

	mtx   sync.Mutex
	state syncerState
	sess  *session
}

// NewSyncer creates a new Syncer.
func NewSyncer(trie *merkle.Trie, remote Remote, opts ...Opt) *Syncer {
	s := &Syncer{
		logger:      zap.NewNop(),
		trie:        trie,
		remote:      remote,
		maxInFlight: DefaultMaxInFlight,
		tracer:      nullTracer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts syncing the keys within the circular range [min, max].
// onMissing is called for each key found on only one side, and onDone is called
// exactly once when the session ends, unless the Syncer is closed before that.
// Start doesn't block.
func (s *Syncer) Start(ctx context.Context, min, max types.Key, onMissing MissingFunc, onDone DoneFunc) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	switch s.state {
	case stateRunning:
		return ErrAlreadyRunning
	case stateDone:
		return ErrSyncerDone
	}
	ctx = log.WithNewSessionID(ctx)
	ctx, cancel := context.WithCancel(ctx)
	s.sess = &session{
		s:         s,
		ctx:       ctx,
		cancel:    cancel,
		logger:    s.logger.With(log.ZContext(ctx)),
		rng:       types.Interval{Min: min, Max: max},
		onMissing: onMissing,
		onDone:    onDone,
		alive:     true,
		started:   time.Now(),
		closed:    make(chan struct{}),
	}
	s.state = stateRunning
	s.sess.logger.Debug("sync started", zap.Object("range", s.sess.rng))
	s.sess.sendNode(nil, 0, types.ZeroKey)
	return nil
}

// Sync runs a sync session over the circular range [min, max] and waits for
// it to complete.
func (s *Syncer) Sync(ctx context.Context, min, max types.Key, onMissing MissingFunc) error {
	done := make(chan error, 1)
	if err := s.Start(ctx, min, max, onMissing, func(err error) {
		done <- err
	}); err != nil {
		return err
	}
	s.mtx.Lock()
	closed := s.sess.closed
	s.mtx.Unlock()
	select {
	case err := <-done:
		return err
	case <-closed:
		return ErrClosed
	}
}

// Close terminates the sync session, if any. The responses to the requests
// still in flight are discarded and no callbacks are invoked afterwards.
// The Syncer can't be restarted after Close.
func (s *Syncer) Close() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.sess != nil && s.sess.alive {
		s.sess.logger.Debug("sync session closed")
		s.sess.kill()
		s.sess.onDone = nil
	}
	s.state = stateDone
}

// frame is an expansion step of the walk: a pair of differing internal nodes whose
// children are being compared.
type frame struct {
	remote, local *WireNode
	nextSlot      int
	// number of requests issued for this frame's children still in flight
	outstanding int
}

// session holds the state of a single sync session. All of its fields are
// guarded by the Syncer's mutex.
type session struct {
	s         *Syncer
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	rng       types.Interval
	onMissing MissingFunc
	onDone    DoneFunc
	started   time.Time
	closed    chan struct{}

	alive       bool
	pending     []*frame
	outstanding int
	finished    bool
	err         error
}

func (sess *session) kill() {
	sess.alive = false
	sess.pending = nil
	sess.cancel()
	close(sess.closed)
}

// finish ends the session with the specified result. It must be called
// with the Syncer's mutex held.
func (sess *session) finish(err error) {
	if !sess.alive {
		return
	}
	sess.alive = false
	sess.pending = nil
	sess.cancel()
	sess.finished = true
	sess.err = err
	sess.s.state = stateDone
	elapsed := time.Since(sess.started)
	if err != nil {
		sessionsFailed.Inc()
		sessionDuration.WithLabelValues("fail").Observe(elapsed.Seconds())
		sess.logger.Debug("sync failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		sessionsOK.Inc()
		sessionDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
		sess.logger.Debug("sync done", zap.Duration("elapsed", elapsed))
	}
}

// takeDone returns the completion callback if it is due. It must be called with
// the Syncer's mutex held, and the result must be invoked after the mutex is
// released.
func (sess *session) takeDone() func() {
	if !sess.finished || sess.onDone == nil {
		return nil
	}
	cb, err := sess.onDone, sess.err
	sess.onDone = nil
	return func() { cb(err) }
}

// resume runs the continuation of a request after its response arrives.
func (sess *session) resume(fn func()) {
	s := sess.s
	s.mtx.Lock()
	if !sess.alive {
		// the session is over, drop the response
		s.mtx.Unlock()
		return
	}
	sess.outstanding--
	fn()
	sess.pump()
	if sess.alive && len(sess.pending) == 0 && sess.outstanding == 0 {
		sess.finish(nil)
	}
	done := sess.takeDone()
	s.mtx.Unlock()
	if done != nil {
		done()
	}
}

func (sess *session) remoteError(err error) error {
	switch {
	case sess.ctx.Err() != nil:
		return err
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrInternal):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

func (sess *session) sendNode(parent *frame, depth int, prefix types.Key) {
	sess.outstanding++
	if parent != nil {
		parent.outstanding++
	}
	sendNodeRPCs.Inc()
	go func() {
		remote, err := sess.s.remote.SendNode(sess.ctx, depth, prefix)
		sess.resume(func() {
			if parent != nil {
				parent.outstanding--
			}
			sess.handleNode(depth, prefix, remote, err)
		})
	}()
}

func (sess *session) handleNode(depth int, prefix types.Key, remote *WireNode, err error) {
	if err != nil {
		sess.finish(fmt.Errorf("send node %d:%s: %w", depth, prefix.ShortString(), sess.remoteError(err)))
		return
	}
	if remote == nil {
		sess.finish(fmt.Errorf("%w: no node received", ErrInternal))
		return
	}
	if int(remote.Depth) != depth || remote.Prefix != prefix {
		sess.finish(fmt.Errorf("%w: requested node %d:%s, received %d:%s", ErrInternal,
			depth, prefix.ShortString(), remote.Depth, remote.Prefix.ShortString()))
		return
	}
	if err := remote.Validate(); err != nil {
		sess.finish(fmt.Errorf("received node %d:%s: %w", depth, prefix.ShortString(), err))
		return
	}
	local, err := Format(sess.s.trie, depth, prefix)
	switch {
	case errors.Is(err, ErrNodeNotFound):
		sess.logger.Debug("local node not found, skipping subtree",
			zap.Int("depth", depth), log.ZShortStringer("prefix", prefix))
		skippedSubtrees.Inc()
		sess.s.tracer.OnSkip(depth, prefix)
		return
	case err != nil:
		sess.finish(fmt.Errorf("format local node %d:%s: %w", depth, prefix.ShortString(), err))
		return
	}
	sess.compare(remote, local)
}

func (sess *session) compare(remote, local *WireNode) {
	if remote.Hash == local.Hash {
		return
	}
	if remote.IsLeaf || local.IsLeaf {
		for _, piece := range remote.Interval().Intersect(sess.rng) {
			sess.getKeys(piece.Min, piece.Max)
		}
		return
	}
	sess.pending = append(sess.pending, &frame{remote: remote, local: local})
}

// pump expands the pending frames, top of the stack first. A frame is only
// expanded further after all the requests it has issued have returned.
func (sess *session) pump() {
	for sess.alive && len(sess.pending) != 0 {
		f := sess.pending[len(sess.pending)-1]
		if f.outstanding > 0 {
			return
		}
		depth := int(f.remote.Depth)
		for f.nextSlot < len(f.remote.Children) && sess.outstanding < sess.s.maxInFlight {
			slot := f.nextSlot
			f.nextSlot++
			if f.remote.Children[slot] == f.local.Children[slot] {
				continue
			}
			prefix := f.remote.ChildPrefix(slot)
			if !types.SlotRange(depth+1, prefix).Overlaps(sess.rng) {
				continue
			}
			sess.sendNode(f, depth+1, prefix)
		}
		if f.outstanding != 0 || f.nextSlot < len(f.remote.Children) {
			return
		}
		sess.pending = sess.pending[:len(sess.pending)-1]
	}
}

func (sess *session) getKeys(min, max types.Key) {
	sess.outstanding++
	getKeysRPCs.Inc()
	go func() {
		keys, more, err := sess.s.remote.GetKeys(sess.ctx, min, max)
		sess.resume(func() {
			sess.handleKeys(min, max, keys, more, err)
		})
	}()
}

func (sess *session) handleKeys(min, max types.Key, remoteKeys []types.Key, more bool, err error) {
	if err != nil {
		sess.finish(fmt.Errorf("get keys [%s, %s]: %w",
			min.ShortString(), max.ShortString(), sess.remoteError(err)))
		return
	}
	rng := types.Interval{Min: min, Max: max}
	for i, k := range remoteKeys {
		if !rng.Contains(k) {
			sess.finish(fmt.Errorf("%w: received key %s outside [%s, %s]",
				ErrInternal, k, min, max))
			return
		}
		if i > 0 && remoteKeys[i-1].Compare(k) >= 0 {
			sess.finish(fmt.Errorf("%w: received keys not in ascending order", ErrInternal))
			return
		}
	}
	sentMax := max
	if more {
		if len(remoteKeys) == 0 {
			sess.finish(fmt.Errorf("%w: empty key batch with more keys pending", ErrInternal))
			return
		}
		sentMax = remoteKeys[len(remoteKeys)-1]
	}
	localKeys, err := sess.s.trie.KeyRange(min, sentMax, -1)
	if err != nil {
		sess.finish(fmt.Errorf("get local keys: %w", err))
		return
	}
	sess.reconcile(localKeys, remoteKeys)
	if !more || sentMax == max {
		return
	}
	if next, overflow := sentMax.Inc(); !overflow {
		sess.getKeys(next, max)
	}
}

// reconcile reports the differences between two sorted key lists.
func (sess *session) reconcile(localKeys, remoteKeys []types.Key) {
	i, j := 0, 0
	for i < len(localKeys) || j < len(remoteKeys) {
		var c int
		switch {
		case i == len(localKeys):
			c = 1
		case j == len(remoteKeys):
			c = -1
		default:
			c = localKeys[i].Compare(remoteKeys[j])
		}
		switch {
		case c < 0:
			sess.missing(localKeys[i], RemoteMissing)
			i++
		case c > 0:
			sess.missing(remoteKeys[j], LocalMissing)
			j++
		default:
			i++
			j++
		}
	}
}

func (sess *session) missing(k types.Key, dir Direction) {
	if dir == RemoteMissing {
		remoteMissingKeys.Inc()
	} else {
		localMissingKeys.Inc()
	}
	if sess.onMissing != nil {
		sess.onMissing(k, dir)
	}
}
