// Package sync2 runs periodic Merkle trie reconciliation against connected
// peers and serves the reconciliation requests of other peers.
package sync2

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/seehuhn/mt19937"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-merklesync/log"
	"github.com/spacemeshos/go-merklesync/metrics/public"
	"github.com/spacemeshos/go-merklesync/p2p/server"
	"github.com/spacemeshos/go-merklesync/sync2/merklesync"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// Protocol is the libp2p protocol ID of the merklesync request server.
const Protocol = "/merklesync/1"

// Config configures P2PMerkleSync.
type Config struct {
	SyncInterval           time.Duration `mapstructure:"sync-interval"`
	NoPeersRecheckInterval time.Duration `mapstructure:"no-peers-recheck-interval"`
	Timeout                time.Duration `mapstructure:"timeout"`
	SyncPeerCount          int           `mapstructure:"sync-peer-count"`
	MaxInFlight            int           `mapstructure:"max-in-flight"`
	GetKeysLimit           int           `mapstructure:"get-keys-limit"`
	BatchLimit             int           `mapstructure:"batch-limit"`
	QueueSize              int           `mapstructure:"queue-size"`
	RequestsPerSecond      int           `mapstructure:"requests-per-second"`
}

// DefaultConfig returns the default P2PMerkleSync configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:           time.Minute,
		NoPeersRecheckInterval: 10 * time.Second,
		Timeout:                10 * time.Second,
		SyncPeerCount:          4,
		MaxInFlight:            merklesync.DefaultMaxInFlight,
		GetKeysLimit:           merklesync.MaxKeysPerResponse,
		BatchLimit:             merklesync.MaxKeysPerResponse,
		QueueSize:              1000,
		RequestsPerSecond:      100,
	}
}

// PeerSource provides the peers to sync with.
type PeerSource interface {
	ConnectedPeers() []peer.ID
}

// MissingKeyHandler receives the keys that a peer has within the registered
// trie and the local node lacks.
type MissingKeyHandler interface {
	HandleMissing(ctx context.Context, e merklesync.Entry, p peer.ID, keys []types.Key) error
}

// InsertHandler is a MissingKeyHandler that inserts the missing keys into the
// local trie, as a single batch when the trie's KeyStore supports it.
// Keys that are already present are skipped.
type InsertHandler struct{}

// HandleMissing implements MissingKeyHandler.
func (InsertHandler) HandleMissing(_ context.Context, e merklesync.Entry, _ peer.ID, keys []types.Key) error {
	if _, err := e.Trie.InsertBatch(keys); err != nil {
		if loadErr := e.Trie.Load(); loadErr != nil {
			return errors.Join(err, loadErr)
		}
		return err
	}
	return nil
}

// Opt configures P2PMerkleSync.
type Opt func(*P2PMerkleSync)

// WithLogger configures the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *P2PMerkleSync) {
		s.logger = logger
	}
}

// WithClock sets the clock used to schedule the syncs.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *P2PMerkleSync) {
		s.clock = clock
	}
}

// WithMissingKeyHandler replaces the default InsertHandler.
func WithMissingKeyHandler(h MissingKeyHandler) Opt {
	return func(s *P2PMerkleSync) {
		s.missing = h
	}
}

// WithSeed seeds the peer selection.
func WithSeed(seed int64) Opt {
	return func(s *P2PMerkleSync) {
		s.rng.Seed(seed)
	}
}

// P2PMerkleSync periodically reconciles every registered trie with a random
// selection of the connected peers.
type P2PMerkleSync struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	cfg     Config
	reg     *merklesync.Registry
	peers   PeerSource
	missing MissingKeyHandler
	handler *merklesync.Handler
	srv     *server.Server
	rng     *rand.Rand
	cancel  context.CancelFunc
	eg      errgroup.Group
	start   sync.Once
	running atomic.Bool
	synced  chan struct{}
}

// NewP2PMerkleSync creates a P2PMerkleSync that serves the tries in reg on host h
// and syncs them with the peers provided by peers.
func NewP2PMerkleSync(
	h server.Host,
	peers PeerSource,
	reg *merklesync.Registry,
	cfg Config,
	opts ...Opt,
) *P2PMerkleSync {
	s := &P2PMerkleSync{
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		cfg:     cfg,
		reg:     reg,
		peers:   peers,
		missing: InsertHandler{},
		rng:     rand.New(mt19937.New()),
		synced:  make(chan struct{}, 1),
	}
	s.rng.Seed(time.Now().UnixNano())
	for _, opt := range opts {
		opt(s)
	}
	s.handler = merklesync.NewHandler(reg,
		merklesync.WithHandlerLogger(s.logger.Named("handler")),
		merklesync.WithBatchLimit(cfg.BatchLimit))
	s.srv = server.New(h, Protocol, server.WrapHandler(s.handle),
		server.WithTimeout(cfg.Timeout),
		server.WithQueueSize(cfg.QueueSize),
		server.WithRequestsPerInterval(cfg.RequestsPerSecond, time.Second),
		server.WithLogger(s.logger.Named("server")),
		server.WithMetrics())
	return s
}

func (s *P2PMerkleSync) handle(ctx context.Context, req []byte) ([]byte, error) {
	if !s.running.Load() {
		return nil, errors.New("sync server not running")
	}
	return s.handler.Handle(ctx, req)
}

// Server returns the request server, which also serves as the client for
// the outgoing requests.
func (s *P2PMerkleSync) Server() *server.Server {
	return s.srv
}

// Start the server and the sync loop.
func (s *P2PMerkleSync) Start() {
	s.start.Do(func() {
		var ctx context.Context
		ctx, s.cancel = context.WithCancel(context.Background())
		s.running.Store(true)
		s.eg.Go(func() error { return s.srv.Run(ctx) })
		s.eg.Go(func() error { return s.run(ctx) })
	})
}

// Stop the server and the sync loop, waiting for them to terminate.
func (s *P2PMerkleSync) Stop() {
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("P2PMerkleSync terminated with an error", zap.Error(err))
	}
}

// Synced returns a channel that receives a value after every sync round.
// It is used for testing.
func (s *P2PMerkleSync) Synced() <-chan struct{} {
	return s.synced
}

func (s *P2PMerkleSync) run(ctx context.Context) error {
	for {
		interval := s.cfg.SyncInterval
		n, err := s.SyncOnce(ctx)
		switch {
		case err != nil:
			return err
		case n == 0:
			s.logger.Debug("no peers to sync with")
			interval = s.cfg.NoPeersRecheckInterval
		}
		select {
		case s.synced <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(interval):
		}
	}
}

func (s *P2PMerkleSync) selectPeers() []peer.ID {
	peers := s.peers.ConnectedPeers()
	s.rng.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	if len(peers) > s.cfg.SyncPeerCount {
		peers = peers[:s.cfg.SyncPeerCount]
	}
	return peers
}

// SyncOnce reconciles every registered trie with the selected peers over the
// full key range and returns the number of peers involved. The sync failures
// for individual peers are logged and don't fail the round.
func (s *P2PMerkleSync) SyncOnce(ctx context.Context) (int, error) {
	peers := s.selectPeers()
	public.Peers.Set(float64(len(peers)))
	if len(peers) == 0 {
		return 0, nil
	}
	var eg errgroup.Group
	for _, p := range peers {
		eg.Go(func() error {
			for _, e := range s.reg.Entries() {
				if err := s.syncPeer(ctx, p, e); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					s.logger.Warn("sync failed",
						zap.Stringer("peer", p),
						log.ZShortStringer("vnode", e.VNode),
						zap.Uint8("contentType", e.ContentType),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	return len(peers), eg.Wait()
}

func (s *P2PMerkleSync) syncPeer(ctx context.Context, p peer.ID, e merklesync.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncInterval)
	defer cancel()
	remote := merklesync.NewClient(s.srv, p, e.VNode, e.ContentType,
		merklesync.WithKeysLimit(s.cfg.GetKeysLimit))
	syncer := merklesync.NewSyncer(e.Trie, remote,
		merklesync.WithLogger(s.logger.With(zap.Stringer("peer", p))),
		merklesync.WithMaxInFlight(s.cfg.MaxInFlight))
	defer syncer.Close()
	var localMissing []types.Key
	remoteMissing := 0
	full := types.FullRange()
	if err := syncer.Sync(ctx, full.Min, full.Max, func(k types.Key, dir merklesync.Direction) {
		if dir == merklesync.LocalMissing {
			localMissing = append(localMissing, k)
		} else {
			remoteMissing++
		}
	}); err != nil {
		return err
	}
	s.logger.Debug("synced with peer",
		zap.Stringer("peer", p),
		log.ZShortStringer("vnode", e.VNode),
		zap.Int("localMissing", len(localMissing)),
		zap.Int("remoteMissing", remoteMissing))
	if len(localMissing) == 0 {
		return nil
	}
	if err := s.missing.HandleMissing(ctx, e, p, localMissing); err != nil {
		return err
	}
	public.SyncedKeys.Add(float64(len(localMissing)))
	return nil
}
