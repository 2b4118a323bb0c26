// Package p2p sets up the libp2p host used by merklesync nodes to reach their
// sync peers.
package p2p

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	lp2plog "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/transport"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConfig config.
func DefaultConfig() Config {
	return Config{
		Listen:             "/ip4/0.0.0.0/tcp/7613",
		LogLevel:           zapcore.WarnLevel,
		MinPeers:           8,
		LowPeers:           20,
		HighPeers:          40,
		GracePeersShutdown: 30 * time.Second,
		DiscoveryPeriod:    10 * time.Second,
		DialTimeout:        30 * time.Second,
	}
}

// Config for all things related to p2p layer.
type Config struct {
	DataDir            string        `mapstructure:"data-dir"`
	LogLevel           zapcore.Level `mapstructure:"log-level"`
	GracePeersShutdown time.Duration `mapstructure:"grace-peers-shutdown"`

	// see https://lwn.net/Articles/542629/ for reuseport explanation
	DisableReusePort bool          `mapstructure:"disable-reuseport"`
	DisableNatPort   bool          `mapstructure:"disable-natport"`
	DisableDHT       bool          `mapstructure:"disable-dht"`
	Listen           string        `mapstructure:"listen"`
	Bootnodes        []string      `mapstructure:"bootnodes"`
	MinPeers         int           `mapstructure:"min-peers"`
	LowPeers         int           `mapstructure:"low-peers"`
	HighPeers        int           `mapstructure:"high-peers"`
	DiscoveryPeriod  time.Duration `mapstructure:"discovery-period"`
	DialTimeout      time.Duration `mapstructure:"dial-timeout"`
}

// Host is a libp2p host that keeps itself connected to enough peers.
type Host struct {
	host.Host

	logger    *zap.Logger
	cfg       Config
	bootnodes []peer.AddrInfo
	discovery *discovery
	notifiee  *network.NotifyBundle
}

// Opt configures the Host.
type Opt func(*Host)

// WithLogger configures the logger of the host.
func WithLogger(logger *zap.Logger) Opt {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithConfig sets the p2p config.
func WithConfig(cfg Config) Opt {
	return func(h *Host) {
		h.cfg = cfg
	}
}

// ParseBootnodes parses the bootnode multiaddrs, which must include the peer ID.
func ParseBootnodes(addrs []string) ([]peer.AddrInfo, error) {
	bootnodes := make([]peer.AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parse multiaddr %s: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("parse into peer.AddrInfo %s: %w", addr, err)
		}
		bootnodes = append(bootnodes, *info)
	}
	return bootnodes, nil
}

// New initializes libp2p host configured for merklesync.
func New(_ context.Context, logger *zap.Logger, cfg Config, opts ...Opt) (*Host, error) {
	logger.Info("starting libp2p host", zap.Any("config", &cfg))
	key, err := EnsureIdentity(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	lp2plog.SetPrimaryCore(logger.Core())
	lp2plog.SetAllLoggers(lp2plog.LogLevel(cfg.LogLevel))
	cm, err := connmgr.NewConnManager(cfg.LowPeers, cfg.HighPeers, connmgr.WithGracePeriod(cfg.GracePeersShutdown))
	if err != nil {
		return nil, fmt.Errorf("p2p create conn mgr: %w", err)
	}
	streamer := *yamux.DefaultTransport
	ps, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("can't create peer store: %w", err)
	}
	lopts := []libp2p.Option{
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.Listen),
		libp2p.UserAgent("go-merklesync"),
		libp2p.Transport(func(upgrader transport.Upgrader, rcmgr network.ResourceManager) (transport.Transport, error) {
			opts := []tcp.Option{}
			if cfg.DisableReusePort {
				opts = append(opts, tcp.DisableReuseport())
			}
			return tcp.NewTCPTransport(upgrader, rcmgr, opts...)
		}),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, &streamer),
		libp2p.ConnectionManager(cm),
		libp2p.Peerstore(ps),
	}
	if !cfg.DisableNatPort {
		lopts = append(lopts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(lopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize libp2p host: %w", err)
	}
	logger.Info("local node identity", zap.Stringer("identity", h.ID()))
	opts = append(opts, WithConfig(cfg), WithLogger(logger))
	return Upgrade(h, opts...)
}

// Upgrade wraps an existing libp2p host.
func Upgrade(h host.Host, opts ...Opt) (*Host, error) {
	fh := &Host{
		Host:   h,
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(fh)
	}
	bootnodes, err := ParseBootnodes(fh.cfg.Bootnodes)
	if err != nil {
		return nil, err
	}
	fh.bootnodes = bootnodes
	fh.notifiee = &network.NotifyBundle{
		ConnectedF: func(network.Network, network.Conn) {
			connectedPeers.Set(float64(len(h.Network().Peers())))
		},
		DisconnectedF: func(network.Network, network.Conn) {
			connectedPeers.Set(float64(len(h.Network().Peers())))
		},
	}
	h.Network().Notify(fh.notifiee)
	return fh, nil
}

// NeedPeerDiscovery returns true if the host has fewer peers than desired.
func (fh *Host) NeedPeerDiscovery() bool {
	return len(fh.Network().Peers()) < fh.cfg.HighPeers
}

// ConnectedPeers returns the peers the host currently has connections to.
func (fh *Host) ConnectedPeers() []peer.ID {
	var peers []peer.ID
	for _, p := range fh.Network().Peers() {
		if fh.Network().Connectedness(p) == network.Connected {
			peers = append(peers, p)
		}
	}
	return peers
}

// Start begins connecting to the bootnodes and, unless disabled, discovering
// peers via the DHT.
func (fh *Host) Start() error {
	if fh.discovery != nil {
		return fmt.Errorf("p2p: host already started")
	}
	dir := ""
	if !fh.cfg.DisableDHT {
		dir = filepath.Join(fh.cfg.DataDir, "dht")
	}
	d, err := newDiscovery(fh, dir, fh.logger.Named("discovery"))
	if err != nil {
		return err
	}
	fh.discovery = d
	d.start()
	return nil
}

// Stop background workers and release the host's resources.
func (fh *Host) Stop() error {
	if fh.discovery != nil {
		fh.discovery.stop()
	}
	fh.Network().StopNotify(fh.notifiee)
	if err := fh.Host.Close(); err != nil {
		return fmt.Errorf("failed to close libp2p host: %w", err)
	}
	return nil
}
