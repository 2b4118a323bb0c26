package p2p

import (
	"context"
	"fmt"
	"time"

	levelds "github.com/ipfs/go-ds-leveldb"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	protocolPrefix    = "/merklesync"
	bootstrapDuration = 30 * time.Second
)

type discovery struct {
	logger *zap.Logger
	h      *Host
	eg     errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	dht       *dht.IpfsDHT // nil if disabled
	datastore *levelds.Datastore
}

// newDiscovery creates the peer discovery for the host. An empty dir disables
// the DHT, in which case only the bootnodes are dialed.
func newDiscovery(h *Host, dir string, logger *zap.Logger) (*discovery, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &discovery{
		logger: logger,
		h:      h,
		ctx:    ctx,
		cancel: cancel,
	}
	if len(h.bootnodes) == 0 {
		d.logger.Warn("no bootnodes in the config")
	}
	if dir != "" {
		if err := d.newDht(ctx, dir); err != nil {
			cancel()
			return nil, err
		}
	}
	return d, nil
}

func (d *discovery) newDht(ctx context.Context, dir string) error {
	ds, err := levelds.NewDatastore(dir, &levelds.Options{
		Compression: ldbopts.NoCompression,
		NoSync:      false,
		Strict:      ldbopts.StrictAll,
		ReadOnly:    false,
	})
	if err != nil {
		return fmt.Errorf("open leveldb at %s: %w", dir, err)
	}
	kad, err := dht.New(ctx, d.h,
		dht.Validator(record.PublicKeyValidator{}),
		dht.Datastore(ds),
		dht.ProtocolPrefix(protocolPrefix),
		dht.Mode(dht.ModeAutoServer),
	)
	if err != nil {
		if err := ds.Close(); err != nil {
			d.logger.Error("error closing level datastore", zap.Error(err))
		}
		return err
	}
	d.dht = kad
	d.datastore = ds
	return nil
}

func (d *discovery) start() {
	d.eg.Go(d.ensureAtLeastMinPeers)
}

func (d *discovery) stop() {
	d.cancel()
	d.eg.Wait()
	if d.dht != nil {
		if err := d.dht.Close(); err != nil {
			d.logger.Error("error closing dht", zap.Error(err))
		}
		if err := d.datastore.Close(); err != nil {
			d.logger.Error("error closing level datastore", zap.Error(err))
		}
	}
}

func (d *discovery) bootstrap() {
	if d.dht == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, bootstrapDuration)
	defer cancel()
	if err := d.dht.Bootstrap(ctx); err != nil {
		d.logger.Error("unexpected error from discovery dht", zap.Error(err))
	}
	<-ctx.Done()
}

func (d *discovery) connect(nodes []peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(d.ctx, d.h.cfg.DialTimeout)
	defer cancel()
	var eg errgroup.Group
	for _, boot := range nodes {
		if boot.ID == d.h.ID() {
			d.logger.Debug("not dialing self")
			continue
		}
		eg.Go(func() error {
			if err := d.h.Connect(ctx, boot); err != nil {
				d.logger.Warn("failed to connect",
					zap.Stringer("address", boot),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	eg.Wait()
}

func (d *discovery) ensureAtLeastMinPeers() error {
	disconnected := make(chan struct{}, 1)
	disconnected <- struct{}{} // trigger bootstrap when node starts immediately
	notifiee := &network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		},
	}
	d.h.Network().Notify(notifiee)
	defer d.h.Network().StopNotify(notifiee)
	ticker := time.NewTicker(d.h.cfg.DiscoveryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case <-ticker.C:
		case <-disconnected:
		}
		if connected := len(d.h.Network().Peers()); connected >= d.h.cfg.MinPeers {
			d.logger.Debug("node is connected with required number of peers. skipping bootstrap",
				zap.Int("required", d.h.cfg.MinPeers),
				zap.Int("connected", connected),
			)
			continue
		}
		d.connect(d.h.bootnodes)
		d.bootstrap()
	}
}
