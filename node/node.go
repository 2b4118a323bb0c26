// Package node assembles a merklesync node out of the configured key stores,
// the libp2p host and the periodic reconciliation service.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	pyroscope "github.com/grafana/pyroscope-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-merklesync/config"
	"github.com/spacemeshos/go-merklesync/database"
	"github.com/spacemeshos/go-merklesync/log"
	"github.com/spacemeshos/go-merklesync/metrics"
	"github.com/spacemeshos/go-merklesync/p2p"
	"github.com/spacemeshos/go-merklesync/sql"
	"github.com/spacemeshos/go-merklesync/sync2"
	"github.com/spacemeshos/go-merklesync/sync2/keystore"
	"github.com/spacemeshos/go-merklesync/sync2/keystore/badgerstore"
	"github.com/spacemeshos/go-merklesync/sync2/keystore/ldbstore"
	"github.com/spacemeshos/go-merklesync/sync2/keystore/sqlstore"
	"github.com/spacemeshos/go-merklesync/sync2/merkle"
	"github.com/spacemeshos/go-merklesync/sync2/merklesync"
	"github.com/spacemeshos/go-merklesync/sync2/types"
)

// Logger names.
const (
	AppLogger   = "app"
	P2PLogger   = "p2p"
	SyncLogger  = "sync"
	TrieLogger  = "trie"
	StoreLogger = "store"
)

// Option to modify an App instance.
type Option func(app *App)

// WithConfig overrides the default config.
func WithConfig(cfg *config.Config) Option {
	return func(app *App) {
		app.Config = cfg
	}
}

// WithLog replaces the logger the module loggers are derived from.
func WithLog(logger *zap.Logger) Option {
	return func(app *App) {
		app.base = logger
	}
}

// App is the merklesync node.
type App struct {
	Config *config.Config

	base     *zap.Logger
	log      *zap.Logger
	loggers  map[string]*zap.AtomicLevel
	fileLock *flock.Flock
	closers  []io.Closer
	reg      *merklesync.Registry
	host     *p2p.Host
	syncer   *sync2.P2PMerkleSync
	profiler *pyroscope.Profiler
	eg       errgroup.Group
	errCh    chan error
	started  chan struct{}
}

// New creates an instance of the merklesync app.
func New(opts ...Option) *App {
	defaultConfig := config.DefaultConfig()
	app := &App{
		Config:  &defaultConfig,
		loggers: make(map[string]*zap.AtomicLevel),
		reg:     merklesync.NewRegistry(),
		errCh:   make(chan error, 10),
		started: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// Initialize validates the node configuration and sets up logging.
func (app *App) Initialize() error {
	if err := app.Config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if app.base == nil {
		enc, err := log.NewEncoder(app.Config.Logging.Encoder)
		if err != nil {
			return err
		}
		app.base = log.NewWithLevel("", zap.NewAtomicLevelAt(zapcore.DebugLevel), enc)
	}
	levels := map[string]string{
		AppLogger:   app.Config.Logging.AppLoggerLevel,
		P2PLogger:   app.Config.Logging.P2PLoggerLevel,
		SyncLogger:  app.Config.Logging.SyncLoggerLevel,
		TrieLogger:  app.Config.Logging.TrieLoggerLevel,
		StoreLogger: app.Config.Logging.StoreLoggerLevel,
	}
	for name, level := range levels {
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("logger %s: %w", name, err)
		}
		app.loggers[name] = &lvl
	}
	app.log = app.addLogger(AppLogger)
	return nil
}

func (app *App) addLogger(name string) *zap.Logger {
	lvl, exists := app.loggers[name]
	if !exists {
		panic(fmt.Sprintf("BUG: logger %s is not configured", name))
	}
	return app.base.Named(name).WithOptions(zap.IncreaseLevel(lvl))
}

func (app *App) getLevel(name string) zapcore.Level {
	if lvl, exists := app.loggers[name]; exists {
		return lvl.Level()
	}
	return zapcore.InfoLevel
}

// SetLogLevel updates the log level of an existing logger.
func (app *App) SetLogLevel(name, level string) error {
	lvl, exists := app.loggers[name]
	if !exists {
		return fmt.Errorf("cannot find logger %v", name)
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	return nil
}

// Started returns a channel that is closed when the node has started.
func (app *App) Started() <-chan struct{} {
	return app.started
}

// Registry returns the tries served and synced by the node.
func (app *App) Registry() *merklesync.Registry {
	return app.reg
}

// Host returns the libp2p host. It is nil until the node has started.
func (app *App) Host() *p2p.Host {
	return app.host
}

// Lock locks the app for exclusive use. It returns an error if the app is already locked.
func (app *App) Lock() error {
	lockDir := filepath.Dir(app.Config.FileLock)
	if _, err := os.Stat(lockDir); errors.Is(err, fs.ErrNotExist) {
		err := os.MkdirAll(lockDir, os.ModePerm)
		if err != nil {
			return fmt.Errorf("creating dir %s for lock %s: %w", lockDir, app.Config.FileLock, err)
		}
	}
	fl := flock.New(app.Config.FileLock)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", app.Config.FileLock, err)
	} else if !locked {
		return fmt.Errorf("only one merklesync instance should be running (locking file %s)", fl.Path())
	}
	app.fileLock = fl
	return nil
}

// Unlock unlocks the app. It is a no-op if the app is not locked.
func (app *App) Unlock() {
	if app.fileLock == nil {
		return
	}
	if err := app.fileLock.Unlock(); err != nil {
		app.log.Error("failed to unlock file",
			zap.String("path", app.fileLock.Path()),
			zap.Error(err),
		)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStore opens the key store of the configured backend for the vnode.
func (app *App) openStore(vnode types.Key) (keystore.KeyStore, io.Closer, error) {
	logger := app.addLogger(StoreLogger).With(zap.Stringer("vnode", vnode))
	path := filepath.Join(app.Config.DataDir(), vnode.String())
	switch app.Config.Store {
	case config.StoreMemory:
		return keystore.NewMemStore(), closerFunc(func() error { return nil }), nil
	case config.StoreLevelDB:
		db, err := database.NewLDBDatabase(path, 0, 0, logger)
		if err != nil {
			return nil, nil, err
		}
		s, err := ldbstore.New(db, ldbstore.WithLogger(logger))
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, closerFunc(func() error { db.Close(); return nil }), nil
	case config.StoreBadger:
		s, err := badgerstore.Open(path, badgerstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.StoreSQLite:
		db, err := sql.Open(path+".sql",
			sql.WithLogger(logger),
			sql.WithMigrations(sqlstore.Migrations),
			sql.WithLatencyMetering(app.Config.CollectMetrics))
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.New(db, sqlstore.WithCacheSize(app.Config.CacheSize)), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", app.Config.Store)
	}
}

// setupTries opens a store for every configured vnode and registers the tries
// built from their contents.
func (app *App) setupTries() error {
	if err := os.MkdirAll(app.Config.DataDir(), 0o700); err != nil {
		return fmt.Errorf("data-dir %s not found or could not be created: %w", app.Config.DataDir(), err)
	}
	for _, s := range app.Config.VNodes {
		vnode, err := types.KeyFromHex(s)
		if err != nil {
			return fmt.Errorf("vnode: %w", err)
		}
		ks, closer, err := app.openStore(vnode)
		if err != nil {
			return err
		}
		app.closers = append(app.closers, closer)
		opts := []merkle.Opt{merkle.WithLogger(app.addLogger(TrieLogger).With(zap.Stringer("vnode", vnode)))}
		if app.Config.BulkLoad {
			opts = append(opts, merkle.WithDeferredRehash())
		}
		tr := merkle.New(ks, opts...)
		if err := tr.Load(); err != nil {
			return fmt.Errorf("vnode %s: %w", vnode, err)
		}
		if err := tr.SetDeferredRehash(false); err != nil {
			return fmt.Errorf("vnode %s: %w", vnode, err)
		}
		app.reg.Register(vnode, app.Config.ContentType, tr)
		app.log.Info("vnode loaded",
			zap.Stringer("vnode", vnode),
			zap.Int("count", tr.Count()),
			log.ZShortStringer("hash", tr.Root().Hash()))
	}
	return nil
}

// Start the node and block until the context is canceled or one of the
// services fails.
func (app *App) Start(ctx context.Context) error {
	if err := app.startSynchronous(ctx); err != nil {
		app.log.Error("failed to start App", zap.Error(err))
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-app.errCh:
		return err
	}
}

func (app *App) startSynchronous(ctx context.Context) (err error) {
	// notify anyone who might be listening that the app has finished starting.
	defer close(app.started)

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("error reading hostname: %w", err)
	}
	app.log.Info("starting merklesync",
		zap.String("data-dir", app.Config.DataDir()),
		zap.String("store", app.Config.Store),
		zap.String("hostname", hostname),
	)

	if app.Config.ProfilerURL != "" {
		app.profiler, err = pyroscope.Start(pyroscope.Config{
			ApplicationName: app.Config.ProfilerName,
			ServerAddress:   app.Config.ProfilerURL,
		})
		if err != nil {
			return fmt.Errorf("cannot start profiling client: %w", err)
		}
	}

	if err := app.setupTries(); err != nil {
		return err
	}

	app.log.Info("initializing p2p services")
	cfg := app.Config.P2P
	cfg.DataDir = filepath.Join(app.Config.DataDirParent, "p2p")
	cfg.LogLevel = app.getLevel(P2PLogger)
	app.host, err = p2p.New(ctx, app.addLogger(P2PLogger), cfg)
	if err != nil {
		return fmt.Errorf("initialize p2p host: %w", err)
	}
	app.syncer = sync2.NewP2PMerkleSync(app.host, app.host, app.reg, app.Config.Sync,
		sync2.WithLogger(app.addLogger(SyncLogger)))
	app.syncer.Start()
	if err := app.host.Start(); err != nil {
		return fmt.Errorf("start p2p host: %w", err)
	}

	if app.Config.CollectMetrics {
		addr := fmt.Sprintf(":%d", app.Config.MetricsPort)
		app.eg.Go(func() error {
			if err := metrics.Serve(ctx, app.log, addr); err != nil {
				app.errCh <- err
			}
			return nil
		})
	}
	if app.Config.MetricsPush.URL != "" {
		app.eg.Go(func() error {
			metrics.PushMetrics(ctx, app.log, app.Config.MetricsPush, app.host.ID().String())
			return nil
		})
	}
	return nil
}

// Cleanup stops all the services and releases the node's resources.
// It waits for the metrics goroutines, so the context passed to Start must
// be canceled before calling it.
func (app *App) Cleanup() {
	if app.syncer != nil {
		app.syncer.Stop()
	}
	if app.host != nil {
		if err := app.host.Stop(); err != nil {
			app.log.Warn("p2p host exited with error", zap.Error(err))
		}
	}
	for _, c := range app.closers {
		if err := c.Close(); err != nil {
			app.log.Warn("failed to close store", zap.Error(err))
		}
	}
	app.closers = nil
	if app.profiler != nil {
		if err := app.profiler.Stop(); err != nil {
			app.log.Warn("failed to stop profiler", zap.Error(err))
		}
	}
	app.eg.Wait()
	app.Unlock()
}
