// Package config holds the merklesync node configuration and the code that
// loads it from a config file.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-merklesync/metrics"
	"github.com/spacemeshos/go-merklesync/p2p"
	"github.com/spacemeshos/go-merklesync/sync2"
)

// StoreBackend selects the KeyStore implementation.
type StoreBackend = string

const (
	StoreMemory  StoreBackend = "memory"
	StoreLevelDB StoreBackend = "leveldb"
	StoreBadger  StoreBackend = "badger"
	StoreSQLite  StoreBackend = "sqlite"
)

const defaultDataDirName = "merklesync"

// Config defines the top level configuration for a merklesync node.
type Config struct {
	BaseConfig `mapstructure:"main"`
	P2P        p2p.Config   `mapstructure:"p2p"`
	Sync       sync2.Config `mapstructure:"sync"`
	Logging    LoggerConfig `mapstructure:"logging"`
}

// DataDir returns the directory of the configured store backend.
func (cfg *Config) DataDir() string {
	return filepath.Clean(filepath.Join(cfg.DataDirParent, cfg.Store))
}

// BaseConfig defines the main parameters of the node.
type BaseConfig struct {
	DataDirParent string `mapstructure:"data-folder"`
	FileLock      string `mapstructure:"filelock"`
	ConfigFile    string `mapstructure:"config"`
	Preset        string `mapstructure:"preset"`

	Store       StoreBackend `mapstructure:"store"`
	CacheSize   int          `mapstructure:"cache-size"`
	BulkLoad    bool         `mapstructure:"bulk-load"`
	VNodes      []string     `mapstructure:"vnodes"`
	ContentType uint8        `mapstructure:"content-type"`

	CollectMetrics bool               `mapstructure:"metrics"`
	MetricsPort    int                `mapstructure:"metrics-port"`
	MetricsPush    metrics.PushConfig `mapstructure:"metrics-push"`

	ProfilerName string `mapstructure:"profiler-name"`
	ProfilerURL  string `mapstructure:"profiler-url"`
}

// DefaultConfig returns the default configuration for a merklesync node.
func DefaultConfig() Config {
	return Config{
		BaseConfig: defaultBaseConfig(),
		P2P:        p2p.DefaultConfig(),
		Sync:       sync2.DefaultConfig(),
		Logging:    DefaultLoggingConfig(),
	}
}

func defaultBaseConfig() BaseConfig {
	return BaseConfig{
		DataDirParent: defaultDataDirName,
		FileLock:      filepath.Join(defaultDataDirName, "LOCK"),
		Store:         StoreLevelDB,
		CacheSize:     100_000,
		BulkLoad:      true,
		ContentType:   1,
		MetricsPort:   1010,
		MetricsPush: metrics.PushConfig{
			Period:  time.Minute,
			Retries: 3,
		},
		ProfilerName: "merklesync",
	}
}

// Validate checks the values that can't be checked by the decoder.
func (cfg *Config) Validate() error {
	switch cfg.Store {
	case StoreMemory, StoreLevelDB, StoreBadger, StoreSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store)
	}
	if len(cfg.VNodes) == 0 {
		return fmt.Errorf("no vnodes configured")
	}
	if cfg.Sync.SyncPeerCount <= 0 {
		return fmt.Errorf("sync-peer-count must be positive, got %d", cfg.Sync.SyncPeerCount)
	}
	return nil
}

// LoadConfig reads the config file into the viper instance.
func LoadConfig(fs afero.Fs, fileLocation string, vip *viper.Viper) error {
	vip.SetFs(fs)
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", fileLocation, err)
	}
	return nil
}

// DecodeHook returns the hook used to decode config values.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

func WithIgnoreUntagged() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.IgnoreUntaggedFields = true
	}
}

func WithErrorUnused() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
	}
}

// Unmarshal decodes the values known to vip into cfg, leaving the values
// vip doesn't know as they are.
func Unmarshal(vip *viper.Viper, cfg *Config) error {
	if err := vip.Unmarshal(cfg,
		viper.DecodeHook(DecodeHook()),
		WithIgnoreUntagged(),
		WithErrorUnused(),
	); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}
