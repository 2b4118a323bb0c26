// Package cmd contains the flags and the config loading shared by the
// merklesync executables.
package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-merklesync/config"
	"github.com/spacemeshos/go-merklesync/config/presets"
)

var (
	// Version is the app's semantic version. Designed to be overwritten by make.
	Version string

	// Branch is the git branch used to build the App. Designed to be overwritten by make.
	Branch string

	// Commit is the git commit used to build the app. Designed to be overwritten by make.
	Commit string
)

// AddFlags adds the node flags to the flag set. The flags write directly into cfg.
func AddFlags(flagSet *pflag.FlagSet, cfg *config.Config) {
	flagSet.StringVarP(&cfg.Preset, "preset", "p", cfg.Preset,
		fmt.Sprintf("preset overwrites default values of the config. options %+s", presets.Options()))

	/** ======================== BaseConfig Flags ========================== **/
	flagSet.StringVarP(&cfg.ConfigFile, "config", "c", cfg.ConfigFile,
		"load configuration from file")
	flagSet.StringVarP(&cfg.DataDirParent, "data-folder", "d", cfg.DataDirParent,
		"specify data directory for merklesync")
	flagSet.StringVar(&cfg.FileLock, "filelock", cfg.FileLock,
		"filesystem lock to prevent running more than one instance")
	flagSet.StringVar(&cfg.Store, "store", cfg.Store,
		"key store backend: memory, leveldb, badger or sqlite")
	flagSet.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize,
		"number of keys cached by the sqlite store")
	flagSet.BoolVar(&cfg.BulkLoad, "bulk-load", cfg.BulkLoad,
		"hash the tries once after loading all the keys")
	flagSet.StringSliceVar(&cfg.VNodes, "vnodes", cfg.VNodes,
		"hex ids of the vnodes to serve and sync")
	flagSet.Uint8Var(&cfg.ContentType, "content-type", cfg.ContentType,
		"content type of the synced keys")
	flagSet.BoolVar(&cfg.CollectMetrics, "metrics", cfg.CollectMetrics,
		"collect node metrics")
	flagSet.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort,
		"metric server port")
	flagSet.StringVar(&cfg.MetricsPush.URL, "metrics-push", cfg.MetricsPush.URL,
		"push metrics to url")
	flagSet.DurationVar(&cfg.MetricsPush.Period, "metrics-push-period", cfg.MetricsPush.Period,
		"push period")
	flagSet.StringVar(&cfg.ProfilerURL, "profiler-url", cfg.ProfilerURL,
		"send profiler data to certain url, if no url no profiling will be sent, format: http://<IP>:<PORT>")
	flagSet.StringVar(&cfg.ProfilerName, "profiler-name", cfg.ProfilerName,
		"the name to use when sending profiles")
	flagSet.StringVar(&cfg.Logging.Encoder, "log-encoder", cfg.Logging.Encoder,
		"log as json or console")

	/** ======================== P2P Flags ========================== **/
	flagSet.StringVar(&cfg.P2P.Listen, "listen", cfg.P2P.Listen,
		"address for listening")
	flagSet.StringSliceVar(&cfg.P2P.Bootnodes, "bootnodes", cfg.P2P.Bootnodes,
		"entrypoints into the network")
	flagSet.BoolVar(&cfg.P2P.DisableNatPort, "disable-natport", cfg.P2P.DisableNatPort,
		"disable nat port-mapping (if enabled upnp protocol is used to negotiate external port with router)")
	flagSet.BoolVar(&cfg.P2P.DisableReusePort, "disable-reuseport", cfg.P2P.DisableReusePort,
		"disables SO_REUSEPORT for tcp sockets. Try disabling this if your node can't reach bootnodes in the network")
	flagSet.BoolVar(&cfg.P2P.DisableDHT, "disable-dht", cfg.P2P.DisableDHT,
		"disable dht-based peer discovery")
	flagSet.IntVar(&cfg.P2P.MinPeers, "min-peers", cfg.P2P.MinPeers,
		"actively search for peers until you get this much")
	flagSet.IntVar(&cfg.P2P.LowPeers, "low-peers", cfg.P2P.LowPeers,
		"low watermark for the number of connections")
	flagSet.IntVar(&cfg.P2P.HighPeers, "high-peers", cfg.P2P.HighPeers,
		"high watermark for the number of connections; once reached, connections are pruned until low watermark remains")

	/** ======================== Sync Flags ========================== **/
	flagSet.DurationVar(&cfg.Sync.SyncInterval, "sync-interval", cfg.Sync.SyncInterval,
		"interval between sync rounds")
	flagSet.DurationVar(&cfg.Sync.Timeout, "sync-timeout", cfg.Sync.Timeout,
		"timeout of a single sync request")
	flagSet.IntVar(&cfg.Sync.SyncPeerCount, "sync-peers", cfg.Sync.SyncPeerCount,
		"number of peers to sync against in each round")
	flagSet.IntVar(&cfg.Sync.MaxInFlight, "sync-max-in-flight", cfg.Sync.MaxInFlight,
		"maximum number of outstanding requests per sync session")
}

// LoadConfig builds the config out of the preset, the config file and the
// flags, later sources overriding the earlier ones. The flags must be added
// with AddFlags pointing to cfg and parsed.
func LoadConfig(fs afero.Fs, flagSet *pflag.FlagSet, cfg *config.Config) error {
	changed := map[*pflag.Flag][]string{}
	flagSet.Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			changed[f] = sv.GetSlice()
		} else {
			changed[f] = []string{f.Value.String()}
		}
	})

	conf := config.DefaultConfig()
	if cfg.Preset != "" {
		preset, err := presets.Get(cfg.Preset)
		if err != nil {
			return err
		}
		conf = preset
	}
	conf.Preset = cfg.Preset
	conf.ConfigFile = cfg.ConfigFile
	if cfg.ConfigFile != "" {
		vip := viper.New()
		if err := config.LoadConfig(fs, cfg.ConfigFile, vip); err != nil {
			return err
		}
		if err := config.Unmarshal(vip, &conf); err != nil {
			return err
		}
	}
	*cfg = conf

	// flags point into cfg, so setting them again overrides the loaded values
	for f, vals := range changed {
		var err error
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = sv.Replace(vals)
		} else {
			err = f.Value.Set(vals[0])
		}
		if err != nil {
			return fmt.Errorf("reapply flag %s: %w", f.Name, err)
		}
	}
	return nil
}
