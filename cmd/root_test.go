package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-merklesync/config"
)

func parse(t *testing.T, args ...string) (*pflag.FlagSet, *config.Config) {
	cfg := config.DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs, &cfg)
	require.NoError(t, fs.Parse(args))
	return fs, &cfg
}

func TestLoadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config.json", []byte(`{
		"main": {
			"store": "sqlite",
			"vnodes": ["00112233445566778899aabbccddeeff00112233"]
		},
		"sync": {
			"sync-interval": "20s",
			"timeout": "3s"
		}
	}`), 0o600))

	t.Run("defaults", func(t *testing.T) {
		flags, cfg := parse(t)
		require.NoError(t, LoadConfig(fs, flags, cfg))
		require.Equal(t, config.DefaultConfig(), *cfg)
	})

	t.Run("preset", func(t *testing.T) {
		flags, cfg := parse(t, "-p", "standalone")
		require.NoError(t, LoadConfig(fs, flags, cfg))
		require.Equal(t, config.StoreMemory, cfg.Store)
		require.True(t, cfg.P2P.DisableDHT)
		require.Equal(t, "standalone", cfg.Preset)
	})

	t.Run("bad preset", func(t *testing.T) {
		flags, cfg := parse(t, "--preset", "nosuch")
		require.ErrorContains(t, LoadConfig(fs, flags, cfg), "preset nosuch doesn't exist")
	})

	t.Run("file", func(t *testing.T) {
		flags, cfg := parse(t, "-c", "/config.json")
		require.NoError(t, LoadConfig(fs, flags, cfg))
		require.Equal(t, config.StoreSQLite, cfg.Store)
		require.Equal(t, []string{"00112233445566778899aabbccddeeff00112233"}, cfg.VNodes)
		require.Equal(t, 20*time.Second, cfg.Sync.SyncInterval)
		require.Equal(t, 3*time.Second, cfg.Sync.Timeout)
		require.Equal(t, "/config.json", cfg.ConfigFile)
	})

	t.Run("missing file", func(t *testing.T) {
		flags, cfg := parse(t, "-c", "/nosuch.json")
		require.ErrorContains(t, LoadConfig(fs, flags, cfg), "failed to read config file /nosuch.json")
	})

	t.Run("flags override file and preset", func(t *testing.T) {
		flags, cfg := parse(t,
			"-p", "standalone",
			"-c", "/config.json",
			"--sync-interval", "7s",
			"--vnodes", "ffffffffffffffffffffffffffffffffffffffff,0000000000000000000000000000000000000001",
			"--store", "badger",
		)
		require.NoError(t, LoadConfig(fs, flags, cfg))
		require.Equal(t, config.StoreBadger, cfg.Store)
		require.Equal(t, 7*time.Second, cfg.Sync.SyncInterval)
		require.Equal(t, []string{
			"ffffffffffffffffffffffffffffffffffffffff",
			"0000000000000000000000000000000000000001",
		}, cfg.VNodes)
		// from the file
		require.Equal(t, 3*time.Second, cfg.Sync.Timeout)
		// from the preset
		require.True(t, cfg.P2P.DisableDHT)
	})
}

func TestVersionCommand(t *testing.T) {
	Version = "v1.2.3"
	Commit = "abcdef"
	t.Cleanup(func() {
		Version = ""
		Commit = ""
	})
	c := NewNodeCommand()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetArgs([]string{"version"})
	require.NoError(t, c.Execute())
	require.Equal(t, "v1.2.3+abcdef\n", out.String())
}
