package presets

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-merklesync/config"
)

func init() {
	register("standalone", standalone())
}

func standalone() config.Config {
	conf := config.DefaultConfig()
	conf.DataDirParent = filepath.Join(os.TempDir(), "merklesync")
	conf.FileLock = filepath.Join(conf.DataDirParent, "LOCK")
	conf.Store = config.StoreMemory
	conf.VNodes = []string{"0000000000000000000000000000000000000000"}

	conf.P2P.Listen = "/ip4/127.0.0.1/tcp/7613"
	conf.P2P.DisableDHT = true
	conf.P2P.DisableNatPort = true
	conf.P2P.MinPeers = 1
	conf.P2P.LogLevel = zapcore.ErrorLevel

	conf.Sync.SyncInterval = 5 * time.Second
	conf.Sync.NoPeersRecheckInterval = time.Second
	return conf
}
