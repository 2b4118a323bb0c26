package presets

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-merklesync/config"
)

func TestGet(t *testing.T) {
	require.Equal(t, []string{"standalone"}, Options())

	cfg, err := Get("standalone")
	require.NoError(t, err)
	require.Equal(t, config.StoreMemory, cfg.Store)
	require.True(t, cfg.P2P.DisableDHT)
	require.NoError(t, cfg.Validate())

	_, err = Get("mainnet")
	require.ErrorContains(t, err, "preset mainnet doesn't exist")
}
