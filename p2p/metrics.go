package p2p

import "github.com/spacemeshos/go-merklesync/metrics"

var connectedPeers = metrics.NewGauge(
	"connected_peers",
	"p2p",
	"number of connected peers",
	[]string{},
).WithLabelValues()
