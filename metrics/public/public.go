// Package public holds the metrics that are pushed to the external collector.
package public

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Registry = prometheus.NewRegistry()

var (
	// Peers is the number of peers considered for sync.
	Peers = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "merklesync",
		Name:      "peers",
	})
	// SyncedKeys counts the keys received from peers and applied locally.
	SyncedKeys = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "merklesync",
		Name:      "synced_keys",
	})
)
