package merklesync

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-merklesync/metrics"
)

const subsystem = "merklesync"

var (
	sessionCount = metrics.NewCounter(
		"sessions",
		subsystem,
		"number of completed sync sessions",
		[]string{"result"},
	)
	sessionsOK     = sessionCount.WithLabelValues("ok")
	sessionsFailed = sessionCount.WithLabelValues("fail")

	sessionDuration = metrics.NewHistogramWithBuckets(
		"session_duration_seconds",
		subsystem,
		"duration of sync sessions",
		[]string{"result"},
		prometheus.ExponentialBuckets(0.001, 2, 16),
	)

	missingKeyCount = metrics.NewCounter(
		"missing_keys",
		subsystem,
		"number of missing keys discovered",
		[]string{"direction"},
	)
	remoteMissingKeys = missingKeyCount.WithLabelValues("remote")
	localMissingKeys  = missingKeyCount.WithLabelValues("local")

	rpcCount = metrics.NewCounter(
		"rpcs",
		subsystem,
		"number of requests sent to the remote peers",
		[]string{"type"},
	)
	sendNodeRPCs = rpcCount.WithLabelValues(MessageTypeSendNode.String())
	getKeysRPCs  = rpcCount.WithLabelValues(MessageTypeGetKeys.String())

	skippedSubtrees = metrics.NewCounter(
		"skipped_subtrees",
		subsystem,
		"number of subtrees skipped due to concurrent local changes",
		[]string{},
	).WithLabelValues()

	servedRequests = metrics.NewCounter(
		"served_requests",
		subsystem,
		"number of requests served to remote peers",
		[]string{"type", "status"},
	)
)
