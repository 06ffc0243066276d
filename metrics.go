package colearn

var (
	MetricBroadcastCount       = []string{"colearn", "update", "broadcast", "count"}
	MetricBroadcastErrorCount  = []string{"colearn", "update", "broadcast", "error", "count"}
	MetricUnicastCount         = []string{"colearn", "update", "unicast", "count"}
	MetricUnicastErrorCount    = []string{"colearn", "update", "unicast", "error", "count"}
	MetricUnicastDuration      = []string{"colearn", "update", "unicast", "duration"}
	MetricAcceptedCount        = []string{"colearn", "update", "accepted", "count"}
	MetricRejectedCount        = []string{"colearn", "update", "rejected", "count"}
	MetricMalformedCount       = []string{"colearn", "update", "malformed", "count"}
	MetricPeerConnectionsCount = []string{"colearn", "peer", "connections", "count"}
)
