package broadcast

var (
	MetricSentCount      = []string{"colearn", "broadcast", "sent", "count"}
	MetricSentBytes      = []string{"colearn", "broadcast", "sent", "bytes"}
	MetricReceivedCount  = []string{"colearn", "broadcast", "received", "count"}
	MetricDuplicateCount = []string{"colearn", "broadcast", "duplicate", "count"}
	MetricDroppedCount   = []string{"colearn", "broadcast", "dropped", "count"}
	MetricMembers        = []string{"colearn", "broadcast", "members"}
)
