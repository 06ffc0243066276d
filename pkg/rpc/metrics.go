package rpc

var (
	MetricCallCount          = []string{"colearn", "rpc", "call", "count"}
	MetricCallErrorCount     = []string{"colearn", "rpc", "call", "error", "count"}
	MetricResolvedCount      = []string{"colearn", "rpc", "promise", "resolved", "count"}
	MetricProtocolFaultCount = []string{"colearn", "rpc", "protocol", "fault", "count"}
	MetricAbandonedCount     = []string{"colearn", "rpc", "promise", "abandoned", "count"}
	MetricQueueDepth         = []string{"colearn", "rpc", "queue", "depth"}
	MetricHandledCount       = []string{"colearn", "rpc", "server", "handled", "count"}
	MetricHandlerDuration    = []string{"colearn", "rpc", "server", "handler", "duration"}
)
