package broadcast

import (
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"

	"github.com/raskyld/colearn/internal/telemetry"
)

type gossipEvents struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// NB: memberlist holds its node lock while notifying, so we can not
	// ask it for its member count from here.
	members atomic.Int64
}

func (g *gossipEvents) numMembers() int {
	return int(max(g.members.Load(), 1))
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerName.L(node.Name),
		telemetry.LabelNodeAddr.L(node.Address()),
	)
}

func (g *gossipEvents) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	g.members.Add(1)
	g.gauge()
}

func (g *gossipEvents) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
	g.members.Add(-1)
	g.gauge()
}

func (g *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer updated")
}

func (g *gossipEvents) gauge() {
	g.msink.SetGaugeWithLabels(MetricMembers, float32(g.members.Load()), g.labels)
}
