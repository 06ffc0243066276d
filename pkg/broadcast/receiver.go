package broadcast

import (
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru"

	"github.com/raskyld/colearn/internal/telemetry"
)

type dedupKey struct {
	from  string
	nonce uint64
}

// receiver is the inbound path shared by gossip endpoints: it decodes
// envelopes, drops echoes and duplicates, then routes messages to local
// subscriptions.
type receiver struct {
	local  string
	router *router
	dedup  *lru.Cache

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newReceiver(cfg *config, local string, logger *slog.Logger, msink metrics.MetricSink) (*receiver, error) {
	dedup, err := lru.New(cfg.dedupSize)
	if err != nil {
		return nil, err
	}
	return &receiver{
		local:  local,
		router: newRouter(),
		dedup:  dedup,
		logger: logger,
		msink:  msink,
		labels: cfg.metricLabels,
	}, nil
}

func (rc *receiver) receive(buf []byte) {
	env := &envelope{}
	if err := env.unmarshal(buf); err != nil {
		rc.logger.Warn("dropping inbound message", telemetry.LabelError.L(err))
		rc.msink.IncrCounterWithLabels(MetricDroppedCount, 1.0,
			telemetry.With(rc.labels, telemetry.LabelError.M("malformed")))
		return
	}
	if env.From == rc.local {
		return
	}
	if seen, _ := rc.dedup.ContainsOrAdd(dedupKey{from: env.From, nonce: env.Nonce}, struct{}{}); seen {
		rc.msink.IncrCounterWithLabels(MetricDuplicateCount, 1.0, rc.labels)
		return
	}

	labels := telemetry.With(rc.labels,
		telemetry.LabelService.M(strconv.Itoa(int(env.Service))),
		telemetry.LabelChannel.M(strconv.Itoa(int(env.Channel))),
	)
	rc.msink.IncrCounterWithLabels(MetricReceivedCount, 1.0, labels)
	if rc.router.deliver(env.message(rc.local)) == 0 {
		rc.msink.IncrCounterWithLabels(MetricDroppedCount, 1.0,
			append(labels, telemetry.LabelError.M("no_subscriber")))
	}
}
