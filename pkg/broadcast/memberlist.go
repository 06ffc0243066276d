package broadcast

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"

	"github.com/raskyld/colearn/internal/telemetry"
)

const leaveTimeout = 5 * time.Second

// Memberlist is an `Endpoint` over a memberlist cluster. Small messages
// piggy-back on the gossip protocol, larger ones are sent over TCP to
// every member.
//
// Its address is the memberlist node name.
type Memberlist struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink

	ml      *memberlist.Memberlist
	queue   *memberlist.TransmitLimitedQueue
	inbound *receiver
	counter atomic.Uint32

	lk       sync.Mutex
	shutdown bool
}

var _ Endpoint = (*Memberlist)(nil)

func NewMemberlist(opts ...Option) (*Memberlist, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	m := &Memberlist{
		cfg:    cfg,
		logger: telemetry.Logger(cfg.logHandler).With(telemetry.LabelNodeName.L(cfg.mlCfg.Name)),
		msink:  telemetry.Sink(cfg.msink),
	}
	m.inbound, err = newReceiver(cfg, cfg.mlCfg.Name, m.logger, m.msink)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	cfg.mlCfg.Delegate = &delegate{m: m}
	events := &gossipEvents{
		logger: m.logger,
		msink:  m.msink,
		labels: cfg.metricLabels,
	}
	cfg.mlCfg.Events = events

	m.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       events.numMembers,
		RetransmitMult: cfg.mlCfg.RetransmitMult,
	}

	ml, err := memberlist.Create(cfg.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	m.ml = ml
	return m, nil
}

// Join contacts the neighbours given with `WithNeighbours`.
func (m *Memberlist) Join() error {
	return m.JoinNodes(m.cfg.neighbours...)
}

// JoinNodes contacts the given "host:port" addresses.
func (m *Memberlist) JoinNodes(addrs ...string) error {
	if len(addrs) == 0 {
		return nil
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.shutdown {
		return ErrClosed
	}

	joined, err := m.ml.Join(addrs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	if joined != len(addrs) {
		m.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(addrs),
		)
	}
	m.logger.Info("cluster joined")
	return nil
}

func (m *Memberlist) Address() string {
	return m.ml.LocalNode().Name
}

// GossipAddr is the "host:port" other nodes can join.
func (m *Memberlist) GossipAddr() string {
	node := m.ml.LocalNode()
	return fmt.Sprintf("%s:%d", node.Addr, node.Port)
}

// Members returns the addresses of the live members, this node included.
func (m *Memberlist) Members() []string {
	nodes := m.ml.Members()
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	return names
}

func (m *Memberlist) Broadcast(service, channel uint16, payload []byte) error {
	m.lk.Lock()
	if m.shutdown {
		m.lk.Unlock()
		return ErrClosed
	}
	m.lk.Unlock()

	env := &envelope{
		From:    m.Address(),
		Service: service,
		Channel: channel,
		Counter: uint16(m.counter.Add(1)),
		Nonce:   rand.Uint64(),
		Payload: payload,
	}
	buf := env.marshal()
	labels := telemetry.With(m.cfg.metricLabels,
		telemetry.LabelService.M(strconv.Itoa(int(service))),
		telemetry.LabelChannel.M(strconv.Itoa(int(channel))),
	)

	if len(buf) <= m.cfg.gossipLimit {
		m.queue.QueueBroadcast(&gossipBroadcast{msg: buf})
	} else {
		for _, node := range m.ml.Members() {
			if node.Name == env.From {
				continue
			}
			if err := m.ml.SendReliable(node, buf); err != nil {
				m.logger.Warn("failed to send message",
					telemetry.LabelPeerName.L(node.Name),
					telemetry.LabelError.L(err),
				)
				m.msink.IncrCounterWithLabels(MetricDroppedCount, 1.0,
					append(telemetry.With(labels, telemetry.LabelPeerName.M(node.Name)), telemetry.LabelError.M("send")))
			}
		}
	}

	m.msink.IncrCounterWithLabels(MetricSentCount, 1.0, labels)
	m.msink.IncrCounterWithLabels(MetricSentBytes, float32(len(buf)), labels)
	return nil
}

func (m *Memberlist) Subscribe(service, channel uint16) Subscription {
	return m.inbound.router.subscribe(service, channel)
}

// Close leaves the cluster then releases every resource.
func (m *Memberlist) Close() error {
	m.lk.Lock()
	if m.shutdown {
		m.lk.Unlock()
		return nil
	}
	m.shutdown = true
	m.lk.Unlock()

	start := time.Now()
	m.logger.Info("shutdown: leave cluster")
	if err := m.ml.Leave(leaveTimeout); err != nil {
		m.logger.Warn("failed to leave cluster gracefully", telemetry.LabelError.L(err))
	}
	err := m.ml.Shutdown()
	m.queue.Reset()
	m.logger.Info("shutdown: completed", telemetry.Since(start))
	return err
}

type delegate struct {
	m *Memberlist
}

func (d *delegate) NodeMeta(limit int) []byte {
	return nil
}

func (d *delegate) NotifyMsg(buf []byte) {
	// memberlist reuses buf once we return, envelope decoding copies
	// what it keeps.
	d.m.inbound.receive(buf)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.m.queue.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte {
	return nil
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

type gossipBroadcast struct {
	msg []byte
}

func (b *gossipBroadcast) Invalidates(other memberlist.Broadcast) bool {
	return false
}

func (b *gossipBroadcast) Message() []byte {
	return b.msg
}

func (b *gossipBroadcast) Finished() {}
