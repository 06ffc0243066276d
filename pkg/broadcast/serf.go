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
	"github.com/hashicorp/serf/serf"

	"github.com/raskyld/colearn/internal/telemetry"
)

// serfEventName is the user event carrying envelopes.
const serfEventName = "colearn"

// Serf is an `Endpoint` over serf user events. Messages are bounded by
// `WithUserEventLimit`.
//
// Its address is the serf node name.
type Serf struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink

	serf    *serf.Serf
	eventCh chan serf.Event
	inbound *receiver
	counter atomic.Uint32

	lk       sync.Mutex
	shutdown bool
	dropCh   chan struct{}
	wg       sync.WaitGroup
}

var _ Endpoint = (*Serf)(nil)

func NewSerf(opts ...Option) (*Serf, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	s := &Serf{
		cfg:     cfg,
		logger:  telemetry.Logger(cfg.logHandler).With(telemetry.LabelNodeName.L(cfg.mlCfg.Name)),
		msink:   telemetry.Sink(cfg.msink),
		eventCh: make(chan serf.Event, 512),
		dropCh:  make(chan struct{}),
	}
	s.inbound, err = newReceiver(cfg, cfg.mlCfg.Name, s.logger, s.msink)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	serfCfg := serf.DefaultConfig()
	serfCfg.NodeName = cfg.mlCfg.Name
	serfCfg.MemberlistConfig = cfg.mlCfg
	serfCfg.Logger = cfg.mlCfg.Logger
	serfCfg.LogOutput = nil
	serfCfg.EventCh = s.eventCh
	serfCfg.UserEventSizeLimit = cfg.userEventLimit + serfEncodingOverhead
	// We don't do any smart routing decision, we don't need coordinates.
	serfCfg.DisableCoordinates = true

	srf, err := serf.Create(serfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	s.serf = srf

	s.wg.Add(1)
	go s.handleEvents()
	return s, nil
}

// Join contacts the neighbours given with `WithNeighbours`.
func (s *Serf) Join() error {
	return s.JoinNodes(s.cfg.neighbours...)
}

// JoinNodes contacts the given "host:port" addresses.
func (s *Serf) JoinNodes(addrs ...string) error {
	if len(addrs) == 0 {
		return nil
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.shutdown {
		return ErrClosed
	}

	joined, err := s.serf.Join(addrs, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	if joined != len(addrs) {
		s.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(addrs),
		)
	}
	s.logger.Info("cluster joined")
	return nil
}

func (s *Serf) Address() string {
	return s.serf.LocalMember().Name
}

// GossipAddr is the "host:port" other nodes can join.
func (s *Serf) GossipAddr() string {
	member := s.serf.LocalMember()
	return fmt.Sprintf("%s:%d", member.Addr, member.Port)
}

// Members returns the addresses of the alive members, this node
// included.
func (s *Serf) Members() []string {
	var names []string
	for _, member := range s.serf.Members() {
		if member.Status == serf.StatusAlive {
			names = append(names, member.Name)
		}
	}
	return names
}

func (s *Serf) Broadcast(service, channel uint16, payload []byte) error {
	s.lk.Lock()
	if s.shutdown {
		s.lk.Unlock()
		return ErrClosed
	}
	s.lk.Unlock()

	env := &envelope{
		From:    s.Address(),
		Service: service,
		Channel: channel,
		Counter: uint16(s.counter.Add(1)),
		Nonce:   rand.Uint64(),
		Payload: payload,
	}
	buf := env.marshal()
	if len(buf)+len(serfEventName) > s.cfg.userEventLimit {
		return fmt.Errorf("%w: %d bytes exceed the user event limit of %d", ErrTooLarge, len(buf), s.cfg.userEventLimit)
	}

	labels := telemetry.With(s.cfg.metricLabels,
		telemetry.LabelService.M(strconv.Itoa(int(service))),
		telemetry.LabelChannel.M(strconv.Itoa(int(channel))),
	)
	if err := s.serf.UserEvent(serfEventName, buf, false); err != nil {
		s.msink.IncrCounterWithLabels(MetricDroppedCount, 1.0, append(labels, telemetry.LabelError.M("send")))
		return err
	}
	s.msink.IncrCounterWithLabels(MetricSentCount, 1.0, labels)
	s.msink.IncrCounterWithLabels(MetricSentBytes, float32(len(buf)), labels)
	return nil
}

func (s *Serf) Subscribe(service, channel uint16) Subscription {
	return s.inbound.router.subscribe(service, channel)
}

// Close leaves the cluster then releases every resource.
func (s *Serf) Close() error {
	s.lk.Lock()
	if s.shutdown {
		s.lk.Unlock()
		return nil
	}
	s.shutdown = true
	s.lk.Unlock()

	start := time.Now()
	s.logger.Info("shutdown: leave cluster")
	if err := s.serf.Leave(); err != nil {
		s.logger.Warn("failed to leave cluster gracefully", telemetry.LabelError.L(err))
	}

	close(s.dropCh)
	s.logger.Info("shutdown: release gossip resources")
	err := s.serf.Shutdown()
	s.wg.Wait()
	<-s.serf.ShutdownCh()

	s.logger.Info("shutdown: completed", telemetry.Since(start))
	return err
}

func (s *Serf) handleEvents() {
	defer s.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-s.eventCh:
		case <-s.dropCh:
			return
		}

		switch event := event.(type) {
		case serf.MemberEvent:
			for _, member := range event.Members {
				s.logger.Info("membership changed",
					telemetry.LabelPeerName.L(member.Name),
					telemetry.LabelEventName.L(event.Type.String()),
				)
			}
			s.msink.SetGaugeWithLabels(MetricMembers, float32(s.serf.NumNodes()), s.cfg.metricLabels)
		case serf.UserEvent:
			if event.Name != serfEventName {
				s.logger.Error("received unexpected event", telemetry.LabelEventName.L(event.Name))
				continue
			}
			s.inbound.receive(event.Payload)
		}
	}
}
