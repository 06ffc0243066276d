package colearn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/raskyld/colearn/internal/telemetry"
	"github.com/raskyld/colearn/pkg/broadcast"
	"github.com/raskyld/colearn/pkg/flow"
	"github.com/raskyld/colearn/pkg/rpc"
	"github.com/raskyld/colearn/pkg/store"
	"github.com/raskyld/colearn/pkg/taskpool"
)

const (
	// ServiceDMLF and ChannelColearnBroadcast identify the broadcast
	// channel shared by every `Networker`.
	ServiceDMLF             uint16 = 2
	ChannelColearnBroadcast uint16 = 3

	// ProtocolColearn and FunctionUpdate identify the unicast call.
	ProtocolColearn uint64 = 1
	FunctionUpdate  uint64 = 1

	// AlgorithmDefault is the algorithm every received update is stored
	// under.
	AlgorithmDefault = "algo1"
)

// State of a `Networker`.
type State uint32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Networker sends updates to, and receives updates from, the other
// learners of the cluster.
type Networker struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	endpoint broadcast.Endpoint
	dialer   flow.Dialer
	store    *store.Store
	server   *rpc.Server
	sub      broadcast.Subscription
	tasks    *taskpool.TaskPool
	workers  *taskpool.WorkerPool
	limiter  *rate.Limiter

	offset     float64
	proportion atomic.Uint64
	rngLk      sync.Mutex
	rng        *rand.Rand

	lk      sync.Mutex
	state   State
	clients map[string]*rpc.Client
	served  map[flow.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a `Networker` receiving broadcasts on endpoint and sending
// unicast updates with dialer. Accepted updates are pushed to st.
func New(endpoint broadcast.Endpoint, dialer flow.Dialer, st *store.Store, opts ...Option) (*Networker, error) {
	if endpoint == nil || dialer == nil || st == nil {
		return nil, fmt.Errorf("%w: endpoint, dialer and store are required", ErrInvalidCfg)
	}

	n := &Networker{
		cfg:      defaultConfig(),
		endpoint: endpoint,
		dialer:   dialer,
		store:    st,
		clients:  make(map[string]*rpc.Client),
		served:   make(map[flow.Conn]struct{}),
	}
	for _, opt := range opts {
		if err := opt(&n.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n.logger = telemetry.Logger(n.cfg.logHandler).With(telemetry.LabelNodeName.L(endpoint.Address()))
	n.msink = telemetry.Sink(n.cfg.msink)
	n.limiter = rate.NewLimiter(n.cfg.rateLimit, n.cfg.rateBurst)
	n.ctx, n.cancel = context.WithCancel(context.Background())

	src := n.cfg.source
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	n.rng = rand.New(src)
	n.offset = n.rng.Float64()
	n.proportion.Store(math.Float64bits(n.cfg.proportion))

	n.server = rpc.NewServer(
		rpc.WithName(endpoint.Address()),
		rpc.WithLog(n.cfg.logHandler),
		rpc.WithMetricSink(n.msink),
		rpc.WithMetricLabels(n.cfg.metricLabels),
	)
	err := n.server.Add(ProtocolColearn, rpc.Protocol{
		FunctionUpdate: n.handleUpdateCall,
	})
	if err != nil {
		return nil, err
	}

	n.tasks = taskpool.NewTaskPool(
		taskpool.WithLog(n.cfg.logHandler),
		taskpool.WithMetricSink(n.msink),
		taskpool.WithMetricLabels(n.cfg.metricLabels),
		taskpool.WithGracePeriod(n.cfg.dialTimeout+n.cfg.callTimeout),
	)
	n.workers = taskpool.NewWorkerPool()
	if err := n.workers.Start(n.cfg.workers, n.tasks.Run); err != nil {
		n.tasks.Stop()
		return nil, err
	}

	n.sub = endpoint.Subscribe(ServiceDMLF, ChannelColearnBroadcast)
	n.sub.SetMessageHandler(n.handleBroadcast)

	n.state = StateRunning
	n.logger.Info("networker started",
		"workers", n.cfg.workers,
		"offset", n.offset,
		"proportion", n.cfg.proportion,
	)
	return n, nil
}

// Address is the broadcast address of the local learner.
func (n *Networker) Address() string {
	return n.endpoint.Address()
}

func (n *Networker) State() State {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.state
}

// BroadcastProportion is the proportion attached to the updates we send.
func (n *Networker) BroadcastProportion() float64 {
	return math.Float64frombits(n.proportion.Load())
}

func (n *Networker) SetBroadcastProportion(p float64) error {
	if !validProportion(p) {
		return fmt.Errorf("%w: got %v", ErrInvalidProportion, p)
	}
	n.proportion.Store(math.Float64bits(p))
	return nil
}

func (n *Networker) randomFactor() float64 {
	n.rngLk.Lock()
	defer n.rngLk.Unlock()
	return n.rng.Float64()
}

func (n *Networker) running() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.state == StateRunning
}

// PushUpdate broadcasts an update to every peer. It only waits for the
// broadcast rate limit, if any.
func (n *Networker) PushUpdate(ctx context.Context, typ string, payload []byte) error {
	if !n.running() {
		return ErrNetworkerClosed
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	upd := &gossipUpdate{
		Type:       typ,
		Payload:    payload,
		Proportion: n.BroadcastProportion(),
		Factor:     n.randomFactor(),
	}
	buf, err := upd.marshal()
	if err != nil {
		return err
	}

	labels := telemetry.With(n.cfg.metricLabels, telemetry.LabelUpdateType.M(typ))
	if err := n.endpoint.Broadcast(ServiceDMLF, ChannelColearnBroadcast, buf); err != nil {
		n.msink.IncrCounterWithLabels(MetricBroadcastErrorCount, 1.0, labels)
		return err
	}
	n.msink.IncrCounterWithLabels(MetricBroadcastCount, 1.0, labels)
	n.logger.Debug("update broadcast", telemetry.LabelUpdateType.L(typ), telemetry.LabelBytes.L(len(payload)))
	return nil
}

// PushUpdateTo sends an update to each of peers, which are addresses
// understood by the `flow.Dialer`. Sends happen in the background, one
// factor is drawn for the whole batch.
func (n *Networker) PushUpdateTo(typ string, payload []byte, peers []string) error {
	if len(peers) == 0 {
		return ErrNoPeers
	}
	if !n.running() {
		return ErrNetworkerClosed
	}

	upd := &gossipUpdate{
		Type:       typ,
		Payload:    append([]byte(nil), payload...),
		Proportion: n.BroadcastProportion(),
		Factor:     n.randomFactor(),
	}
	args, err := upd.args()
	if err != nil {
		return err
	}

	for _, peer := range peers {
		n.logger.Debug("creating sender", telemetry.LabelUpdateType.L(typ), telemetry.LabelPeerAddr.L(peer))
		err := n.tasks.Submit(&updateTask{n: n, peer: peer, typ: typ, args: args})
		if errors.Is(err, taskpool.ErrStopped) {
			return ErrNetworkerClosed
		} else if err != nil {
			return err
		}
	}
	return nil
}

// ProcessUpdate applies the admission filter to an update received from
// source, stores it if accepted and returns 1, otherwise 0.
func (n *Networker) ProcessUpdate(typ string, payload []byte, proportion, factor float64, source string) uint64 {
	labels := telemetry.With(n.cfg.metricLabels, telemetry.LabelUpdateType.M(typ))
	logger := n.logger.With(telemetry.LabelUpdateType.L(typ), telemetry.LabelSource.L(source))

	if !Admit(n.offset, factor, proportion) {
		logger.Debug("discarding update", "offset", n.offset, "factor", factor, "proportion", proportion)
		n.msink.IncrCounterWithLabels(MetricRejectedCount, 1.0, labels)
		return 0
	}

	logger.Debug("storing update")
	n.store.Push(AlgorithmDefault, typ, payload, source, nil)
	n.msink.IncrCounterWithLabels(MetricAcceptedCount, 1.0, labels)
	return 1
}

// GetUpdate returns the most recent update selected by criteria, or
// `store.ErrNoUpdate`.
func (n *Networker) GetUpdate(algorithm, typ string, criteria store.Criteria) (*store.Update, error) {
	return n.store.Get(algorithm, typ, criteria)
}

// QueryUpdates returns every update selected by criteria.
func (n *Networker) QueryUpdates(algorithm, typ string, criteria store.Criteria) []*store.Update {
	return n.store.Query(algorithm, typ, criteria)
}

func (n *Networker) handleBroadcast(msg broadcast.Message) {
	upd := &gossipUpdate{}
	if err := upd.unmarshal(msg.Payload); err != nil {
		n.logger.Warn("dropping broadcast", telemetry.LabelSource.L(msg.From), telemetry.LabelError.L(err))
		n.msink.IncrCounterWithLabels(MetricMalformedCount, 1.0, n.cfg.metricLabels)
		return
	}
	n.logger.Debug("received broadcast",
		telemetry.LabelSource.L(msg.From),
		telemetry.LabelService.L(msg.Service),
		telemetry.LabelChannel.L(msg.Channel),
		"counter", msg.Counter,
		telemetry.LabelBytes.L(len(upd.Payload)),
	)
	n.ProcessUpdate(upd.Type, upd.Payload, upd.Proportion, upd.Factor, msg.From)
}

func (n *Networker) handleUpdateCall(_ context.Context, call *rpc.Call) ([]byte, error) {
	upd := &gossipUpdate{}
	if err := upd.fromArgs(call.Args); err != nil {
		n.msink.IncrCounterWithLabels(MetricMalformedCount, 1.0, n.cfg.metricLabels)
		return nil, rpc.NewFault(CodeMalformedUpdate, "%s", err)
	}
	return encodeCount(n.ProcessUpdate(upd.Type, upd.Payload, upd.Proportion, upd.Factor, call.Sender)), nil
}

// Serve answers the unicast updates of peers connecting through ln,
// until ln or the `Networker` is closed. ln is not closed by Serve.
func (n *Networker) Serve(ln flow.Listener) error {
	n.lk.Lock()
	if n.state != StateRunning {
		n.lk.Unlock()
		return ErrNetworkerClosed
	}
	n.wg.Add(1)
	n.lk.Unlock()
	defer n.wg.Done()

	n.logger.Info("serving unicast updates", telemetry.LabelPeerAddr.L(ln.Addr()))
	for {
		conn, err := ln.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, flow.ErrFlowClosed) {
				return nil
			}
			return err
		}
		if err := n.ServeConn(conn); err != nil {
			conn.Close()
			return nil
		}
	}
}

// ServeConn answers the unicast updates received on conn. The conn is
// closed with the `Networker`.
func (n *Networker) ServeConn(conn flow.Conn) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.state != StateRunning {
		return ErrNetworkerClosed
	}
	n.served[conn] = struct{}{}
	return n.server.Serve(conn)
}

// Close drops the queued sends and waits for the running ones, bounded
// by the dial and call timeouts. It then releases every connection and
// the broadcast subscription. It is safe to call more than once.
func (n *Networker) Close() error {
	n.lk.Lock()
	if n.state != StateRunning {
		n.lk.Unlock()
		return nil
	}
	n.state = StateStopped
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutdown: stop background sends")
	n.tasks.Stop()
	n.workers.Stop()

	var result *multierror.Error
	if err := n.sub.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing subscription: %w", err))
	}

	n.cancel()
	n.wg.Wait()
	if err := n.server.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing rpc server: %w", err))
	}

	n.lk.Lock()
	clients := n.clients
	served := n.served
	n.clients = nil
	n.served = make(map[flow.Conn]struct{})
	n.lk.Unlock()

	for peer, client := range clients {
		if err := client.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing client of %s: %w", peer, err))
		}
	}
	for conn := range served {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing connection of %s: %w", conn.Peer(), err))
		}
	}

	n.logger.Info("shutdown: completed", telemetry.Since(start))
	return result.ErrorOrNil()
}
