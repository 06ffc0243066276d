package colearn

import (
	"context"
	"errors"
	"time"

	"github.com/raskyld/colearn/internal/telemetry"
	"github.com/raskyld/colearn/pkg/rpc"
	"github.com/raskyld/colearn/pkg/taskpool"
)

// updateTask sends one update to one peer. Tasks of the same peer run
// one at a time, in submission order.
type updateTask struct {
	n    *Networker
	peer string
	typ  string
	args [][]byte
}

var (
	_ taskpool.Task  = (*updateTask)(nil)
	_ taskpool.Keyed = (*updateTask)(nil)
)

func (t *updateTask) Key() string {
	return t.peer
}

func (t *updateTask) Run(ctx context.Context) {
	n := t.n
	start := time.Now()
	labels := telemetry.With(n.cfg.metricLabels,
		telemetry.LabelPeerAddr.M(t.peer),
		telemetry.LabelUpdateType.M(t.typ),
	)
	logger := n.logger.With(telemetry.LabelPeerAddr.L(t.peer), telemetry.LabelUpdateType.L(t.typ))

	count, err := n.sendUpdate(ctx, t.peer, t.args)
	n.msink.AddSampleWithLabels(MetricUnicastDuration, float32(time.Since(start).Milliseconds()), labels)
	if err != nil {
		logger.Warn("failed to send update", telemetry.LabelError.L(err), telemetry.Since(start))
		n.msink.IncrCounterWithLabels(MetricUnicastErrorCount, 1.0, labels)
		return
	}

	logger.Debug("update sent", "accepted", count, telemetry.Since(start))
	n.msink.IncrCounterWithLabels(MetricUnicastCount, 1.0, labels)
}

// sendUpdate returns the count answered by the peer.
func (n *Networker) sendUpdate(ctx context.Context, peer string, args [][]byte) (uint64, error) {
	client, err := n.client(ctx, peer)
	if err != nil {
		return 0, err
	}

	prom, err := client.Call(ProtocolColearn, FunctionUpdate, args...)
	if err != nil {
		n.evict(peer, client)
		return 0, err
	}

	wctx, cancel := context.WithTimeout(ctx, n.cfg.callTimeout)
	defer cancel()
	reply, err := prom.Wait(wctx)
	if err != nil {
		// a fault is an answer, the connection is still healthy.
		var fault *rpc.Fault
		if !errors.As(err, &fault) || errors.Is(err, rpc.ErrAbandoned) {
			n.evict(peer, client)
		}
		return 0, err
	}
	return decodeCount(reply)
}

// client returns the cached client of peer, dialing it if needed.
func (n *Networker) client(ctx context.Context, peer string) (*rpc.Client, error) {
	n.lk.Lock()
	// clients is released once the running sends are over
	if n.clients == nil {
		n.lk.Unlock()
		return nil, ErrNetworkerClosed
	}
	if client, has := n.clients[peer]; has {
		n.lk.Unlock()
		return client, nil
	}
	n.lk.Unlock()

	dctx, cancel := context.WithTimeout(ctx, n.cfg.dialTimeout)
	defer cancel()
	conn, err := n.dialer.Dial(dctx, peer)
	if err != nil {
		n.msink.IncrCounterWithLabels(MetricPeerConnectionsCount, 1.0,
			telemetry.With(n.cfg.metricLabels, telemetry.LabelPeerAddr.M(peer), telemetry.LabelError.M("dial")))
		return nil, err
	}

	client := rpc.NewClient(conn,
		rpc.WithName(peer),
		rpc.WithLog(n.cfg.logHandler),
		rpc.WithMetricSink(n.msink),
		rpc.WithMetricLabels(n.cfg.metricLabels),
	)

	n.lk.Lock()
	defer n.lk.Unlock()
	if n.clients == nil {
		client.Close()
		return nil, ErrNetworkerClosed
	}
	if existing, has := n.clients[peer]; has {
		client.Close()
		return existing, nil
	}
	n.clients[peer] = client
	n.msink.IncrCounterWithLabels(MetricPeerConnectionsCount, 1.0,
		telemetry.With(n.cfg.metricLabels, telemetry.LabelPeerAddr.M(peer)))
	return client, nil
}

func (n *Networker) evict(peer string, client *rpc.Client) {
	n.lk.Lock()
	if n.clients[peer] == client {
		delete(n.clients, peer)
	} else {
		client = nil
	}
	n.lk.Unlock()

	if client != nil {
		client.Close()
	}
}
