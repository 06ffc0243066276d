package rpc

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/colearn/internal/telemetry"
	"github.com/raskyld/colearn/pkg/flow"
)

// Client issues calls over a `flow.Conn` and correlates the asynchronous
// replies with the `Promise` returned to the caller.
//
// Inbound frames are queued by the transport and drained in arrival
// order by a single dispatch goroutine per client.
type Client struct {
	cfg    config
	conn   flow.Conn
	logger *slog.Logger
	msink  metrics.MetricSink

	pending *pendingTable

	queueLk sync.Mutex
	queue   [][]byte
	notify  chan struct{}

	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewClient takes ownership of conn: it is closed with the client.
func NewClient(conn flow.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		pending: newPendingTable(),
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&c.cfg)
	}
	if c.cfg.name == "" {
		c.cfg.name = conn.Peer()
	}

	c.logger = telemetry.Logger(c.cfg.logHandler).With(
		telemetry.LabelClient.L(c.cfg.name),
		telemetry.LabelPeerName.L(conn.Peer()),
	)
	c.msink = telemetry.Sink(c.cfg.msink)
	c.cfg.metricLabels = telemetry.With(c.cfg.metricLabels, telemetry.LabelClient.M(c.cfg.name))

	c.wg.Add(1)
	go c.processMessages()
	conn.OnMessage(c.PushMessage)
	return c
}

// Call sends a call frame and returns immediately. The outcome is
// delivered through the returned `Promise`, which is never nil.
//
// If the frame could not be sent, the promise is already failed and the
// error is returned as well.
func (c *Client) Call(protocol, function uint64, args ...[]byte) (*Promise, error) {
	prom := NewPromise()
	labels := telemetry.With(c.cfg.metricLabels,
		telemetry.LabelProtocol.M(strconv.FormatUint(protocol, 10)),
		telemetry.LabelFunction.M(strconv.FormatUint(function, 10)),
	)

	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		_ = prom.Fail(ErrClientClosed)
		return prom, ErrClientClosed
	}
	c.pending.insert(prom)
	c.lk.Unlock()

	err := c.conn.Send(AppendCall(nil, prom.ID(), protocol, function, args...))
	if err != nil {
		err = fmt.Errorf("rpc: failed to send call: %w", err)
		if p, has := c.pending.take(prom.ID()); has {
			_ = p.Fail(err)
		}
		c.msink.IncrCounterWithLabels(MetricCallErrorCount, 1.0, labels)
		return prom, err
	}

	c.msink.IncrCounterWithLabels(MetricCallCount, 1.0, labels)
	return prom, nil
}

// PushMessage is the transport-facing entry point, it only appends msg
// to the inbound queue.
func (c *Client) PushMessage(msg []byte) {
	c.queueLk.Lock()
	c.queue = append(c.queue, msg)
	c.queueLk.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Pending returns how many calls are waiting for their reply.
func (c *Client) Pending() int {
	return c.pending.len()
}

// Close stops the dispatch loop and waits for it to finish. Calls still
// pending are failed with `ErrAbandoned`.
func (c *Client) Close() error {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.lk.Unlock()

	c.wg.Wait()

	dropped := c.pending.drain()
	for _, prom := range dropped {
		_ = prom.Fail(abandoned())
	}
	if len(dropped) > 0 {
		c.logger.Warn("abandoned pending calls", "count", len(dropped))
		c.msink.IncrCounterWithLabels(MetricAbandonedCount, float32(len(dropped)), c.cfg.metricLabels)
	}

	return c.conn.Close()
}

func (c *Client) processMessages() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.notify:
		}

		for {
			batch := c.takeQueue()
			if len(batch) == 0 {
				break
			}
			c.msink.SetGaugeWithLabels(MetricQueueDepth, float32(len(batch)), c.cfg.metricLabels)
			for _, msg := range batch {
				if err := c.processServerMessage(msg); err != nil {
					c.reportFault(err)
				}
			}
		}
	}
}

func (c *Client) takeQueue() [][]byte {
	c.queueLk.Lock()
	defer c.queueLk.Unlock()
	batch := c.queue
	c.queue = nil
	return batch
}

func (c *Client) processServerMessage(msg []byte) error {
	frame, err := DecodeFrame(msg)
	if err != nil {
		return err
	}

	switch frame.Kind {
	case KindResult:
		prom, has := c.pending.take(frame.PromiseID)
		if !has {
			return fmt.Errorf("%w: %d", ErrPromiseNotFound, frame.PromiseID)
		}
		_ = prom.Fulfill(frame.Result)
	case KindError:
		prom, has := c.pending.take(frame.PromiseID)
		if !has {
			return fmt.Errorf("%w: %d", ErrPromiseNotFound, frame.PromiseID)
		}
		fault := frame.Fault
		if fault.Code == CodeAbandoned {
			// only a local client abandons calls
			fault = &Fault{Code: CodeUnknown, Message: fault.Message}
		}
		_ = prom.Fail(fault)
	default:
		return fmt.Errorf("%w: %s frame received by a client", ErrUnknownMessageType, frame.Kind)
	}

	c.msink.IncrCounterWithLabels(
		MetricResolvedCount,
		1.0,
		telemetry.With(c.cfg.metricLabels, telemetry.LabelFrameKind.M(frame.Kind.String())),
	)
	return nil
}

// reportFault surfaces faults which have no waiter to deliver to.
func (c *Client) reportFault(err error) {
	c.logger.Warn("dropping inbound frame", telemetry.LabelError.L(err))
	c.msink.IncrCounterWithLabels(MetricProtocolFaultCount, 1.0, c.cfg.metricLabels)
	if c.cfg.faultHandler != nil {
		c.cfg.faultHandler(err)
	}
}
