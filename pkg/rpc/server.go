package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/colearn/internal/telemetry"
	"github.com/raskyld/colearn/pkg/flow"
)

// Call is an inbound call as seen by a `Handler`.
type Call struct {
	// Sender is the identity of the remote peer, as resolved by the
	// transport.
	Sender   string
	Protocol uint64
	Function uint64
	Args     [][]byte
}

// Handler answers a call. A returned `*Fault` is sent as-is, any other
// error is reported to the caller with `CodeInternal`.
type Handler func(ctx context.Context, call *Call) ([]byte, error)

// Protocol maps function ids to their handler.
type Protocol map[uint64]Handler

// Server dispatches call frames received on served connections to the
// registered protocols and replies with a result or an error frame.
//
// Every call runs on its own goroutine, so replies of one connection may
// be sent out of order.
type Server struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	lk        sync.RWMutex
	protocols map[uint64]Protocol
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		protocols: make(map[uint64]Protocol),
	}
	for _, opt := range opts {
		opt(&s.cfg)
	}
	s.logger = telemetry.Logger(s.cfg.logHandler)
	if s.cfg.name != "" {
		s.logger = s.logger.With("server", s.cfg.name)
	}
	s.msink = telemetry.Sink(s.cfg.msink)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add registers a protocol under id.
func (s *Server) Add(id uint64, proto Protocol) error {
	for fn, handler := range proto {
		if handler == nil {
			return fmt.Errorf("%w: protocol %d, function %d", ErrNilHandler, id, fn)
		}
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if _, has := s.protocols[id]; has {
		return fmt.Errorf("%w: %d", ErrProtocolExists, id)
	}
	s.protocols[id] = proto
	return nil
}

// Serve answers calls received on conn until the server is closed.
// The server does not own conn.
func (s *Server) Serve(conn flow.Conn) error {
	s.lk.RLock()
	closed := s.closed
	s.lk.RUnlock()
	if closed {
		return ErrServerClosed
	}

	conn.OnMessage(func(msg []byte) {
		s.handle(conn, msg)
	})
	return nil
}

// Close cancels running handlers and waits for them to return.
func (s *Server) Close() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil
	}
	s.closed = true
	s.lk.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) handle(conn flow.Conn, msg []byte) {
	frame, err := DecodeFrame(msg)
	if err == nil && frame.Kind != KindCall {
		err = fmt.Errorf("%w: %s frame received by a server", ErrUnknownMessageType, frame.Kind)
	}
	if err != nil {
		s.logger.Warn("dropping inbound frame", telemetry.LabelPeerName.L(conn.Peer()), telemetry.LabelError.L(err))
		s.msink.IncrCounterWithLabels(MetricProtocolFaultCount, 1.0, s.cfg.metricLabels)
		if s.cfg.faultHandler != nil {
			s.cfg.faultHandler(err)
		}
		return
	}

	s.lk.RLock()
	if s.closed {
		s.lk.RUnlock()
		return
	}
	handler, fault := s.lookup(frame.Protocol, frame.Function)
	s.wg.Add(1)
	s.lk.RUnlock()

	go func() {
		defer s.wg.Done()
		s.dispatch(conn, frame, handler, fault)
	}()
}

// not thread safe!
// must be called by an holder of Read lock
func (s *Server) lookup(protocol, function uint64) (Handler, *Fault) {
	proto, has := s.protocols[protocol]
	if !has {
		return nil, NewFault(CodeUnknownProtocol, "unknown protocol %d", protocol)
	}
	handler, has := proto[function]
	if !has {
		return nil, NewFault(CodeUnknownFunction, "unknown function %d of protocol %d", function, protocol)
	}
	return handler, nil
}

func (s *Server) dispatch(conn flow.Conn, frame *Frame, handler Handler, fault *Fault) {
	labels := telemetry.With(s.cfg.metricLabels,
		telemetry.LabelProtocol.M(strconv.FormatUint(frame.Protocol, 10)),
		telemetry.LabelFunction.M(strconv.FormatUint(frame.Function, 10)),
	)

	var reply []byte
	if fault == nil {
		start := time.Now()
		result, err := handler(s.ctx, &Call{
			Sender:   conn.Peer(),
			Protocol: frame.Protocol,
			Function: frame.Function,
			Args:     frame.Args,
		})
		s.msink.AddSampleWithLabels(MetricHandlerDuration, float32(time.Since(start).Milliseconds()), labels)
		if err != nil {
			fault = AsFault(err)
			if fault.Code < CodeUser && fault.Code != CodeInternal {
				s.logger.Warn("handler used a reserved fault code",
					telemetry.LabelProtocol.L(frame.Protocol),
					telemetry.LabelFunction.L(frame.Function),
					telemetry.LabelError.L(fault),
				)
				fault = NewFault(CodeInternal, "reserved fault code %d: %s", fault.Code, fault.Message)
			}
		} else {
			reply = AppendResult(nil, frame.PromiseID, result)
		}
	}

	if fault != nil {
		reply = AppendError(nil, frame.PromiseID, fault)
		labels = append(labels, telemetry.LabelError.M(strconv.FormatUint(fault.Code, 10)))
	}
	s.msink.IncrCounterWithLabels(MetricHandledCount, 1.0, labels)

	if err := conn.Send(reply); err != nil {
		s.logger.Warn("failed to send reply",
			telemetry.LabelPeerName.L(conn.Peer()),
			telemetry.LabelPromiseID.L(frame.PromiseID),
			telemetry.LabelError.L(err),
		)
	}
}
