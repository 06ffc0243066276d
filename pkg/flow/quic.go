package flow

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"

	"github.com/raskyld/colearn/internal/telemetry"
)

// ALPN is negotiated on every QUIC connection of the transport.
const ALPN = "colearn/1"

const (
	quicErrShutdown quic.ApplicationErrorCode = 0x3
	quicErrIdentity quic.ApplicationErrorCode = 0x2
)

const (
	defaultQUICMaxIdle       = 1 * time.Minute
	defaultQUICAcceptBacklog = 64
)

var (
	MetricFrameInBytes      = []string{"colearn", "flow", "frame", "in", "bytes"}
	MetricFrameOutBytes     = []string{"colearn", "flow", "frame", "out", "bytes"}
	MetricFrameErrorCount   = []string{"colearn", "flow", "frame", "error", "count"}
	MetricConnEstCount      = []string{"colearn", "flow", "connection", "established", "count"}
	MetricConnEstErrorCount = []string{"colearn", "flow", "connection", "error", "count"}
)

// QUICConfig configures both ends of the QUIC transport.
type QUICConfig struct {
	// TlsConfig should enable mTLS so both ends can resolve the
	// identity of the other.
	TlsConfig *tls.Config

	// IdentityResolver defaults to `CommonNameResolver`.
	IdentityResolver IdentityResolver

	// MaxIdleTimeout of QUIC connections.
	MaxIdleTimeout time.Duration

	// MetricLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func (cfg *QUICConfig) tls() (*tls.Config, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	tlsConf := cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	return tlsConf, nil
}

func (cfg *QUICConfig) quic() *quic.Config {
	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = defaultQUICMaxIdle
	}
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: idle / 2,
	}
}

func (cfg *QUICConfig) resolver() IdentityResolver {
	if cfg.IdentityResolver == nil {
		return CommonNameResolver
	}
	return cfg.IdentityResolver
}

// QUICListener accepts one `Conn` per inbound QUIC connection, carried
// by the first stream the remote opens.
type QUICListener struct {
	cfg    *QUICConfig
	ln     *quic.Listener
	logger *slog.Logger
	msink  metrics.MetricSink

	connCh    chan Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Listener = (*QUICListener)(nil)

func ListenQUIC(addr string, cfg *QUICConfig) (*QUICListener, error) {
	tlsConf, err := cfg.tls()
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quic())
	if err != nil {
		return nil, fmt.Errorf("flow: failed to allocate QUIC listener: %w", err)
	}

	qln := &QUICListener{
		cfg:     cfg,
		ln:      ln,
		logger:  telemetry.Logger(cfg.LogHandler),
		msink:   telemetry.Sink(cfg.MetricSink),
		connCh:  make(chan Conn, defaultQUICAcceptBacklog),
		closeCh: make(chan struct{}),
	}

	qln.wg.Add(1)
	go qln.acceptCx()
	return qln, nil
}

func (qln *QUICListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-qln.closeCh:
		return nil, ErrFlowClosed
	case conn := <-qln.connCh:
		return conn, nil
	}
}

func (qln *QUICListener) Addr() string {
	return qln.ln.Addr().String()
}

func (qln *QUICListener) Close() error {
	var err error
	qln.closeOnce.Do(func() {
		close(qln.closeCh)
		err = qln.ln.Close()
		qln.wg.Wait()
	})
	return err
}

func (qln *QUICListener) acceptCx() {
	defer qln.wg.Done()
	for {
		cx, err := qln.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-qln.closeCh:
			default:
				qln.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		// The stream only becomes visible once the remote writes to it,
		// so we must not block the accept loop on it.
		qln.wg.Add(1)
		go qln.acceptStream(cx)
	}
}

func (qln *QUICListener) acceptStream(cx quic.Connection) {
	defer qln.wg.Done()
	labels := telemetry.With(qln.cfg.MetricLabels, telemetry.LabelPeerAddr.M(cx.RemoteAddr().String()))

	peer, err := qln.cfg.resolver()(cx.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		qln.logger.Error("failed to resolve peer identity",
			telemetry.LabelPeerAddr.L(cx.RemoteAddr().String()),
			telemetry.LabelError.L(err),
		)
		qln.msink.IncrCounterWithLabels(MetricConnEstErrorCount, 1.0,
			append(labels, telemetry.LabelError.M("identity")))
		cx.CloseWithError(quicErrIdentity, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(cx.Context())
	go func() {
		select {
		case <-qln.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	stream, err := cx.AcceptStream(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			qln.logger.Warn("error accepting stream", telemetry.LabelPeerName.L(peer), telemetry.LabelError.L(err))
			qln.msink.IncrCounterWithLabels(MetricConnEstErrorCount, 1.0,
				append(labels, telemetry.LabelError.M("no_stream")))
		}
		cx.CloseWithError(quicErrShutdown, "no stream")
		return
	}

	conn := newStreamConn(cx, stream, peer, qln.cfg, qln.logger, qln.msink)
	qln.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, labels)
	select {
	case qln.connCh <- conn:
	case <-qln.closeCh:
		conn.Close()
	}
}

// QUICDialer opens one QUIC connection, and one stream on it, per `Dial`.
type QUICDialer struct {
	cfg     *QUICConfig
	tlsConf *tls.Config
	logger  *slog.Logger
	msink   metrics.MetricSink
}

var _ Dialer = (*QUICDialer)(nil)

func NewQUICDialer(cfg *QUICConfig) (*QUICDialer, error) {
	tlsConf, err := cfg.tls()
	if err != nil {
		return nil, err
	}
	return &QUICDialer{
		cfg:     cfg,
		tlsConf: tlsConf,
		logger:  telemetry.Logger(cfg.LogHandler),
		msink:   telemetry.Sink(cfg.MetricSink),
	}, nil
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	labels := telemetry.With(d.cfg.MetricLabels, telemetry.LabelPeerAddr.M(addr))
	cx, err := quic.DialAddr(ctx, addr, d.tlsConf, d.cfg.quic())
	if err != nil {
		d.msink.IncrCounterWithLabels(MetricConnEstErrorCount, 1.0,
			append(labels, telemetry.LabelError.M("dial")))
		return nil, err
	}

	peer, err := d.cfg.resolver()(cx.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		d.msink.IncrCounterWithLabels(MetricConnEstErrorCount, 1.0,
			append(labels, telemetry.LabelError.M("identity")))
		cx.CloseWithError(quicErrIdentity, err.Error())
		return nil, err
	}

	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		d.msink.IncrCounterWithLabels(MetricConnEstErrorCount, 1.0,
			append(labels, telemetry.LabelError.M("cannot_open_stream")))
		cx.CloseWithError(quicErrShutdown, "cannot open stream")
		return nil, err
	}

	d.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, labels)
	return newStreamConn(cx, stream, peer, d.cfg, d.logger, d.msink), nil
}

type streamConn struct {
	cx     quic.Connection
	stream quic.Stream
	peer   string

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// NB: quic-go streams are not safe for concurrent writes.
	wlk sync.Mutex

	readOnce  sync.Once
	closeOnce sync.Once
	closing   chan struct{}
}

func newStreamConn(
	cx quic.Connection,
	stream quic.Stream,
	peer string,
	cfg *QUICConfig,
	logger *slog.Logger,
	msink metrics.MetricSink,
) *streamConn {
	return &streamConn{
		cx:      cx,
		stream:  stream,
		peer:    peer,
		logger:  logger.With(telemetry.LabelPeerName.L(peer)),
		msink:   msink,
		labels:  telemetry.With(cfg.MetricLabels, telemetry.LabelPeerName.M(peer)),
		closing: make(chan struct{}),
	}
}

func (sc *streamConn) Peer() string {
	return sc.peer
}

func (sc *streamConn) Send(frame []byte) error {
	sc.wlk.Lock()
	err := WriteFrame(sc.stream, frame)
	sc.wlk.Unlock()

	if err != nil {
		sc.msink.IncrCounterWithLabels(MetricFrameErrorCount, 1.0,
			append(sc.labels, telemetry.LabelError.M("write")))
		return err
	}
	sc.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(frame)), sc.labels)
	return nil
}

func (sc *streamConn) OnMessage(handler Handler) {
	sc.readOnce.Do(func() {
		go sc.readLoop(handler)
	})
}

func (sc *streamConn) readLoop(handler Handler) {
	fr := NewFrameReader(sc.stream)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			select {
			case <-sc.closing:
				sc.logger.Debug("stream reader gracefully shutting down")
			default:
				if sc.stream.Context().Err() == nil {
					sc.msink.IncrCounterWithLabels(MetricFrameErrorCount, 1.0,
						append(sc.labels, telemetry.LabelError.M("read")))
				}
				sc.logger.Warn("stream was broken", telemetry.LabelError.L(err))
			}
			return
		}

		sc.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(frame)), sc.labels)
		handler(frame)
	}
}

func (sc *streamConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		close(sc.closing)
		sc.stream.CancelRead(quic.StreamErrorCode(quicErrShutdown))
		err = sc.stream.Close()
		sc.cx.CloseWithError(quicErrShutdown, "connection closed")
	})
	return err
}
