package flow

import (
	"context"
	"errors"
)

var (
	ErrFlowClosed    = errors.New("flow: closed")
	ErrTooLargeFrame = errors.New("flow: frame is too large")
	ErrAddrInUse     = errors.New("flow: address already in use")
	ErrUnreachable   = errors.New("flow: no listener at address")
	ErrNoTLSConfig   = errors.New("flow: TLS config is required")
	ErrIdentity      = errors.New("flow: could not resolve peer identity")
)

// MaxFrameSize bounds the size of a single frame accepted from the wire.
const MaxFrameSize = 64 << 20

// Handler is invoked once per inbound frame, in arrival order.
//
// Implementations MUST NOT block for long: they run on the transport
// read path and delay every following frame of the connection.
type Handler func(frame []byte)

// Conn is a message-oriented, bidirectional connection with a peer.
//
// `Send` is safe for concurrent use. Frames are delivered to the
// `Handler` registered with `OnMessage` in the order they were sent.
// No frame is delivered before a handler is registered.
type Conn interface {
	Send(frame []byte) error
	OnMessage(Handler)
	// Peer is the identity of the remote end.
	Peer() string
	Close() error
}

// Listener accepts inbound `Conn`.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Dialer establishes outbound `Conn`.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to a `Dialer`.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) {
	return f(ctx, addr)
}
