package flow

import (
	"context"
	"fmt"
	"sync"
)

const localBufferSize = 1024

// LocalConn is one end of an in-process `Conn`.
//
// Frames are copied on `Send` so the two ends never share memory.
type LocalConn struct {
	peer   string
	remote *LocalConn

	data    chan []byte
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	writers sync.WaitGroup

	deliverOnce sync.Once
}

var _ Conn = (*LocalConn)(nil)

// Pipe returns two connected ends, `a` is known to `b` as `aName` and
// reciprocally.
func Pipe(aName, bName string) (a *LocalConn, b *LocalConn) {
	a = newLocalConn(bName)
	b = newLocalConn(aName)
	a.remote = b
	b.remote = a
	return
}

func newLocalConn(peer string) *LocalConn {
	return &LocalConn{
		peer:    peer,
		data:    make(chan []byte, localBufferSize),
		closeCh: make(chan struct{}),
	}
}

func (c *LocalConn) Peer() string {
	return c.peer
}

func (c *LocalConn) Send(frame []byte) error {
	return c.remote.push(frame)
}

func (c *LocalConn) OnMessage(handler Handler) {
	c.deliverOnce.Do(func() {
		go func() {
			for frame := range c.data {
				handler(frame)
			}
		}()
	})
}

func (c *LocalConn) Close() error {
	c.closeInbound()
	c.remote.closeInbound()
	return nil
}

func (c *LocalConn) push(frame []byte) error {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return ErrFlowClosed
	}
	c.writers.Add(1)
	defer c.writers.Done()
	c.lk.Unlock()

	cloned := make([]byte, len(frame))
	copy(cloned, frame)

	select {
	case c.data <- cloned:
		return nil
	case <-c.closeCh:
		return ErrFlowClosed
	}
}

func (c *LocalConn) closeInbound() {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	c.writers.Wait()
	close(c.data)
}

// MemNetwork is an in-process address space for `LocalConn`.
type MemNetwork struct {
	lk        sync.Mutex
	listeners map[string]*MemListener
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		listeners: make(map[string]*MemListener),
	}
}

// Listen binds addr, which must be unique within the network.
func (n *MemNetwork) Listen(addr string) (*MemListener, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if _, has := n.listeners[addr]; has {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	ln := &MemListener{
		addr:    addr,
		network: n,
		connCh:  make(chan Conn),
		closeCh: make(chan struct{}),
	}
	n.listeners[addr] = ln
	return ln, nil
}

// Dialer returns a `Dialer` which presents itself to listeners as `from`.
func (n *MemNetwork) Dialer(from string) Dialer {
	return DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
		return n.Dial(ctx, from, addr)
	})
}

func (n *MemNetwork) Dial(ctx context.Context, from, addr string) (Conn, error) {
	n.lk.Lock()
	ln, has := n.listeners[addr]
	n.lk.Unlock()
	if !has {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	client, server := Pipe(from, addr)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ln.closeCh:
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	case ln.connCh <- server:
		return client, nil
	}
}

type MemListener struct {
	addr      string
	network   *MemNetwork
	connCh    chan Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ Listener = (*MemListener)(nil)

func (ln *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ln.closeCh:
		return nil, ErrFlowClosed
	case conn := <-ln.connCh:
		return conn, nil
	}
}

func (ln *MemListener) Addr() string {
	return ln.addr
}

func (ln *MemListener) Close() error {
	ln.closeOnce.Do(func() {
		close(ln.closeCh)
		ln.network.lk.Lock()
		if ln.network.listeners[ln.addr] == ln {
			delete(ln.network.listeners, ln.addr)
		}
		ln.network.lk.Unlock()
	})
	return nil
}
