package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(conn Conn) <-chan []byte {
	ch := make(chan []byte, 1024)
	conn.OnMessage(func(frame []byte) {
		ch <- frame
	})
	return ch
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestPipe(t *testing.T) {
	t.Run("ends know each other", func(t *testing.T) {
		a, b := Pipe("a", "b")
		require.Equal(t, "b", a.Peer())
		require.Equal(t, "a", b.Peer())
	})

	t.Run("frames are delivered in order and copied", func(t *testing.T) {
		a, b := Pipe("a", "b")
		defer a.Close()
		inbound := collect(b)

		frame := []byte("first")
		require.NoError(t, a.Send(frame))
		frame[0] = 'F'
		require.NoError(t, a.Send([]byte("second")))

		require.Equal(t, "first", string(receive(t, inbound)))
		require.Equal(t, "second", string(receive(t, inbound)))
	})

	t.Run("frames sent before a handler is set are kept", func(t *testing.T) {
		a, b := Pipe("a", "b")
		defer a.Close()
		require.NoError(t, b.Send([]byte("early")))

		inbound := collect(a)
		require.Equal(t, "early", string(receive(t, inbound)))
	})

	t.Run("closing one end closes both directions", func(t *testing.T) {
		a, b := Pipe("a", "b")
		require.NoError(t, b.Close())
		require.ErrorIs(t, a.Send([]byte("x")), ErrFlowClosed)
		require.ErrorIs(t, b.Send([]byte("x")), ErrFlowClosed)
		require.NoError(t, a.Close())
	})
}

func TestMemNetwork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	network := NewMemNetwork()

	ln, err := network.Listen("node1")
	require.NoError(t, err)
	require.Equal(t, "node1", ln.Addr())

	_, err = network.Listen("node1")
	require.ErrorIs(t, err, ErrAddrInUse)

	t.Run("dial and accept are paired", func(t *testing.T) {
		accepted := make(chan Conn, 1)
		go func() {
			conn, err := ln.Accept(ctx)
			if err == nil {
				accepted <- conn
			}
		}()

		client, err := network.Dialer("node2").Dial(ctx, "node1")
		require.NoError(t, err)
		defer client.Close()
		require.Equal(t, "node1", client.Peer())

		server := <-accepted
		require.Equal(t, "node2", server.Peer())

		inbound := collect(server)
		require.NoError(t, client.Send([]byte("ping")))
		require.Equal(t, "ping", string(receive(t, inbound)))

		outbound := collect(client)
		require.NoError(t, server.Send([]byte("pong")))
		require.Equal(t, "pong", string(receive(t, outbound)))
	})

	t.Run("unknown addresses are unreachable", func(t *testing.T) {
		_, err := network.Dial(ctx, "node2", "node3")
		require.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("a closed listener releases its address", func(t *testing.T) {
		require.NoError(t, ln.Close())
		_, err := ln.Accept(ctx)
		require.ErrorIs(t, err, ErrFlowClosed)

		_, err = network.Dial(ctx, "node2", "node1")
		require.ErrorIs(t, err, ErrUnreachable)

		again, err := network.Listen("node1")
		require.NoError(t, err)
		require.NoError(t, again.Close())
	})
}
