package broadcast

import (
	"bytes"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func gossipOptions(name string) []Option {
	return []Option{
		WithNodeName(name),
		WithListenOn("127.0.0.1", 0),
		WithLog(testLogHandler(name)),
		WithMetricSink(metrics.NewInmemSink(time.Second, 5*time.Minute)),
		WithMetricLabels([]metrics.Label{{Name: "node", Value: name}}),
	}
}

type gossipNode interface {
	Endpoint
	JoinNodes(addrs ...string) error
	GossipAddr() string
	Members() []string
	Close() error
}

func testGossip(t *testing.T, node1, node2 gossipNode, largePayload []byte) {
	t.Helper()
	require.NoError(t, node2.JoinNodes(node1.GossipAddr()))
	require.Eventually(t, func() bool {
		return len(node1.Members()) == 2 && len(node2.Members()) == 2
	}, 10*time.Second, 50*time.Millisecond)

	in1, in2 := &inbox{}, &inbox{}
	node1.Subscribe(2, 1).SetMessageHandler(in1.handle)
	node2.Subscribe(2, 1).SetMessageHandler(in2.handle)

	t.Run("small messages reach the other node only", func(t *testing.T) {
		require.NoError(t, node1.Broadcast(2, 1, []byte("hello")))
		require.Eventually(t, func() bool {
			return len(in2.all()) == 1
		}, 10*time.Second, 50*time.Millisecond)

		msg := in2.all()[0]
		require.Equal(t, node1.Address(), msg.From)
		require.Equal(t, node2.Address(), msg.To)
		require.Equal(t, "hello", string(msg.Payload))

		// give retransmissions a chance to show up
		time.Sleep(500 * time.Millisecond)
		require.Len(t, in2.all(), 1)
		require.Empty(t, in1.all())
	})

	t.Run("larger messages are delivered too", func(t *testing.T) {
		require.NoError(t, node2.Broadcast(2, 1, largePayload))
		require.Eventually(t, func() bool {
			return len(in1.all()) == 1
		}, 10*time.Second, 50*time.Millisecond)
		require.Equal(t, largePayload, in1.all()[0].Payload)
	})

	require.NoError(t, node2.Close())
	require.NoError(t, node1.Close())
	require.ErrorIs(t, node1.Broadcast(2, 1, nil), ErrClosed)
}

func TestMemberlist(t *testing.T) {
	node1, err := NewMemberlist(gossipOptions("node1")...)
	require.NoError(t, err)
	node2, err := NewMemberlist(gossipOptions("node2")...)
	require.NoError(t, err)

	// above the gossip limit, sent reliably
	testGossip(t, node1, node2, bytes.Repeat([]byte{0xab}, 64*1024))
}

func TestSerf(t *testing.T) {
	node1, err := NewSerf(gossipOptions("node1")...)
	require.NoError(t, err)
	node2, err := NewSerf(gossipOptions("node2")...)
	require.NoError(t, err)

	testGossip(t, node1, node2, bytes.Repeat([]byte{0xab}, 900))
}

func TestSerfMessageLimit(t *testing.T) {
	node, err := NewSerf(append(gossipOptions("node1"), WithUserEventLimit(1024))...)
	require.NoError(t, err)
	defer node.Close()

	require.ErrorIs(t, node.Broadcast(2, 1, make([]byte, 2048)), ErrTooLarge)
	require.NoError(t, node.Broadcast(2, 1, make([]byte, 128)))

	t.Run("payloads close to the limit are either sent or too large", func(t *testing.T) {
		sent := 0
		for size := 1024 - 80; size <= 1024; size++ {
			err := node.Broadcast(2, 1, make([]byte, size))
			if err == nil {
				sent++
				continue
			}
			require.ErrorIs(t, err, ErrTooLarge, "payload of %d bytes", size)
		}
		require.Positive(t, sent)
		require.ErrorIs(t, node.Broadcast(2, 1, make([]byte, 1024-len(serfEventName))), ErrTooLarge)
	})
}
