package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type inbox struct {
	lk   sync.Mutex
	msgs []Message
}

func (ib *inbox) handle(msg Message) {
	ib.lk.Lock()
	defer ib.lk.Unlock()
	ib.msgs = append(ib.msgs, msg)
}

func (ib *inbox) all() []Message {
	ib.lk.Lock()
	defer ib.lk.Unlock()
	return append([]Message(nil), ib.msgs...)
}

func TestHub(t *testing.T) {
	hub := NewHub()
	node1 := hub.Endpoint("node1")
	node2 := hub.Endpoint("node2")
	node3 := hub.Endpoint("node3")
	require.Same(t, node1, hub.Endpoint("node1"))

	in1, in2, in3 := &inbox{}, &inbox{}, &inbox{}
	node1.Subscribe(2, 1).SetMessageHandler(in1.handle)
	node2.Subscribe(2, 1).SetMessageHandler(in2.handle)
	sub3 := node3.Subscribe(2, 1)
	sub3.SetMessageHandler(in3.handle)

	t.Run("every other endpoint receives the message", func(t *testing.T) {
		require.NoError(t, node1.Broadcast(2, 1, []byte("hello")))

		require.Empty(t, in1.all())
		for _, ib := range []*inbox{in2, in3} {
			msgs := ib.all()
			require.Len(t, msgs, 1)
			require.Equal(t, "node1", msgs[0].From)
			require.Equal(t, "hello", string(msgs[0].Payload))
			require.Equal(t, uint16(1), msgs[0].Counter)
		}
		require.Equal(t, "node2", in2.all()[0].To)
		require.Equal(t, "node3", in3.all()[0].To)
	})

	t.Run("other channels are not delivered", func(t *testing.T) {
		require.NoError(t, node1.Broadcast(2, 7, []byte("elsewhere")))
		require.Len(t, in2.all(), 1)
	})

	t.Run("the counter is per sender", func(t *testing.T) {
		require.NoError(t, node1.Broadcast(2, 1, []byte("again")))
		msgs := in2.all()
		require.Equal(t, uint16(3), msgs[len(msgs)-1].Counter)
	})

	t.Run("closed subscriptions and endpoints receive nothing", func(t *testing.T) {
		require.NoError(t, sub3.Close())
		require.NoError(t, sub3.Close())
		before := len(in3.all())
		require.NoError(t, node2.Broadcast(2, 1, []byte("to node1 only")))
		require.Len(t, in3.all(), before)
		require.Equal(t, "to node1 only", string(in1.all()[0].Payload))

		require.NoError(t, node2.Close())
		require.ErrorIs(t, node2.Broadcast(2, 1, nil), ErrClosed)
		count := len(in2.all())
		require.NoError(t, node1.Broadcast(2, 1, []byte("node2 is gone")))
		require.Len(t, in2.all(), count)
	})
}
