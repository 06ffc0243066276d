package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromise(t *testing.T) {
	t.Run("ids are unique and increasing", func(t *testing.T) {
		p1 := NewPromise()
		p2 := NewPromise()
		require.Greater(t, p2.ID(), p1.ID())
		require.Equal(t, StatePending, p1.State())
	})

	t.Run("fulfill resolves exactly once", func(t *testing.T) {
		p := NewPromise()
		require.NoError(t, p.Fulfill([]byte("ok")))
		require.ErrorIs(t, p.Fulfill([]byte("again")), ErrAlreadyResolved)
		require.ErrorIs(t, p.Fail(errors.New("late")), ErrAlreadyResolved)
		require.Equal(t, StateFulfilled, p.State())

		value, err := p.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, []byte("ok"), value)
	})

	t.Run("fail resolves exactly once", func(t *testing.T) {
		p := NewPromise()
		fault := &Fault{Code: 42, Message: "bad arg"}
		require.NoError(t, p.Fail(fault))
		require.ErrorIs(t, p.Fulfill([]byte("late")), ErrAlreadyResolved)
		require.Equal(t, StateFailed, p.State())

		_, err := p.Wait(context.Background())
		require.Equal(t, fault, err)
	})

	t.Run("wait honours external timeout and late resolution is discarded", func(t *testing.T) {
		p := NewPromise()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := p.Wait(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, StatePending, p.State())

		require.NoError(t, p.Fulfill([]byte("late")))
		select {
		case <-p.Done():
		default:
			t.Fatal("done channel should be closed")
		}
	})

	t.Run("waiter is woken up by a concurrent resolution", func(t *testing.T) {
		p := NewPromise()
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = p.Fulfill([]byte("async"))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		value, err := p.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, "async", string(value))
	})
}
