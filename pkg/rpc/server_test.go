package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/colearn/pkg/flow"
)

const (
	testProtocol uint64 = 7
	fnEcho       uint64 = 1
	fnReject     uint64 = 2
	fnBroken     uint64 = 3
	fnSender     uint64 = 4
)

func newTestPair(t *testing.T) (*Client, *Server) {
	t.Helper()
	local, remote := flow.Pipe("alice", "bob")

	srv := NewServer(WithName("bob"))
	require.NoError(t, srv.Add(testProtocol, Protocol{
		fnEcho: func(_ context.Context, call *Call) ([]byte, error) {
			if len(call.Args) == 0 {
				return []byte("ok"), nil
			}
			return call.Args[0], nil
		},
		fnReject: func(context.Context, *Call) ([]byte, error) {
			return nil, &Fault{Code: 42, Message: "bad arg"}
		},
		fnBroken: func(context.Context, *Call) ([]byte, error) {
			return nil, errors.New("disk on fire")
		},
		fnSender: func(_ context.Context, call *Call) ([]byte, error) {
			return []byte(call.Sender), nil
		},
	}))
	require.NoError(t, srv.Serve(remote))

	client := NewClient(local, WithName("alice"))
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return client, srv
}

func TestServer(t *testing.T) {
	t.Run("answers a call with its result", func(t *testing.T) {
		client, _ := newTestPair(t)
		prom, err := client.Call(testProtocol, fnEcho)
		require.NoError(t, err)

		value, err := prom.Wait(waitCtx(t))
		require.NoError(t, err)
		require.Equal(t, "ok", string(value))
	})

	t.Run("arguments reach the handler byte for byte", func(t *testing.T) {
		client, _ := newTestPair(t)
		arg := []byte{0x00, 0xff, 0x00, 0x7f}
		prom, err := client.Call(testProtocol, fnEcho, arg)
		require.NoError(t, err)

		value, err := prom.Wait(waitCtx(t))
		require.NoError(t, err)
		require.Equal(t, arg, value)
	})

	t.Run("handler faults are delivered unchanged", func(t *testing.T) {
		client, _ := newTestPair(t)
		prom, err := client.Call(testProtocol, fnReject)
		require.NoError(t, err)

		_, err = prom.Wait(waitCtx(t))
		var fault *Fault
		require.ErrorAs(t, err, &fault)
		require.Equal(t, &Fault{Code: 42, Message: "bad arg"}, fault)
	})

	t.Run("plain handler errors become internal faults", func(t *testing.T) {
		client, _ := newTestPair(t)
		prom, err := client.Call(testProtocol, fnBroken)
		require.NoError(t, err)

		_, err = prom.Wait(waitCtx(t))
		var fault *Fault
		require.ErrorAs(t, err, &fault)
		require.Equal(t, CodeInternal, fault.Code)
		require.Contains(t, fault.Message, "disk on fire")
	})

	t.Run("handlers cannot use reserved fault codes", func(t *testing.T) {
		client, srv := newTestPair(t)
		require.NoError(t, srv.Add(testProtocol+1, Protocol{
			1: func(context.Context, *Call) ([]byte, error) {
				return nil, NewFault(CodeAbandoned, "pretending")
			},
		}))
		prom, err := client.Call(testProtocol+1, 1)
		require.NoError(t, err)

		_, err = prom.Wait(waitCtx(t))
		require.NotErrorIs(t, err, ErrAbandoned)
		var fault *Fault
		require.ErrorAs(t, err, &fault)
		require.Equal(t, CodeInternal, fault.Code)
		require.Contains(t, fault.Message, "pretending")
	})

	t.Run("handlers see the transport identity of the caller", func(t *testing.T) {
		client, _ := newTestPair(t)
		prom, err := client.Call(testProtocol, fnSender)
		require.NoError(t, err)

		value, err := prom.Wait(waitCtx(t))
		require.NoError(t, err)
		require.Equal(t, "alice", string(value))
	})

	t.Run("unknown protocols and functions are reported to the caller", func(t *testing.T) {
		client, _ := newTestPair(t)
		unknownProto, err := client.Call(testProtocol+1, fnEcho)
		require.NoError(t, err)
		unknownFn, err := client.Call(testProtocol, 99)
		require.NoError(t, err)

		_, err = unknownProto.Wait(waitCtx(t))
		require.ErrorIs(t, err, &Fault{Code: CodeUnknownProtocol})
		_, err = unknownFn.Wait(waitCtx(t))
		require.ErrorIs(t, err, &Fault{Code: CodeUnknownFunction})
	})

	t.Run("close cancels running handlers", func(t *testing.T) {
		client, srv := newTestPair(t)
		started := make(chan struct{})
		require.NoError(t, srv.Add(testProtocol+1, Protocol{
			1: func(ctx context.Context, _ *Call) ([]byte, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}))
		prom, err := client.Call(testProtocol+1, 1)
		require.NoError(t, err)

		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("handler never started")
		}

		require.NoError(t, srv.Close())
		_, err = prom.Wait(waitCtx(t))
		var fault *Fault
		require.ErrorAs(t, err, &fault)
		require.Equal(t, CodeInternal, fault.Code)
	})

	t.Run("registration rejects duplicates and nil handlers", func(t *testing.T) {
		_, srv := newTestPair(t)
		require.ErrorIs(t, srv.Add(testProtocol, Protocol{}), ErrProtocolExists)
		require.ErrorIs(t, srv.Add(testProtocol+1, Protocol{1: nil}), ErrNilHandler)
		require.NoError(t, srv.Add(testProtocol+1, Protocol{}))

		require.NoError(t, srv.Close())
		require.ErrorIs(t, srv.Add(testProtocol+2, Protocol{}), ErrServerClosed)
		require.ErrorIs(t, srv.Serve(nil), ErrServerClosed)
	})
}
