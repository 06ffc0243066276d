package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeFrame(t *testing.T) {
	t.Run("call frame carries every argument", func(t *testing.T) {
		args := [][]byte{[]byte("a"), {}, {0x00, 0xff, 0x80}}
		frame, err := DecodeFrame(AppendCall(nil, 7, 3, 9, args...))
		require.NoError(t, err)
		require.Equal(t, KindCall, frame.Kind)
		require.Equal(t, uint64(7), frame.PromiseID)
		require.Equal(t, uint64(3), frame.Protocol)
		require.Equal(t, uint64(9), frame.Function)
		require.Equal(t, args, frame.Args)
	})

	t.Run("result frame keeps the remainder verbatim", func(t *testing.T) {
		result := []byte{0x00, 0x01, 0xff, 0x80, 0x7f}
		msg := AppendResult(nil, 12, result)
		frame, err := DecodeFrame(msg)
		require.NoError(t, err)
		require.Equal(t, KindResult, frame.Kind)
		require.Equal(t, result, frame.Result)

		msg[len(msg)-1] = 0x00
		require.Equal(t, byte(0x7f), frame.Result[len(frame.Result)-1], "result must not alias the message")
	})

	t.Run("error frame carries a structured fault", func(t *testing.T) {
		frame, err := DecodeFrame(AppendError(nil, 5, &Fault{Code: 42, Message: "bad arg"}))
		require.NoError(t, err)
		require.Equal(t, KindError, frame.Kind)
		require.Equal(t, &Fault{Code: 42, Message: "bad arg"}, frame.Fault)
	})

	t.Run("unknown kind is a hard decode fault", func(t *testing.T) {
		msg := protowire.AppendVarint(nil, 99)
		msg = protowire.AppendVarint(msg, 1)
		_, err := DecodeFrame(msg)
		require.ErrorIs(t, err, ErrUnknownMessageType)
	})

	t.Run("truncated frames are malformed", func(t *testing.T) {
		_, err := DecodeFrame(nil)
		require.ErrorIs(t, err, ErrMalformedFrame)

		msg := AppendError(nil, 5, &Fault{Code: 1, Message: "truncated"})
		_, err = DecodeFrame(msg[:len(msg)-3])
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
}
