package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelope(t *testing.T) {
	t.Run("fields survive encoding", func(t *testing.T) {
		env := &envelope{
			From:    "node1",
			Service: 2,
			Channel: 1,
			Counter: 65535,
			Nonce:   1 << 63,
			Payload: []byte{0x00, 0xff},
		}
		buf := env.marshal()

		decoded := &envelope{}
		require.NoError(t, decoded.unmarshal(buf))
		require.Equal(t, env, decoded)

		buf[len(buf)-1] = 0x01
		require.Equal(t, []byte{0x00, 0xff}, decoded.Payload)
	})

	t.Run("unknown fields are skipped", func(t *testing.T) {
		buf := (&envelope{From: "node1", Payload: []byte("x")}).marshal()
		buf = protowire.AppendTag(buf, 42, protowire.BytesType)
		buf = protowire.AppendString(buf, "from the future")

		decoded := &envelope{}
		require.NoError(t, decoded.unmarshal(buf))
		require.Equal(t, "x", string(decoded.Payload))
	})

	t.Run("broken envelopes are refused", func(t *testing.T) {
		buf := (&envelope{From: "node1", Payload: []byte("payload")}).marshal()
		require.ErrorIs(t, (&envelope{}).unmarshal(buf[:len(buf)-2]), ErrMalformedMessage)
		require.ErrorIs(t, (&envelope{}).unmarshal([]byte{0xff}), ErrMalformedMessage)

		anonymous := (&envelope{Payload: []byte("payload")}).marshal()
		require.ErrorIs(t, (&envelope{}).unmarshal(anonymous), ErrMalformedMessage)
	})
}
