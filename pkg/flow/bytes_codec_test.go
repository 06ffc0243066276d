package flow

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameCodec(t *testing.T) {
	t.Run("frames are read back in order", func(t *testing.T) {
		var buf bytes.Buffer
		frames := [][]byte{
			[]byte("hello"),
			{},
			bytes.Repeat([]byte{0xff}, 300),
			{0x00},
		}
		for _, frame := range frames {
			require.NoError(t, WriteFrame(&buf, frame))
		}

		fr := NewFrameReader(&buf)
		for _, expected := range frames {
			frame, err := fr.ReadFrame()
			require.NoError(t, err)
			require.Equal(t, expected, frame)
		}
		_, err := fr.ReadFrame()
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("a truncated frame is an unexpected EOF", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, []byte("truncated")))
		fr := NewFrameReader(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))

		_, err := fr.ReadFrame()
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("oversized frames are refused on both ends", func(t *testing.T) {
		require.ErrorIs(t, WriteFrame(io.Discard, make([]byte, MaxFrameSize+1)), ErrTooLargeFrame)

		prefix := protowire.AppendVarint(nil, MaxFrameSize+1)
		_, err := NewFrameReader(bytes.NewReader(prefix)).ReadFrame()
		require.ErrorIs(t, err, ErrTooLargeFrame)

		endless := bytes.Repeat([]byte{0x80}, 16)
		_, err = NewFrameReader(bytes.NewReader(endless)).ReadFrame()
		require.ErrorIs(t, err, ErrTooLargeFrame)
	})
}
