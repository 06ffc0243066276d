package flow

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// WriteFrame writes buf prefixed by its varint-encoded length.
func WriteFrame(w io.Writer, buf []byte) error {
	if len(buf) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf))
	}

	prefixed := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(buf)), uint64(len(buf)))
	prefixed = append(prefixed, buf...)
	_, err := w.Write(prefixed)
	return err
}

// FrameReader decodes frames written by `WriteFrame`.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for {
		if n == len(prefix) {
			return nil, fmt.Errorf("%w: invalid length prefix", ErrTooLargeFrame)
		}
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		prefix[n] = b
		n++
		if b < 0x80 {
			break
		}
	}

	size, m := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(m); err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
