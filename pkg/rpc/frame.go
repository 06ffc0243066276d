package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the leading discriminant of every frame.
type Kind uint64

const (
	KindCall Kind = iota + 1
	KindResult
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is a decoded frame. Which fields are set depends on `Kind`.
type Frame struct {
	Kind      Kind
	PromiseID uint64

	// KindCall
	Protocol uint64
	Function uint64
	Args     [][]byte

	// KindResult, the remainder of the frame verbatim.
	Result []byte

	// KindError
	Fault *Fault
}

func AppendCall(buf []byte, id, protocol, function uint64, args ...[]byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(KindCall))
	buf = protowire.AppendVarint(buf, id)
	buf = protowire.AppendVarint(buf, protocol)
	buf = protowire.AppendVarint(buf, function)
	for _, arg := range args {
		buf = protowire.AppendBytes(buf, arg)
	}
	return buf
}

func AppendResult(buf []byte, id uint64, result []byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(KindResult))
	buf = protowire.AppendVarint(buf, id)
	return append(buf, result...)
}

func AppendError(buf []byte, id uint64, fault *Fault) []byte {
	buf = protowire.AppendVarint(buf, uint64(KindError))
	buf = protowire.AppendVarint(buf, id)
	buf = protowire.AppendVarint(buf, fault.Code)
	return protowire.AppendString(buf, fault.Message)
}

// DecodeFrame never retains msg: byte slices of the returned frame are
// copies.
func DecodeFrame(msg []byte) (*Frame, error) {
	r := reader{buf: msg}
	kind, err := r.varint("kind")
	if err != nil {
		return nil, err
	}

	frame := &Frame{Kind: Kind(kind)}
	switch frame.Kind {
	case KindCall, KindResult, KindError:
	default:
		return frame, fmt.Errorf("%w: %d", ErrUnknownMessageType, kind)
	}

	if frame.PromiseID, err = r.varint("promise id"); err != nil {
		return frame, err
	}

	switch frame.Kind {
	case KindCall:
		if frame.Protocol, err = r.varint("protocol"); err != nil {
			return frame, err
		}
		if frame.Function, err = r.varint("function"); err != nil {
			return frame, err
		}
		for len(r.buf) > 0 {
			arg, err := r.bytes("argument")
			if err != nil {
				return frame, err
			}
			frame.Args = append(frame.Args, arg)
		}
	case KindResult:
		frame.Result = make([]byte, len(r.buf))
		copy(frame.Result, r.buf)
	case KindError:
		code, err := r.varint("fault code")
		if err != nil {
			return frame, err
		}
		message, err := r.bytes("fault message")
		if err != nil {
			return frame, err
		}
		frame.Fault = &Fault{Code: code, Message: string(message)}
	}
	return frame, nil
}

type reader struct {
	buf []byte
}

func (r *reader) varint(field string) (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		return 0, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, field, protowire.ParseError(n))
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) bytes(field string) ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, field, protowire.ParseError(n))
	}
	r.buf = r.buf[n:]
	cloned := make([]byte, len(v))
	copy(cloned, v)
	return cloned, nil
}
