package colearn

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle = &codec.MsgpackHandle{
	WriteExt: true,
}

// gossipUpdate is what travels on the wire. A broadcast carries its
// fields as a msgpack stream of four values, a unicast call carries each
// of them as its own argument.
type gossipUpdate struct {
	Type       string
	Payload    []byte
	Proportion float64
	Factor     float64
}

func (upd *gossipUpdate) fields() []any {
	return []any{upd.Type, upd.Payload, upd.Proportion, upd.Factor}
}

func (upd *gossipUpdate) fieldPtrs() []any {
	return []any{&upd.Type, &upd.Payload, &upd.Proportion, &upd.Factor}
}

func (upd *gossipUpdate) marshal() ([]byte, error) {
	args, err := upd.args()
	if err != nil {
		return nil, err
	}
	return bytes.Join(args, nil), nil
}

func (upd *gossipUpdate) unmarshal(buf []byte) error {
	dec := codec.NewDecoderBytes(buf, msgpackHandle)
	for i, field := range upd.fieldPtrs() {
		if err := dec.Decode(field); err != nil {
			return fmt.Errorf("%w: value %d: %w", ErrMalformedUpdate, i, err)
		}
	}
	return nil
}

// args encodes every field as its own call argument.
func (upd *gossipUpdate) args() ([][]byte, error) {
	fields := upd.fields()
	args := make([][]byte, len(fields))
	for i, field := range fields {
		if err := codec.NewEncoderBytes(&args[i], msgpackHandle).Encode(field); err != nil {
			return nil, err
		}
	}
	return args, nil
}

func (upd *gossipUpdate) fromArgs(args [][]byte) error {
	if len(args) != 4 {
		return fmt.Errorf("%w: expected 4 arguments, got %d", ErrMalformedUpdate, len(args))
	}
	for i, field := range upd.fieldPtrs() {
		if err := codec.NewDecoderBytes(args[i], msgpackHandle).Decode(field); err != nil {
			return fmt.Errorf("%w: argument %d: %w", ErrMalformedUpdate, i, err)
		}
	}
	return nil
}

func encodeCount(count uint64) []byte {
	var buf []byte
	_ = codec.NewEncoderBytes(&buf, msgpackHandle).Encode(count)
	return buf
}

func decodeCount(buf []byte) (uint64, error) {
	var count uint64
	if err := codec.NewDecoderBytes(buf, msgpackHandle).Decode(&count); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	return count, nil
}
