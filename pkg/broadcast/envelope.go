package broadcast

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldFrom    protowire.Number = 1
	fieldService protowire.Number = 2
	fieldChannel protowire.Number = 3
	fieldCounter protowire.Number = 4
	fieldNonce   protowire.Number = 5
	fieldPayload protowire.Number = 6
)

// envelope is what travels between endpoints. Nonce identifies a message
// of a sender, it is used to drop duplicates.
type envelope struct {
	From    string
	Service uint16
	Channel uint16
	Counter uint16
	Nonce   uint64
	Payload []byte
}

func (env *envelope) marshal() []byte {
	buf := make([]byte, 0, len(env.From)+len(env.Payload)+32)
	buf = protowire.AppendTag(buf, fieldFrom, protowire.BytesType)
	buf = protowire.AppendString(buf, env.From)
	buf = protowire.AppendTag(buf, fieldService, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(env.Service))
	buf = protowire.AppendTag(buf, fieldChannel, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(env.Channel))
	buf = protowire.AppendTag(buf, fieldCounter, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(env.Counter))
	buf = protowire.AppendTag(buf, fieldNonce, protowire.VarintType)
	buf = protowire.AppendVarint(buf, env.Nonce)
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	return protowire.AppendBytes(buf, env.Payload)
}

// unmarshal copies the payload out of buf. Unknown fields are skipped.
func (env *envelope) unmarshal(buf []byte) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fieldFrom && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(buf)
			env.From = string(v)
		case num == fieldPayload && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(buf)
			env.Payload = append([]byte(nil), v...)
		case typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(buf)
			switch num {
			case fieldService:
				env.Service = uint16(v)
			case fieldChannel:
				env.Channel = uint16(v)
			case fieldCounter:
				env.Counter = uint16(v)
			case fieldNonce:
				env.Nonce = v
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		buf = buf[n:]
	}
	if env.From == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	return nil
}

func (env *envelope) message(to string) Message {
	return Message{
		From:    env.From,
		Service: env.Service,
		Channel: env.Channel,
		Counter: env.Counter,
		Payload: env.Payload,
		To:      to,
	}
}
