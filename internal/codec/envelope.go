package codec

import (
	"encoding/binary"
	"fmt"
)

// EnvelopeSize is the number of bytes Wrap prepends to an encoded body.
const EnvelopeSize = 5

// Envelope identifies the schema a stored payload was written with.
//
// Layout: [type id:4, little endian][byte order:1][body]
type Envelope struct {
	TypeID uint32
	Order  ByteOrder
}

// Wrap prefixes body with the envelope header.
func Wrap(env Envelope, body []byte) []byte {
	out := make([]byte, EnvelopeSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], env.TypeID)
	out[4] = byte(env.Order)
	copy(out[EnvelopeSize:], body)
	return out
}

// Unwrap splits a payload into its envelope and body. The body aliases data.
func Unwrap(data []byte) (Envelope, []byte, error) {
	if len(data) < EnvelopeSize {
		return Envelope{}, nil, fmt.Errorf("%w: payload shorter than envelope (%d bytes)", ErrSchemaMismatch, len(data))
	}
	env := Envelope{
		TypeID: binary.LittleEndian.Uint32(data[0:4]),
		Order:  ByteOrder(data[4]),
	}
	if env.Order != LittleEndian && env.Order != BigEndian {
		return Envelope{}, nil, fmt.Errorf("%w: unknown byte order %d", ErrSchemaMismatch, data[4])
	}
	return env, data[EnvelopeSize:], nil
}

// Check verifies that env was produced by a codec with the given identity.
func (env Envelope) Check(typeID uint32, order ByteOrder) error {
	if env.TypeID != typeID {
		return fmt.Errorf("%w: stored type %#08x, codec type %#08x", ErrSchemaMismatch, env.TypeID, typeID)
	}
	if env.Order != order {
		return fmt.Errorf("%w: stored %s, codec %s", ErrSchemaMismatch, env.Order, order)
	}
	return nil
}
