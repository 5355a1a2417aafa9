// Package codec defines the contract between the storage engine and the
// payload types it stores. The engine treats payloads as opaque bytes; a
// Codec turns a value into bytes and back and names the schema it speaks.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrSchemaMismatch is returned when stored bytes were written by a different
// type, byte order, or an incompatible version of the same type.
var ErrSchemaMismatch = errors.New("schema mismatch")

// ByteOrder is the integer encoding a codec uses for its fields.
type ByteOrder uint8

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

func (o ByteOrder) String() string {
	switch o {
	case LittleEndian:
		return "little-endian"
	case BigEndian:
		return "big-endian"
	default:
		return fmt.Sprintf("ByteOrder(%d)", uint8(o))
	}
}

// Binary returns the encoding/binary implementation for o.
func (o ByteOrder) Binary() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Codec converts values of type T to and from bytes.
//
// Decode must not retain or mutate data beyond the call unless the
// implementation documents zero-copy access. Decode failures caused by
// version skew should wrap ErrSchemaMismatch.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
	// TypeID is a stable identifier for the encoded schema.
	TypeID() uint32
	ByteOrder() ByteOrder
}

// Named is optionally implemented by codecs that carry a human readable
// schema name for diagnostics.
type Named interface {
	Name() string
}

// Raw is a pass-through codec for callers that already hold bytes.
type Raw struct{}

// RawTypeID identifies payloads written through Raw.
const RawTypeID uint32 = 0x52415721 // "RAW!"

func (Raw) Encode(v []byte) ([]byte, error) { return v, nil }

func (Raw) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (Raw) TypeID() uint32       { return RawTypeID }
func (Raw) ByteOrder() ByteOrder { return LittleEndian }
func (Raw) Name() string         { return "raw" }
