package codec

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_WrapUnwrap(t *testing.T) {
	body := []byte("payload")
	data := Wrap(Envelope{TypeID: 42, Order: BigEndian}, body)
	require.Len(t, data, EnvelopeSize+len(body))

	env, got, err := Unwrap(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), env.TypeID)
	assert.Equal(t, BigEndian, env.Order)
	assert.Equal(t, body, got)
	assert.NoError(t, env.Check(42, BigEndian))
}

func TestEnvelope_Mismatch(t *testing.T) {
	env := Envelope{TypeID: 1, Order: LittleEndian}
	assert.ErrorIs(t, env.Check(2, LittleEndian), ErrSchemaMismatch)
	assert.ErrorIs(t, env.Check(1, BigEndian), ErrSchemaMismatch)

	_, _, err := Unwrap([]byte{1, 2})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, _, err = Unwrap([]byte{0, 0, 0, 0, 9})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestByteOrder_Binary(t *testing.T) {
	assert.Equal(t, binary.BigEndian, BigEndian.Binary())
	assert.Equal(t, binary.LittleEndian, LittleEndian.Binary())
	assert.Equal(t, "big-endian", BigEndian.String())
}

func TestRaw_RoundTrip(t *testing.T) {
	var c Raw
	in := []byte{0, 1, 2, 255}
	enc, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Decode copies, so callers can keep the result after the buffer is reused.
	enc[0] = 9
	assert.Equal(t, byte(0), out[0])
}

func TestSchemaCache(t *testing.T) {
	c := NewSchemaCache()
	s, err := c.Register(SchemaOf[[]byte](Raw{}))
	require.NoError(t, err)
	assert.Equal(t, "raw", s.Name)
	assert.Equal(t, 1, c.Len())

	// Registering again is idempotent.
	_, err = c.Register(Schema{TypeID: RawTypeID, Order: LittleEndian, Name: "other"})
	require.NoError(t, err)
	got, ok := c.Lookup(RawTypeID)
	require.True(t, ok)
	assert.Equal(t, "raw", got.Name)

	_, err = c.Register(Schema{TypeID: RawTypeID, Order: BigEndian})
	assert.True(t, errors.Is(err, ErrSchemaMismatch))

	_, err = c.Register(Schema{TypeID: 1, Order: BigEndian, Name: "a"})
	require.NoError(t, err)
	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, uint32(1), list[0].TypeID)
}
