package bitpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadBits(t *testing.T) {
	w := NewWriter()
	w.WriteBit(true)
	require.NoError(t, w.WriteBits(0x2A, 6))
	require.NoError(t, w.WriteBits(0xDEADBEEF, 32))
	w.WriteBit(false)
	require.NoError(t, w.WriteBits(0x3FF, 10))

	r := NewReader(w.Bytes())

	bit, err := r.ReadBit()
	require.NoError(t, err)
	assert.True(t, bit)

	v, err := r.ReadBits(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2A), v)

	v, err = r.ReadBits(32)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF), v)

	bit, err = r.ReadBit()
	require.NoError(t, err)
	assert.False(t, bit)

	v, err = r.ReadBits(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3FF), v)

	assert.Equal(t, w.BitPos(), r.BitPos())
}

func TestWriteBitsMasksValue(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.WriteBits(0xFFFF, 4))

	r := NewReader(w.Bytes())
	v, err := r.ReadBits(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xF), v)
}

func TestMSBFirstLayout(t *testing.T) {
	// The first bit written lands in bit 7 of byte 0.
	w := NewWriter()
	w.WriteBit(true)
	require.NoError(t, w.WriteBits(0, 7))
	assert.Equal(t, []byte{0x80}, w.Bytes())

	w.Reset()
	require.NoError(t, w.WriteBits(0x01, 8))
	require.NoError(t, w.WriteBits(0x180, 9))
	assert.Equal(t, []byte{0x01, 0xC0, 0x00}, w.Bytes())
}

func TestByteAlignedFastPath(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.WriteBits(0x0102030405060708, 64))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, w.Bytes())

	r := NewReader(w.Bytes())
	v, err := r.ReadBits(64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v)
}

func TestReadUnderflow(t *testing.T) {
	r := NewReader([]byte{0xFF})
	_, err := r.ReadBits(8)
	require.NoError(t, err)

	_, err = r.ReadBit()
	assert.ErrorIs(t, err, ErrUnderflow)

	r = NewReader([]byte{0xFF})
	_, err = r.ReadBits(9)
	assert.ErrorIs(t, err, ErrUnderflow)
}

func TestWidthBounds(t *testing.T) {
	w := NewWriter()
	assert.ErrorIs(t, w.WriteBits(0, 65), ErrWidth)
	assert.ErrorIs(t, w.WriteBits(0, -1), ErrWidth)

	r := NewReader(nil)
	_, err := r.ReadBits(65)
	assert.ErrorIs(t, err, ErrWidth)
}

func TestAlign(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.WriteBits(0x5, 3))
	w.Align()
	require.NoError(t, w.WriteBits(0xAB, 8))

	assert.Equal(t, 16, w.BitPos())
	assert.Equal(t, 11, w.UnpaddedLen())

	r := NewReader(w.Bytes())
	v, err := r.ReadBits(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5), v)
	require.NoError(t, r.Align())
	v, err = r.ReadBits(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAB), v)
}

func TestLenBits(t *testing.T) {
	assert.Equal(t, 3, LenBits(4))
	assert.Equal(t, 16, LenBits(65535))
	assert.Equal(t, 5, LenBits(16))
	assert.Equal(t, 1, LenBits(1))
}

func TestTagBits(t *testing.T) {
	assert.Equal(t, 0, TagBits(1))
	assert.Equal(t, 1, TagBits(2))
	assert.Equal(t, 2, TagBits(4))
	assert.Equal(t, 3, TagBits(5))
}
