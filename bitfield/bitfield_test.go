package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	bf := New(10)
	require.Equal(t, 10, bf.Len())
	require.False(t, bf.Get(3))
	bf.Set(3, true)
	require.True(t, bf.Get(3))
	bf.Set(3, false)
	require.False(t, bf.Get(3))
}

func TestRoundTrip(t *testing.T) {
	// R2: serialize(deserialize(b)) == b for any byte slice of correct length.
	raw := []byte{0b10110000, 0b11000000}
	bf, err := FromBytes(raw, 10)
	require.NoError(t, err)
	assert.Equal(t, raw, bf.Bytes())
}

func TestMSBFirst(t *testing.T) {
	bf := New(9)
	bf.Set(0, true)
	bf.Set(8, true)
	b := bf.Bytes()
	require.Len(t, b, 2)
	assert.Equal(t, byte(0x80), b[0])
	assert.Equal(t, byte(0x80), b[1])
}

func TestCountAndAll(t *testing.T) {
	bf := New(4)
	assert.False(t, bf.All())
	for i := 0; i < 4; i++ {
		bf.Set(i, true)
	}
	assert.True(t, bf.All())
	assert.Equal(t, 4, bf.Count())
}

func TestWrongLength(t *testing.T) {
	_, err := FromBytes([]byte{0x00}, 9)
	require.Error(t, err)
}
