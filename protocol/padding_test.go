package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadUnpadRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xab}, 159),
		bytes.Repeat([]byte{0xab}, 160),
		bytes.Repeat([]byte{0x00}, 32), // plaintext that is itself all zeros
		[]byte{0x80},                   // plaintext ending in the sentinel value
	}

	for _, plaintext := range cases {
		padded := Pad(plaintext)
		assert.Zero(t, len(padded)%padBlockSize, "padded length must land on a block boundary")

		out, err := Unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, plaintext, out)
	}
}

func TestUnpadRejectsBadTrailingByte(t *testing.T) {
	padded := Pad([]byte("hello"))
	padded[len(padded)-1] = 0x01

	_, err := Unpad(padded)
	assert.ErrorIs(t, err, ErrInvalidPadding)
}

func TestUnpadRejectsMissingSentinel(t *testing.T) {
	_, err := Unpad(make([]byte, 64)) // all zeros, no sentinel
	assert.ErrorIs(t, err, ErrInvalidPadding)

	_, err = Unpad(nil)
	assert.ErrorIs(t, err, ErrInvalidPadding)
}

func TestUnpadSentinelOnly(t *testing.T) {
	out, err := Unpad([]byte{paddingSentinel, 0x00, 0x00})
	require.NoError(t, err)
	assert.Empty(t, out)
}
