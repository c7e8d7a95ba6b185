package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:         EnvelopePreKeyBundle,
		Source:       "+14155550123",
		SourceDevice: 2,
		Timestamp:    1700000000123,
		Content:      []byte{0xde, 0xad, 0xbe, 0xef},
	}

	raw, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env, parsed)
}

func TestEnvelopeReceiptHasNoPayload(t *testing.T) {
	env := &Envelope{
		Type:         EnvelopeReceipt,
		Source:       "+14155550123",
		SourceDevice: 1,
		Timestamp:    42,
	}

	raw, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Nil(t, parsed.Content)
	assert.Nil(t, parsed.LegacyMessage)
}

func TestEnvelopeID(t *testing.T) {
	env := &Envelope{Source: "+14155550123", SourceDevice: 3, Timestamp: 99}
	assert.Equal(t, "+14155550123.3 99", env.ID())
}

func TestParseEnvelopeShortBuffer(t *testing.T) {
	env := &Envelope{Type: EnvelopeCiphertext, Source: "+1", Timestamp: 1, LegacyMessage: []byte{1, 2, 3}}
	raw, err := env.Marshal()
	require.NoError(t, err)

	for _, n := range []int{0, 1, len(raw) / 2, len(raw) - 1} {
		_, err := ParseEnvelope(raw[:n])
		assert.ErrorIs(t, err, ErrShortBuffer, "truncated at %d bytes", n)
	}
}
