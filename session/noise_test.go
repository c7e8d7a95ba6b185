package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("+14155550123.2")
	require.NoError(t, err)
	assert.Equal(t, Address{Name: "+14155550123", DeviceID: 2}, addr)
	assert.Equal(t, "+14155550123.2", addr.String())

	for _, bad := range []string{"", "nodevice", ".5", "x.", "x.notanumber"} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, "input %q", bad)
	}
}

func TestEstablishAndDecrypt(t *testing.T) {
	alice, err := GenerateNoiseEngine()
	require.NoError(t, err)
	bob, err := GenerateNoiseEngine()
	require.NoError(t, err)

	aliceAddr := Address{Name: "+1555alice", DeviceID: 1}
	bobAddr := Address{Name: "+1555bob", DeviceID: 1}

	// Alice initiates toward Bob with a first payload.
	initiation, err := alice.EstablishTo(bobAddr, bob.PublicKey(), []byte("first"))
	require.NoError(t, err)

	plaintext, err := bob.DecryptAndEstablish(aliceAddr, initiation)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), plaintext)

	// Subsequent messages flow over the established cipher states.
	ct, err := alice.Encrypt(bobAddr, []byte("second"))
	require.NoError(t, err)
	plaintext, err = bob.Decrypt(aliceAddr, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), plaintext)
}

func TestDecryptWithoutSession(t *testing.T) {
	bob, err := GenerateNoiseEngine()
	require.NoError(t, err)

	_, err = bob.Decrypt(Address{Name: "+1", DeviceID: 1}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestIdentityKeyConflict(t *testing.T) {
	bob, err := GenerateNoiseEngine()
	require.NoError(t, err)
	alice, err := GenerateNoiseEngine()
	require.NoError(t, err)
	impostor, err := GenerateNoiseEngine()
	require.NoError(t, err)

	aliceAddr := Address{Name: "+1555alice", DeviceID: 1}

	initiation, err := alice.EstablishTo(Address{Name: "+1555bob", DeviceID: 1}, bob.PublicKey(), []byte("hi"))
	require.NoError(t, err)
	_, err = bob.DecryptAndEstablish(aliceAddr, initiation)
	require.NoError(t, err)

	// A different long-term key under the same name must not be accepted.
	forged, err := impostor.EstablishTo(Address{Name: "+1555bob", DeviceID: 1}, bob.PublicKey(), []byte("hi"))
	require.NoError(t, err)
	_, err = bob.DecryptAndEstablish(aliceAddr, forged)

	var ike *IdentityKeyError
	require.ErrorAs(t, err, &ike)
	assert.Equal(t, aliceAddr, ike.Address)
	assert.Equal(t, impostor.PublicKey(), ike.IdentityKey)

	// After an explicit trust decision the new key is accepted.
	bob.ForgetIdentity(aliceAddr.Name)
	forged, err = impostor.EstablishTo(Address{Name: "+1555bob", DeviceID: 1}, bob.PublicKey(), []byte("hi again"))
	require.NoError(t, err)
	plaintext, err := bob.DecryptAndEstablish(aliceAddr, forged)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi again"), plaintext)
}

func TestCloseSessionAndDeviceIDs(t *testing.T) {
	bob, err := GenerateNoiseEngine()
	require.NoError(t, err)
	alice, err := GenerateNoiseEngine()
	require.NoError(t, err)

	for _, device := range []uint32{3, 1} {
		init, err := alice.EstablishTo(Address{Name: "+1555bob", DeviceID: device}, bob.PublicKey(), nil)
		require.NoError(t, err)
		_, err = bob.DecryptAndEstablish(Address{Name: "+1555alice", DeviceID: device}, init)
		require.NoError(t, err)
	}

	ids, err := bob.DeviceIDs("+1555alice")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, ids)

	require.NoError(t, bob.CloseSession(Address{Name: "+1555alice", DeviceID: 1}))
	require.NoError(t, bob.CloseSession(Address{Name: "+1555alice", DeviceID: 1})) // idempotent

	ids, err = bob.DeviceIDs("+1555alice")
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, ids)

	_, err = bob.Decrypt(Address{Name: "+1555alice", DeviceID: 1}, []byte{1})
	assert.ErrorIs(t, err, ErrNoSession)
}
