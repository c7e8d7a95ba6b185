package attachment

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietwire/quietwire/protocol"
)

type mapFetcher map[uint64][]byte

func (m mapFetcher) Fetch(_ context.Context, id uint64) ([]byte, error) {
	blob, ok := m[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return blob, nil
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestResolvePopulatesData(t *testing.T) {
	key := testKey(t)
	ciphertext, digest, err := Seal([]byte("cat picture"), key)
	require.NoError(t, err)

	resolver := NewResolver(mapFetcher{42: ciphertext})
	pointer := &protocol.AttachmentPointer{ID: 42, Key: key, Digest: digest}

	require.NoError(t, resolver.Resolve(context.Background(), pointer))
	assert.Equal(t, []byte("cat picture"), pointer.Data)
}

func TestResolveWithoutDigest(t *testing.T) {
	key := testKey(t)
	ciphertext, _, err := Seal([]byte("no digest"), key)
	require.NoError(t, err)

	resolver := NewResolver(mapFetcher{1: ciphertext})
	pointer := &protocol.AttachmentPointer{ID: 1, Key: key}

	require.NoError(t, resolver.Resolve(context.Background(), pointer))
	assert.Equal(t, []byte("no digest"), pointer.Data)
}

func TestResolveDigestMismatch(t *testing.T) {
	key := testKey(t)
	ciphertext, digest, err := Seal([]byte("tampered"), key)
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0x01

	resolver := NewResolver(mapFetcher{2: ciphertext})
	pointer := &protocol.AttachmentPointer{ID: 2, Key: key, Digest: digest}

	err = resolver.Resolve(context.Background(), pointer)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.Nil(t, pointer.Data)
}

func TestResolveWrongKey(t *testing.T) {
	ciphertext, _, err := Seal([]byte("secret"), testKey(t))
	require.NoError(t, err)

	resolver := NewResolver(mapFetcher{3: ciphertext})
	pointer := &protocol.AttachmentPointer{ID: 3, Key: testKey(t)}

	err = resolver.Resolve(context.Background(), pointer)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestResolveFetchFailure(t *testing.T) {
	resolver := NewResolver(mapFetcher{})
	pointer := &protocol.AttachmentPointer{ID: 4, Key: testKey(t)}

	err := resolver.Resolve(context.Background(), pointer)
	assert.Error(t, err)
	assert.Nil(t, pointer.Data)
}

func TestOpenRejectsBadInputs(t *testing.T) {
	_, err := Open([]byte("short"), testKey(t), nil)
	assert.ErrorIs(t, err, ErrTooShort)

	_, err = Open(make([]byte, 64), []byte("badkey"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
