// Package attachment fetches and decrypts the binary blobs referenced by
// attachment pointers: message attachments, group avatars, and the batched
// record blobs of contact and group sync.
package attachment

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/quietwire/quietwire/protocol"
)

const (
	// KeySize is the symmetric key length carried by an attachment pointer.
	KeySize = 32
	// nonceSize prefixes every encrypted blob.
	nonceSize = 24
)

var (
	// ErrInvalidKey indicates a pointer whose key has the wrong length.
	ErrInvalidKey = errors.New("attachment: key must be 32 bytes")
	// ErrDigestMismatch indicates ciphertext whose digest does not match the
	// pointer's expected digest.
	ErrDigestMismatch = errors.New("attachment: digest mismatch")
	// ErrDecryptFailed indicates ciphertext that fails authentication.
	ErrDecryptFailed = errors.New("attachment: decryption failed")
	// ErrTooShort indicates a blob smaller than its nonce prefix.
	ErrTooShort = errors.New("attachment: ciphertext too short")
)

// Fetcher is the network collaborator that retrieves encrypted blob bytes by
// attachment id.
type Fetcher interface {
	Fetch(ctx context.Context, id uint64) ([]byte, error)
}

// Resolver populates attachment pointers with decrypted data.
type Resolver struct {
	fetcher Fetcher
}

// NewResolver builds a resolver around the given fetcher.
func NewResolver(fetcher Fetcher) *Resolver {
	return &Resolver{fetcher: fetcher}
}

// Resolve fetches the ciphertext for p, verifies its digest when the pointer
// carries one, decrypts it with the pointer's key, and sets p.Data. Any
// failure is fatal for the message that references the pointer.
func (r *Resolver) Resolve(ctx context.Context, p *protocol.AttachmentPointer) error {
	ciphertext, err := r.fetcher.Fetch(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("fetch attachment %d: %w", p.ID, err)
	}

	data, err := Open(ciphertext, p.Key, p.Digest)
	if err != nil {
		return fmt.Errorf("attachment %d: %w", p.ID, err)
	}
	p.Data = data

	logrus.WithFields(logrus.Fields{
		"id":   p.ID,
		"size": len(data),
	}).Debug("resolved attachment")

	return nil
}

// Open verifies and decrypts one attachment blob. The digest, when given,
// covers the full ciphertext including the nonce prefix.
func Open(ciphertext, key, digest []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(ciphertext) < nonceSize {
		return nil, ErrTooShort
	}
	if digest != nil {
		sum := sha256.Sum256(ciphertext)
		if !hmac.Equal(sum[:], digest) {
			return nil, ErrDigestMismatch
		}
	}

	var k [KeySize]byte
	copy(k[:], key)
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	data, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return data, nil
}

// Seal encrypts a blob for storage, returning the ciphertext and its digest.
// Used by the sending side and by tests standing in for a remote sender.
func Seal(plaintext, key []byte) (ciphertext, digest []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKey
	}
	var k [KeySize]byte
	copy(k[:], key)
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("attachment: generate nonce: %w", err)
	}

	ciphertext = secretbox.Seal(nonce[:], plaintext, &nonce, &k)
	sum := sha256.Sum256(ciphertext)
	return ciphertext, sum[:], nil
}
