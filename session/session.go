// Package session defines the cryptographic session collaborator used by the
// receive pipeline, and provides a default engine built on the Noise Protocol
// Framework.
//
// The receive pipeline never inspects ratchet state; it only asks a Cipher to
// decrypt, establish, or close sessions for a peer address.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNoSession indicates no established session exists for the address.
	ErrNoSession = errors.New("session: no established session")
	// ErrInvalidAddress indicates an address string that cannot be parsed.
	ErrInvalidAddress = errors.New("session: invalid address")
)

// Address identifies one device of one peer.
type Address struct {
	Name     string
	DeviceID uint32
}

// String encodes the address as "name.device".
func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.Name, a.DeviceID)
}

// ParseAddress decodes a "name.device" address string.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	device, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{Name: s[:i], DeviceID: uint32(device)}, nil
}

// IdentityKeyError reports that a peer presented a long-term key different
// from the one recorded for them. The caller decides whether to trust the new
// key and retry.
type IdentityKeyError struct {
	Address     Address
	IdentityKey []byte
}

func (e *IdentityKeyError) Error() string {
	return fmt.Sprintf("session: unknown identity key for %s", e.Address)
}

// Cipher is the session engine contract. Implementations own all ratchet
// state; callers treat ciphertexts and session lifetimes as opaque.
type Cipher interface {
	// Decrypt advances the existing session for addr and returns the padded
	// plaintext. Fails with ErrNoSession when no session is established.
	Decrypt(addr Address, ciphertext []byte) ([]byte, error)

	// DecryptAndEstablish decrypts a session-initiation message, creating a
	// brand-new session as a side effect of success. Fails with an
	// *IdentityKeyError when the initiator's long-term key conflicts with
	// the recorded identity for the peer.
	DecryptAndEstablish(addr Address, ciphertext []byte) ([]byte, error)

	// CloseSession discards the session for addr, if any.
	CloseSession(addr Address) error

	// DeviceIDs lists the devices of a peer that currently have sessions.
	DeviceIDs(name string) ([]uint32, error)
}
