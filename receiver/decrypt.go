package receiver

import (
	"errors"
	"fmt"

	"github.com/quietwire/quietwire/protocol"
	"github.com/quietwire/quietwire/session"
)

// ErrUnsupportedEnvelopeType marks an envelope whose type has no cipher
// path. Such envelopes are removed, not retried.
var ErrUnsupportedEnvelopeType = errors.New("receiver: unsupported envelope type")

// IdentityKeyConflictError elevates a session-layer identity conflict with
// enough context for the application to retry the message after the user
// accepts the new key.
type IdentityKeyConflictError struct {
	Address     session.Address
	Ciphertext  []byte
	IdentityKey []byte
}

func (e *IdentityKeyConflictError) Error() string {
	return fmt.Sprintf("receiver: identity key conflict for %s", e.Address)
}

func (e *IdentityKeyConflictError) Unwrap() error {
	return &session.IdentityKeyError{Address: e.Address, IdentityKey: e.IdentityKey}
}

// decrypt selects the cipher path for the envelope type, decrypts the given
// ciphertext and strips transport padding.
func (r *Receiver) decrypt(env *protocol.Envelope, ciphertext []byte) ([]byte, error) {
	addr := session.Address{Name: env.Source, DeviceID: env.SourceDevice}

	var (
		padded []byte
		err    error
	)
	switch env.Type {
	case protocol.EnvelopeCiphertext:
		padded, err = r.cipher.Decrypt(addr, ciphertext)
	case protocol.EnvelopePreKeyBundle:
		padded, err = r.cipher.DecryptAndEstablish(addr, ciphertext)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEnvelopeType, env.Type)
	}
	if err != nil {
		decryptFailures.Inc()
		var identityErr *session.IdentityKeyError
		if errors.As(err, &identityErr) {
			return nil, &IdentityKeyConflictError{
				Address:     identityErr.Address,
				Ciphertext:  ciphertext,
				IdentityKey: identityErr.IdentityKey,
			}
		}
		return nil, fmt.Errorf("decrypt %s envelope from %s: %w", env.Type, addr, err)
	}

	plaintext, err := protocol.Unpad(padded)
	if err != nil {
		decryptFailures.Inc()
		return nil, fmt.Errorf("unpad envelope from %s: %w", addr, err)
	}
	return plaintext, nil
}

// TryMessageAgain re-attempts a message whose first decryption failed with
// an identity key conflict, after the application has resolved the conflict.
// The ciphertext is treated as session-establishing and the recovered
// payload as a bare data message.
func (r *Receiver) TryMessageAgain(from string, timestamp uint64, ciphertext []byte) error {
	addr, err := session.ParseAddress(from)
	if err != nil {
		return err
	}
	padded, err := r.cipher.DecryptAndEstablish(addr, ciphertext)
	if err != nil {
		return fmt.Errorf("receiver: retry decrypt for %s: %w", from, err)
	}
	plaintext, err := protocol.Unpad(padded)
	if err != nil {
		return fmt.Errorf("receiver: retry unpad for %s: %w", from, err)
	}
	msg, err := protocol.ParseDataMessage(plaintext)
	if err != nil {
		return fmt.Errorf("receiver: retry parse for %s: %w", from, err)
	}

	env := &protocol.Envelope{
		Type:         protocol.EnvelopePreKeyBundle,
		Source:       addr.Name,
		SourceDevice: addr.DeviceID,
		Timestamp:    timestamp,
	}
	confirm := func() error { return nil }
	return r.handleDataMessage(env, msg, "", confirm)
}
