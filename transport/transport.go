// Package transport defines the inbound transport collaborator of the
// receive pipeline and provides a WebSocket client implementation.
//
// The transport delivers inbound requests carrying encrypted signaling
// envelopes; the pipeline answers each request with a status so the server
// knows whether to redeliver. The signaling envelope is encrypted with a
// per-account signaling key, distinct from the per-peer session ciphers.
package transport

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrClosed indicates an operation on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrSignalingDecrypt indicates a signaling envelope that failed to
	// decrypt; this is the server's fault, not the sending peer's.
	ErrSignalingDecrypt = errors.New("transport: signaling envelope decryption failed")
)

const (
	// SignalingKeySize is the symmetric signaling key length.
	SignalingKeySize = 32
	signalingNonce   = 24
)

// Request is one inbound transport request. Respond must be called exactly
// once; the correlation ID ties logs and the response frame to the request.
type Request struct {
	ID      string
	Verb    string
	Path    string
	Body    []byte
	respond func(status int, message string) error
}

// NewRequest builds a request with a fresh correlation id. Used by transport
// implementations and by tests standing in for a server.
func NewRequest(verb, path string, body []byte, respond func(status int, message string) error) *Request {
	return &Request{
		ID:      uuid.NewString(),
		Verb:    verb,
		Path:    path,
		Body:    body,
		respond: respond,
	}
}

// Respond answers the request.
func (r *Request) Respond(status int, message string) error {
	if r.respond == nil {
		return nil
	}
	return r.respond(status, message)
}

// Handler consumes inbound requests.
type Handler func(*Request)

// Status describes the state of the transport connection.
type Status int

const (
	// StatusDisconnected means no connection is open; either Connect has
	// not been called yet or the connection was lost.
	StatusDisconnected Status = iota
	// StatusConnected means the connection is open and delivering requests.
	StatusConnected
	// StatusClosed means the transport was shut down intentionally.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Transport is the persistent bidirectional channel delivering inbound
// requests. onClose receives nil for an intentional shutdown and the closing
// error otherwise; the receiver uses that distinction for its reconnect
// policy.
type Transport interface {
	Connect(onRequest Handler, onClose func(err error)) error
	Close() error

	// Status reports the current connection state.
	Status() Status

	// RegisteredDevices queries the server for the account's registered
	// endpoints. The receiver probes it after an unclean closure to decide
	// between reconnecting and surfacing an error.
	RegisteredDevices() ([]uint32, error)
}

// DecryptSignalingMessage opens the encrypted signaling envelope wrapping an
// inbound request body.
func DecryptSignalingMessage(body []byte, key [SignalingKeySize]byte) ([]byte, error) {
	if len(body) < signalingNonce {
		return nil, ErrSignalingDecrypt
	}
	var nonce [signalingNonce]byte
	copy(nonce[:], body[:signalingNonce])

	plaintext, ok := secretbox.Open(nil, body[signalingNonce:], &nonce, &key)
	if !ok {
		return nil, ErrSignalingDecrypt
	}
	return plaintext, nil
}

// EncryptSignalingMessage seals a signaling envelope. Used by the server side
// and by tests.
func EncryptSignalingMessage(plaintext []byte, key [SignalingKeySize]byte) ([]byte, error) {
	var nonce [signalingNonce]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("transport: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}
