package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// cipherSuite is the fixed suite for quietwire sessions.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// noiseSession holds the cipher states of one established session.
type noiseSession struct {
	addr       Address
	send       *noise.CipherState
	recv       *noise.CipherState
	peerStatic []byte
}

// NoiseEngine implements Cipher with the one-way Noise X pattern: a
// session-initiation message is a complete X handshake carrying the first
// payload, and every later message advances the established cipher state.
//
// The engine records the first long-term key seen per peer name and refuses
// to silently accept a different one later; that condition surfaces as
// *IdentityKeyError for interactive resolution.
type NoiseEngine struct {
	mu         sync.RWMutex
	static     noise.DHKey
	sessions   map[string]*noiseSession
	identities map[string][]byte
}

// NewNoiseEngine builds an engine around a 32-byte Curve25519 private key.
func NewNoiseEngine(staticPriv []byte) (*NoiseEngine, error) {
	if len(staticPriv) != 32 {
		return nil, fmt.Errorf("session: static private key must be 32 bytes, got %d", len(staticPriv))
	}
	pub, err := curve25519.X25519(staticPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("session: derive public key: %w", err)
	}
	priv := make([]byte, 32)
	copy(priv, staticPriv)
	return &NoiseEngine{
		static:     noise.DHKey{Private: priv, Public: pub},
		sessions:   make(map[string]*noiseSession),
		identities: make(map[string][]byte),
	}, nil
}

// GenerateNoiseEngine builds an engine around a freshly generated key pair.
func GenerateNoiseEngine() (*NoiseEngine, error) {
	key, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("session: generate keypair: %w", err)
	}
	return &NoiseEngine{
		static:     key,
		sessions:   make(map[string]*noiseSession),
		identities: make(map[string][]byte),
	}, nil
}

// PublicKey returns the engine's long-term public key.
func (e *NoiseEngine) PublicKey() []byte {
	pub := make([]byte, len(e.static.Public))
	copy(pub, e.static.Public)
	return pub
}

// Decrypt advances the established session for addr.
func (e *NoiseEngine) Decrypt(addr Address, ciphertext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[addr.String()]
	if !ok {
		return nil, ErrNoSession
	}
	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("session: decrypt for %s: %w", addr, err)
	}
	return plaintext, nil
}

// DecryptAndEstablish processes a session-initiation message from addr,
// establishing a new session on success.
func (e *NoiseEngine) DecryptAndEstablish(addr Address, ciphertext []byte) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeX,
		Initiator:     false,
		StaticKeypair: e.static,
	})
	if err != nil {
		return nil, fmt.Errorf("session: handshake state: %w", err)
	}

	plaintext, recvCS, sendCS, err := hs.ReadMessage(nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("session: handshake for %s: %w", addr, err)
	}
	peerStatic := hs.PeerStatic()

	e.mu.Lock()
	defer e.mu.Unlock()

	if known, ok := e.identities[addr.Name]; ok && !bytes.Equal(known, peerStatic) {
		return nil, &IdentityKeyError{Address: addr, IdentityKey: peerStatic}
	}
	e.identities[addr.Name] = peerStatic
	e.sessions[addr.String()] = &noiseSession{
		addr:       addr,
		send:       sendCS,
		recv:       recvCS,
		peerStatic: peerStatic,
	}

	logrus.WithFields(logrus.Fields{
		"peer": addr.String(),
	}).Info("established new session")

	return plaintext, nil
}

// CloseSession discards the session for addr. Closing an absent session is a
// no-op.
func (e *NoiseEngine) CloseSession(addr Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[addr.String()]; ok {
		delete(e.sessions, addr.String())
		logrus.WithFields(logrus.Fields{
			"peer": addr.String(),
		}).Info("closed session")
	}
	return nil
}

// DeviceIDs lists the devices of a peer that currently have sessions.
func (e *NoiseEngine) DeviceIDs(name string) ([]uint32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []uint32
	for _, s := range e.sessions {
		if s.addr.Name == name {
			ids = append(ids, s.addr.DeviceID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ForgetIdentity clears the recorded long-term key for a peer, allowing the
// next session-initiation message to re-establish after an explicit trust
// decision.
func (e *NoiseEngine) ForgetIdentity(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.identities, name)
}

// EstablishTo initiates a session toward addr, returning the handshake
// message that carries payload. Used by the transmit path and by tests
// standing in for a remote peer.
func (e *NoiseEngine) EstablishTo(addr Address, peerStatic, payload []byte) ([]byte, error) {
	if len(peerStatic) != 32 {
		return nil, errors.New("session: peer static key must be 32 bytes")
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeX,
		Initiator:     true,
		StaticKeypair: e.static,
		PeerStatic:    peerStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("session: handshake state: %w", err)
	}

	msg, sendCS, recvCS, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("session: handshake to %s: %w", addr, err)
	}

	e.mu.Lock()
	e.identities[addr.Name] = peerStatic
	e.sessions[addr.String()] = &noiseSession{
		addr:       addr,
		send:       sendCS,
		recv:       recvCS,
		peerStatic: peerStatic,
	}
	e.mu.Unlock()

	return msg, nil
}

// Encrypt advances the sending direction of the established session for addr.
func (e *NoiseEngine) Encrypt(addr Address, plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[addr.String()]
	if !ok {
		return nil, ErrNoSession
	}
	ciphertext, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("session: encrypt for %s: %w", addr, err)
	}
	return ciphertext, nil
}
