package receiver

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietwire/quietwire/attachment"
	"github.com/quietwire/quietwire/protocol"
	"github.com/quietwire/quietwire/session"
	"github.com/quietwire/quietwire/store"
	"github.com/quietwire/quietwire/transport"
)

const (
	localNumber  = "+14155550100"
	localDevice  = uint32(1)
	peerNumber   = "+14155550199"
	syncDevice   = uint32(2)
	eventTimeout = 5 * time.Second
)

// fakeTransport delivers hand-built requests to the registered handler and
// records the status each request was answered with.
type fakeTransport struct {
	mu        sync.Mutex
	onRequest transport.Handler
	onClose   func(err error)
	devices   []uint32
	status    transport.Status
	connects  int
}

func (t *fakeTransport) Connect(onRequest transport.Handler, onClose func(err error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRequest = onRequest
	t.onClose = onClose
	t.status = transport.StatusConnected
	t.connects++
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.status = transport.StatusClosed
	onClose := t.onClose
	t.mu.Unlock()
	if onClose != nil {
		onClose(nil)
	}
	return nil
}

func (t *fakeTransport) Status() transport.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *fakeTransport) RegisteredDevices() ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devices, nil
}

// deliver hands one raw request to the receiver and returns the response
// status.
func (t *fakeTransport) deliver(tb testing.TB, verb, path string, body []byte) int {
	tb.Helper()
	t.mu.Lock()
	handler := t.onRequest
	t.mu.Unlock()
	require.NotNil(tb, handler, "transport not connected")

	status := make(chan int, 1)
	req := transport.NewRequest(verb, path, body, func(s int, _ string) error {
		status <- s
		return nil
	})
	handler(req)

	select {
	case s := <-status:
		return s
	case <-time.After(eventTimeout):
		tb.Fatal("request was never answered")
		return 0
	}
}

// mapFetcher serves attachment ciphertexts from memory.
type mapFetcher map[uint64][]byte

func (m mapFetcher) Fetch(_ context.Context, id uint64) ([]byte, error) {
	data, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("no attachment %d", id)
	}
	return data, nil
}

// harness wires a receiver to a real store, a real session engine and the
// fake transport, plus a peer-side engine for producing ciphertexts.
type harness struct {
	recv      *Receiver
	store     *store.Store
	transport *fakeTransport
	fetcher   mapFetcher
	key       [transport.SignalingKeySize]byte

	local *session.NoiseEngine
	// peer impersonates a contact; syncPeer impersonates another device of
	// the local account.
	peer     *session.NoiseEngine
	syncPeer *session.NoiseEngine
	// established tracks sender sessions already set up toward local, by
	// claimed source identity.
	established map[string]bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "receiver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	local, err := session.GenerateNoiseEngine()
	require.NoError(t, err)
	peer, err := session.GenerateNoiseEngine()
	require.NoError(t, err)
	syncPeer, err := session.GenerateNoiseEngine()
	require.NoError(t, err)

	h := &harness{
		store:       st,
		transport:   &fakeTransport{devices: []uint32{localDevice}},
		fetcher:     mapFetcher{},
		local:       local,
		peer:        peer,
		syncPeer:    syncPeer,
		established: make(map[string]bool),
	}
	_, err = rand.Read(h.key[:])
	require.NoError(t, err)

	recv, err := New(Config{
		Number:       localNumber,
		DeviceID:     localDevice,
		SignalingKey: h.key,
		Cipher:       local,
		Store:        st,
		Groups:       st,
		Attachments:  attachment.NewResolver(h.fetcher),
		Transport:    h.transport,
	})
	require.NoError(t, err)
	h.recv = recv

	require.NoError(t, recv.Connect())
	t.Cleanup(func() { _ = recv.Close() })
	return h
}

// localAddr is the address the peer engine uses for the local account.
var localAddr = session.Address{Name: localNumber, DeviceID: localDevice}

// encryptFrom produces an envelope-ready ciphertext from the given sender
// engine under the claimed source identity. The first message per identity
// is session-establishing.
func (h *harness) encryptFrom(t *testing.T, sender *session.NoiseEngine, source string, device uint32, plaintext []byte) (protocol.EnvelopeType, []byte) {
	t.Helper()
	padded := protocol.Pad(plaintext)

	key := fmt.Sprintf("%s.%d", source, device)
	if !h.established[key] {
		ct, err := sender.EstablishTo(localAddr, h.local.PublicKey(), padded)
		require.NoError(t, err)
		h.established[key] = true
		return protocol.EnvelopePreKeyBundle, ct
	}
	ct, err := sender.Encrypt(localAddr, padded)
	require.NoError(t, err)
	return protocol.EnvelopeCiphertext, ct
}

// sealEnvelope wraps an envelope for transport delivery.
func (h *harness) sealEnvelope(t *testing.T, env *protocol.Envelope) []byte {
	t.Helper()
	raw, err := env.Marshal()
	require.NoError(t, err)
	sealed, err := transport.EncryptSignalingMessage(raw, h.key)
	require.NoError(t, err)
	return sealed
}

// deliverContent encrypts a content payload from the given sender engine and
// delivers it, returning the transport status.
func (h *harness) deliverContent(t *testing.T, sender *session.NoiseEngine, source string, device uint32, ts uint64, content *protocol.Content) int {
	t.Helper()
	plaintext, err := content.Marshal()
	require.NoError(t, err)

	typ, ct := h.encryptFrom(t, sender, source, device, plaintext)
	env := &protocol.Envelope{
		Type:         typ,
		Source:       source,
		SourceDevice: device,
		Timestamp:    ts,
		Content:      ct,
	}
	return h.transport.deliver(t, "PUT", MessagePath, h.sealEnvelope(t, env))
}

// waitEvent receives from ch or fails the test.
func waitEvent[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

// waitCount polls until the unprocessed count reaches want.
func (h *harness) waitCount(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		n, err := h.store.Count()
		require.NoError(t, err)
		if n == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, _ := h.store.Count()
	t.Fatalf("unprocessed count = %d, want %d", n, want)
}
